package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/config"
	"tradebridge/internal/errors"
)

func testFactoryConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			DefaultWorkspace: "sim",
			Workspaces: map[string]config.WorkspaceConfig{
				"sim":    {Type: "paper", Balance: 25000},
				"stocks": {Type: "alpaca", Environment: "paper"},
			},
		},
		Stream: config.StreamConfig{PollInterval: time.Second},
	}
}

func TestFactorySharesOneInstancePerWorkspace(t *testing.T) {
	f := NewFactory(testFactoryConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]Broker, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.Get(ctx, "")
			if err == nil {
				got[i] = b
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	assert.Equal(t, "paper", got[0].Name())
	assert.Contains(t, f.Connected(), "sim")

	info, err := got[0].GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25000.0, info.Balance)

	require.NoError(t, f.Close(ctx))
	assert.False(t, got[0].IsConnected())
}

func TestFactoryUnknownWorkspace(t *testing.T) {
	f := NewFactory(testFactoryConfig(), nil, zerolog.Nop())
	_, err := f.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestFactoryConnectFailureIsRetried(t *testing.T) {
	f := NewFactory(testFactoryConfig(), nil, zerolog.Nop())

	// alpaca without keys fails locally on every attempt
	_, err := f.Get(context.Background(), "stocks")
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	_, err = f.Get(context.Background(), "stocks")
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.NotContains(t, f.Connected(), "stocks")
}

func TestFactoryTypes(t *testing.T) {
	f := NewFactory(testFactoryConfig(), nil, zerolog.Nop())
	assert.Equal(t, []string{"alpaca", "ig", "metaapi", "paper", "zerodha"}, f.Types())
}
