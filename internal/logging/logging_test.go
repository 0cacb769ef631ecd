package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tradebridge.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "debug", File: true, FilePath: path, MaxSize: 1})

	LogOrder(WithBroker(logger, "paper"), "o-1", "EUR_USD", "buy", "filled")
	logger.Trace().Msg("dropped")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"app":"tradebridge"`)
	assert.Contains(t, out, `"broker":"paper"`)
	assert.Contains(t, out, `"order_id":"o-1"`)
	assert.NotContains(t, out, "dropped")
}

func TestLogVoteFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	LogVote(WithProvider(logger, "openai"), "openai", "HOLD", 0, 0, "timeout")
	assert.Contains(t, buf.String(), "Provider vote failed")
	assert.Contains(t, buf.String(), `"error":"timeout"`)
}
