package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/config"
	"tradebridge/internal/models"
	"tradebridge/internal/risk"
)

type recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recorder) Name() string    { return "recorder" }
func (r *recorder) IsEnabled() bool { return true }
func (r *recorder) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func decision(trade bool) *models.ConsensusResult {
	return &models.ConsensusResult{
		ID: "dec-1", Symbol: "EUR_USD", Timeframe: models.TimeframeH1, Method: models.MethodMajority,
		Direction: models.DirectionBuy, Confidence: 72, ShouldTrade: trade, ValidVotes: 3, TotalVotes: 3,
		AgreementPercentage: 100, Entry: models.Float(1.1), StopLoss: models.Float(1.09), TakeProfit: models.Float(1.12),
	}
}

func TestLevelFilter(t *testing.T) {
	tests := []struct {
		level Level
		typ   Type
		sent  bool
	}{
		{LevelAll, TypeInfo, true},
		{LevelAll, TypeError, true},
		{LevelTradesOnly, TypeDecision, true},
		{LevelTradesOnly, TypeExecution, true},
		{LevelTradesOnly, TypeError, false},
		{LevelErrorsOnly, TypeError, true},
		{LevelErrorsOnly, TypeExecution, false},
		{"", TypeInfo, true},
	}
	for _, tt := range tests {
		rec := &recorder{}
		mn := NewMultiNotifier(tt.level, zerolog.Nop())
		mn.AddChannel(rec)
		require.NoError(t, mn.Send(context.Background(), Notification{Type: tt.typ, Title: "x"}))
		assert.Equal(t, tt.sent, len(rec.sent) == 1, "level %q type %q", tt.level, tt.typ)
	}
}

func TestSendDecisionSkipsNonTradeable(t *testing.T) {
	rec := &recorder{}
	mn := NewMultiNotifier(LevelAll, zerolog.Nop())
	mn.AddChannel(rec)

	require.NoError(t, mn.SendDecision(context.Background(), "demo", decision(false)))
	assert.Empty(t, rec.sent)

	require.NoError(t, mn.SendDecision(context.Background(), "demo", decision(true)))
	require.Len(t, rec.sent, 1)
	n := rec.sent[0]
	assert.Equal(t, TypeDecision, n.Type)
	assert.Equal(t, "dec-1", n.Data["decision_id"])
	assert.Equal(t, 1.09, n.Data["stop_loss"])
	assert.False(t, n.Timestamp.IsZero())
}

func TestSendExecution(t *testing.T) {
	rec := &recorder{}
	mn := NewMultiNotifier(LevelTradesOnly, zerolog.Nop())
	mn.AddChannel(rec)
	req := models.OrderRequest{Symbol: "EUR_USD", Side: models.OrderSideBuy, Size: 1000}

	rejected := &risk.Execution{Request: req, Validation: risk.ValidationResult{Message: "too large"}}
	require.NoError(t, mn.SendExecution(context.Background(), "demo", rejected))

	filled := &risk.Execution{
		DecisionID: "dec-1", Request: req, Validation: risk.ValidationResult{IsValid: true},
		Order: &models.OrderResult{OrderID: "o-1", Symbol: "EUR_USD", Side: models.OrderSideBuy,
			Status: models.OrderStatusFilled, FilledSize: 1000, AverageFillPrice: 1.1},
	}
	require.NoError(t, mn.SendExecution(context.Background(), "demo", filled))

	require.Len(t, rec.sent, 2)
	assert.Equal(t, "too large", rec.sent[0].Message)
	assert.Equal(t, "o-1", rec.sent[1].Data["order_id"])
}

func TestSendJoinsChannelErrors(t *testing.T) {
	failing := &recorder{err: errors.New("down")}
	ok := &recorder{}
	mn := NewMultiNotifier(LevelAll, zerolog.Nop())
	mn.AddChannel(failing)
	mn.AddChannel(ok)

	err := mn.SendError(context.Background(), errors.New("boom"), "execute")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.sent, 1)
}

func TestWebhookChannel(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mn := New(config.NotifyConfig{
		Enabled: true,
		Level:   "all",
		Webhook: config.WebhookConfig{URL: srv.URL, Timeout: time.Second, Headers: map[string]string{"Authorization": "Bearer t"}},
	}, zerolog.Nop())
	require.Equal(t, 1, mn.Channels())

	require.NoError(t, mn.SendDecision(context.Background(), "demo", decision(true)))
	assert.Equal(t, TypeDecision, got.Type)
	assert.Equal(t, "EUR_USD", got.Data["symbol"])
	assert.Equal(t, "Bearer t", auth)
	_, err := time.Parse(time.RFC3339, got.Timestamp)
	assert.NoError(t, err)
}

func TestWebhookChannelStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.WebhookConfig{URL: srv.URL})
	err := ch.Send(context.Background(), Notification{Type: TypeInfo, Title: "x", Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDisabledConfigHasNoChannels(t *testing.T) {
	mn := New(config.NotifyConfig{Webhook: config.WebhookConfig{URL: "http://example.invalid"}}, zerolog.Nop())
	assert.Equal(t, 0, mn.Channels())
	assert.NoError(t, mn.SendDecision(context.Background(), "demo", decision(true)))
}
