// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"tradebridge/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	DecisionStore
	AccountStore
	CandleStore

	// Lifecycle
	Close() error
}

// DecisionStore is the consensus audit log.
type DecisionStore interface {
	SaveConsensus(ctx context.Context, workspace string, result *models.ConsensusResult) error
	GetConsensus(ctx context.Context, id string) (*models.ConsensusResult, error)
	ListConsensus(ctx context.Context, filter DecisionFilter) ([]DecisionSummary, error)
	MarkExecuted(ctx context.Context, id, orderID string) error
}

// AccountStore remembers broker-side account ids that were provisioned once
// and must be reused across sessions.
type AccountStore interface {
	GetProvisionedAccount(ctx context.Context, broker, login, server string) (string, error)
	SaveProvisionedAccount(ctx context.Context, broker, login, server, accountID string) error
}

// CandleStore caches historical candles.
type CandleStore interface {
	SaveCandles(ctx context.Context, workspace string, candles []models.Candle) error
	GetCandles(ctx context.Context, workspace, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
}

// DecisionFilter represents filters for querying the audit log.
type DecisionFilter struct {
	Workspace   string
	Symbol      string
	Since       time.Time
	ShouldTrade *bool
	Limit       int
}

// DecisionSummary is one audit log row without the full vote payload.
type DecisionSummary struct {
	ID             string                 `json:"id"`
	Workspace      string                 `json:"workspace"`
	Symbol         string                 `json:"symbol"`
	Timeframe      models.Timeframe       `json:"timeframe"`
	Method         models.ConsensusMethod `json:"method"`
	Direction      models.Direction       `json:"direction"`
	Confidence     float64                `json:"confidence"`
	ShouldTrade    bool                   `json:"should_trade"`
	AgreementLevel models.AgreementLevel  `json:"agreement_level"`
	ValidVotes     int                    `json:"valid_votes"`
	TotalVotes     int                    `json:"total_votes"`
	TotalCost      float64                `json:"total_cost"`
	OrderID        string                 `json:"order_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
