package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Outbound stream keys
const (
	SignalsStream      = "signals.generated"
	ClosingLinesStream = "closing_lines.captured"
	SettlementsStream  = "signals.settled"
)

// maxStreamLen caps each stream with approximate trimming
const maxStreamLen = 10000

// StreamPublisher publishes lifecycle transitions to Redis Streams
type StreamPublisher struct {
	client *redis.Client
}

var _ contracts.EventPublisher = (*StreamPublisher)(nil)

// NewStreamPublisher creates a new stream publisher
func NewStreamPublisher(client *redis.Client) *StreamPublisher {
	return &StreamPublisher{
		client: client,
	}
}

// ClosingLineEvent is the closing_lines.captured payload
type ClosingLineEvent struct {
	SignalID    string             `json:"signal_id"`
	EntryPrice  string             `json:"entry_price"`
	ClosingLine models.ClosingLine `json:"closing_line"`
}

// SettlementEvent is the signals.settled payload
type SettlementEvent struct {
	models.SettledBet
	EventID    string `json:"event_id"`
	SportKey   string `json:"sport_key"`
	Market     string `json:"market_key"`
	Selection  string `json:"outcome_name"`
	Sportsbook string `json:"book_key"`
}

// PublishSignal publishes a newly generated signal
func (p *StreamPublisher) PublishSignal(ctx context.Context, signal models.Signal) error {
	return p.publish(ctx, SignalsStream, signal.SportKey, signal)
}

// PublishClosingLine publishes a captured closing line with the signal it closes
func (p *StreamPublisher) PublishClosingLine(ctx context.Context, line models.ClosingLine, signal models.Signal) error {
	return p.publish(ctx, ClosingLinesStream, signal.SportKey, ClosingLineEvent{
		SignalID:    signal.ID,
		EntryPrice:  signal.EntryPrice,
		ClosingLine: line,
	})
}

// PublishSettlement publishes a settled bet
func (p *StreamPublisher) PublishSettlement(ctx context.Context, bet models.SettledBet, signal models.Signal) error {
	return p.publish(ctx, SettlementsStream, signal.SportKey, SettlementEvent{
		SettledBet: bet,
		EventID:    signal.EventID,
		SportKey:   signal.SportKey,
		Market:     signal.Market,
		Selection:  signal.Selection,
		Sportsbook: signal.Sportsbook,
	})
}

func (p *StreamPublisher) publish(ctx context.Context, stream, sportKey string, v interface{}) error {
	values, err := Envelope(sportKey, v)
	if err != nil {
		return err
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return contracts.Unavailable(fmt.Sprintf("publish to stream %s", stream), err)
	}

	return nil
}

// Envelope builds the stream entry: JSON body in "data", sport in "sport_key"
func Envelope(sportKey string, v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return map[string]interface{}{
		"data":      string(data),
		"sport_key": sportKey,
	}, nil
}
