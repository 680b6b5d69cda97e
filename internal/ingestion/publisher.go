package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventPublisher is the part of JetStream the outbound publisher uses.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow <prefix>.<event_type>. Each message carries a
// Nats-Msg-Id of sequence and index, so JetStream drops republished
// duplicates.
type OutboundPublisher struct {
	js        EventPublisher
	prefix    string
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewOutboundPublisher(js EventPublisher, prefix string, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		prefix:    prefix,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is done or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for i, ev := range out.Events {
				if err := op.publish(ctx, ev, i); err != nil {
					// downstream consumers can read the event log directly
					op.logger.Warn().Err(err).Uint64("sequence", ev.Sequence).Str("type", string(ev.Type)).Msg("outbound publish failed")
				}
			}
		}
	}
}

// Subject returns where an event is published.
func (op *OutboundPublisher) Subject(ev event.Event) string {
	return fmt.Sprintf("%s.%s", op.prefix, ev.Type)
}

func (op *OutboundPublisher) publish(ctx context.Context, ev event.Event, index int) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msgID := fmt.Sprintf("%d-%d", ev.Sequence, index)
	_, err = op.js.Publish(ctx, op.Subject(ev), data, jetstream.WithMsgID(msgID))
	return err
}
