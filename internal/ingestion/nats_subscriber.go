package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/token"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Executor runs one command against the core.
type Executor interface {
	Execute(ctx context.Context, cmd event.Command) (*core.Result, error)
}

// Disposition is what to do with a consumed message.
type Disposition int

const (
	// Ack: executed, or rejected for good (duplicates and business rule
	// violations are deterministic and would fail again).
	Ack Disposition = iota
	// Nak: a transient failure; redeliver.
	Nak
	// Term: malformed; never redeliver.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Retryable reports whether a failed Execute may succeed on redelivery.
func Retryable(err error) bool {
	return errors.Is(err, token.ErrSettlementFailed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// CommandConsumer pulls commands from JetStream and executes them in
// delivery order. Each command type has its own subject under the
// configured filter, e.g. cdp.commands.open_vault.
type CommandConsumer struct {
	js       jetstream.JetStream
	parser   *Parser
	executor Executor
	logger   zerolog.Logger
	cc       jetstream.ConsumeContext
}

func NewCommandConsumer(js jetstream.JetStream, parser *Parser, executor Executor, logger zerolog.Logger) *CommandConsumer {
	return &CommandConsumer{
		js:       js,
		parser:   parser,
		executor: executor,
		logger:   logger.With().Str("component", "command_consumer").Logger(),
	}
}

// Subscribe creates the durable consumer and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (c *CommandConsumer) Subscribe(ctx context.Context, stream, subject, durable string) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		// one at a time keeps delivery order equal to execution order
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ackErr error
		switch c.Handle(ctx, msg.Subject(), msg.Data()) {
		case Ack:
			ackErr = msg.Ack()
		case Nak:
			ackErr = msg.NakWithDelay(time.Second)
		case Term:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			c.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	c.cc = cc
	c.logger.Info().Str("subject", subject).Str("consumer", durable).Msg("subscribed")
	return nil
}

// Handle parses and executes one message and decides its disposition.
func (c *CommandConsumer) Handle(ctx context.Context, subject string, data []byte) Disposition {
	cmd, err := c.parser.ParseSubject(subject, data)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("malformed command")
		return Term
	}

	res, err := c.executor.Execute(ctx, cmd)
	switch {
	case err == nil:
		ev := c.logger.Debug().
			Str("command", cmd.CommandType().String()).
			Str("request_id", cmd.IdempotencyKey()).
			Uint64("sequence", res.Sequence)
		if res.QuoteErr != nil {
			ev = ev.AnErr("quote_err", res.QuoteErr)
		}
		ev.Msg("command applied")
		return Ack
	case errors.Is(err, core.ErrDuplicate):
		c.logger.Debug().Str("request_id", cmd.IdempotencyKey()).Msg("duplicate command acked")
		return Ack
	case Retryable(err):
		c.logger.Warn().Err(err).Str("request_id", cmd.IdempotencyKey()).Msg("command failed, will retry")
		return Nak
	default:
		c.logger.Info().Err(err).
			Str("command", cmd.CommandType().String()).
			Str("request_id", cmd.IdempotencyKey()).
			Msg("command rejected")
		return Ack
	}
}

// Stop stops consuming. In-flight handlers finish.
func (c *CommandConsumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
	c.logger.Info().Msg("command consumer stopped")
}

// PriceSubscriber feeds pushed prices into a StreamFeed. Prices are not
// commands: they only become state when a refresh reads them, so core NATS
// (no persistence) is enough.
type PriceSubscriber struct {
	feed    *feed.StreamFeed
	metrics *observability.Metrics
	logger  zerolog.Logger
	sub     *nats.Subscription
}

func NewPriceSubscriber(f *feed.StreamFeed, metrics *observability.Metrics, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		feed:    f,
		metrics: metrics,
		logger:  logger.With().Str("component", "price_subscriber").Logger(),
	}
}

func (ps *PriceSubscriber) Subscribe(nc *nats.Conn, subject string) error {
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		ps.Handle(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	ps.sub = sub
	ps.logger.Info().Str("subject", subject).Msg("subscribed")
	return nil
}

// Handle applies one price message and reports whether it was accepted.
func (ps *PriceSubscriber) Handle(data []byte) bool {
	var u feed.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		ps.reject("unknown", "decode", err)
		return false
	}
	if u.Source == "" {
		ps.reject("unknown", "no_source", nil)
		return false
	}

	gapsBefore := ps.feed.Gaps(u.Source, u.Kind)
	ok, err := ps.feed.Update(u)
	if err != nil {
		ps.reject(u.Source, "invalid", err)
		return false
	}
	if ps.metrics != nil {
		if gaps := ps.feed.Gaps(u.Source, u.Kind); gaps > gapsBefore {
			ps.metrics.FeedGaps.WithLabelValues(u.Source).Add(float64(gaps - gapsBefore))
		}
	}
	if !ok {
		ps.reject(u.Source, "stale", nil)
		return false
	}
	if ps.metrics != nil {
		ps.metrics.FeedUpdates.WithLabelValues(u.Source).Inc()
	}
	return true
}

func (ps *PriceSubscriber) reject(source, reason string, err error) {
	if ps.metrics != nil {
		ps.metrics.FeedRejected.WithLabelValues(source, reason).Inc()
	}
	if err != nil {
		ps.logger.Warn().Err(err).Str("source", source).Str("reason", reason).Msg("price update rejected")
	}
}

func (ps *PriceSubscriber) Stop() {
	if ps.sub != nil {
		if err := ps.sub.Unsubscribe(); err != nil {
			ps.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, commandStream, commandSubject, eventStream, eventPrefix string, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       commandStream,
			Subjects:   []string{commandSubject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       eventStream,
			Subjects:   []string{eventPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	logger = logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
