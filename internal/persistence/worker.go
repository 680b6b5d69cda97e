package persistence

import (
	"context"
	"database/sql"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes the event
// log. The core blocks on that channel, so a slow worker stalls the core
// rather than losing an output.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	downstream   chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted uint64
}

// NewPersistenceWorker builds a worker. Outputs are forwarded to downstream
// once durable; a full downstream drops them.
func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	downstream chan<- core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		downstream:   downstream,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// Run batches outputs and flushes when the batch is full or the timer
// fires. It returns after a final flush once ctx is done or the input is
// closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				if err := pw.flush(context.Background(), pending); err != nil {
					pw.logger.Error().Err(err).Int("outputs", len(pending)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(pending) > 0 {
					if err := pw.flush(context.Background(), pending); err != nil {
						pw.logger.Error().Err(err).Int("outputs", len(pending)).Msg("final flush failed")
					}
				}
				return nil
			}
			pending = append(pending, out)
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}

			if len(pending) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				pending = pending[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pending) > 0 {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				pending = pending[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx ends, then makes one last attempt without ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("outputs", len(batch)).Msg("retrying persistence flush")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	for _, out := range batch {
		row, js, err := RowsFromOutput(out)
		if err != nil {
			pw.countError("encode")
			return err
		}
		events = append(events, row)
		journals = append(journals, js...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	pw.lastPersisted = batch[len(batch)-1].Envelope.Sequence
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(pw.lastPersisted))
	}
	pw.forward(batch)
	return nil
}

func (pw *PersistenceWorker) forward(batch []core.CoreOutput) {
	if pw.downstream == nil {
		return
	}
	for _, out := range batch {
		select {
		case pw.downstream <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.Inc()
			}
			pw.logger.Warn().Uint64("sequence", out.Envelope.Sequence).Msg("projection channel full, output dropped")
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
