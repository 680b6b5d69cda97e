package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/token"

	"github.com/holiman/uint256"
)

var (
	ErrDuplicate          = errors.New("core: duplicate command")
	ErrMissingKey         = errors.New("core: command has no idempotency key")
	ErrUnsupportedCommand = errors.New("core: unsupported command")
	ErrReplayDivergence   = errors.New("core: replay diverged from the log")
	ErrClockSkew          = errors.New("core: command timestamp is ahead of the wall clock")
)

// DefaultMaxClockSkew is how far ahead of the wall clock a caller may stamp
// a command.
const DefaultMaxClockSkew = 5 * time.Minute

// Record is what a command needs besides its payload to be replayed: the
// feed inputs that were read and the quote they produced.
type Record struct {
	Inputs *oracle.Inputs     `json:"inputs,omitempty"`
	Quote  *oracle.PriceQuote `json:"quote,omitempty"`
}

// CoreOutput is everything downstream workers need about one command.
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Legs     []token.Leg
	Events   []event.Event
}

// Result is returned to the caller of Execute.
type Result struct {
	Sequence  uint64             `json:"sequence"`
	StateHash [32]byte           `json:"state_hash"`
	Timestamp int64              `json:"timestamp"`
	Batch     *ledger.Batch      `json:"batch"`
	Legs      []token.Leg        `json:"legs,omitempty"`
	Events    []event.Event      `json:"events"`
	Quote     *oracle.PriceQuote `json:"quote,omitempty"`

	// QuoteErr is set when a refresh applied but its quote was not OK. The
	// command still committed (the breaker may have tripped).
	QuoteErr error `json:"-"`
}

// step is a planned command: journals to book, state changes to commit
// once settlement succeeded, and the events they produce.
type step struct {
	gen      *ledger.JournalGenerator
	commits  []func()
	events   []event.Event
	record   Record
	quoteErr error
}

func (s *step) then(fn func()) { s.commits = append(s.commits, fn) }

func (s *step) emit(typ event.EventType, kind *protocol.CollateralKind, data any) {
	s.events = append(s.events, event.Event{Type: typ, Kind: kind, Data: data})
}

// execution is the context of one command run.
type execution struct {
	ctx context.Context
	now int64
	seq uint64
	// replay is the recorded input when re-running the log.
	replay *Record
}

func kindRef(k protocol.CollateralKind) *protocol.CollateralKind { return &k }

// Execute runs one command through the pipeline: dedup, plan, settle,
// commit, check, hash, emit. A command that returns an error changed
// nothing.
func (p *Protocol) Execute(ctx context.Context, cmd event.Command) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execute(ctx, cmd, nil)
}

func (p *Protocol) execute(ctx context.Context, cmd event.Command, replay *event.Envelope) (*Result, error) {
	start := time.Now()
	ct := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	if key == "" {
		p.reject(ct, "missing_key")
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, ct)
	}

	x := &execution{ctx: ctx, seq: p.sequence + 1, now: cmd.Time()}
	if replay != nil {
		var rec Record
		if len(replay.Record) > 0 {
			if err := json.Unmarshal(replay.Record, &rec); err != nil {
				return nil, fmt.Errorf("decode record %d: %w", replay.Sequence, err)
			}
		}
		x.replay = &rec
		x.now = replay.Timestamp
	} else {
		if p.idempotency.IsDuplicate(ct, key) {
			p.reject(ct, "duplicate")
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, ct, key)
		}
		// the ledger clock only moves forward, so a future stamp would
		// age every later price
		if limit := p.cfg.Now().Add(p.cfg.MaxClockSkew).Unix(); x.now > limit {
			p.reject(ct, "clock_skew")
			return nil, fmt.Errorf("%w: %s at %d, limit %d", ErrClockSkew, ct, x.now, limit)
		}
		// the clock never runs backwards
		if x.now < p.clock {
			x.now = p.clock
		}
	}

	st, err := p.dispatch(x, cmd)
	if err != nil {
		p.reject(ct, reason(err))
		return nil, err
	}
	batch := st.gen.Batch()
	if err := p.validator.ValidateBatchBalance(batch); err != nil {
		p.reject(ct, "custody")
		return nil, fmt.Errorf("%s: %w", ct, err)
	}

	payload, err := event.Encode(cmd)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(st.record)
	if err != nil {
		return nil, err
	}

	var legs []token.Leg
	if replay == nil && p.cfg.Settler != nil && !batch.Empty() {
		legs, err = p.cfg.Settler.Settle(ctx, batch)
		if err != nil {
			if p.metrics != nil {
				p.metrics.SettlementFailure.Inc()
			}
			p.reject(ct, "settlement")
			p.logger.Error().Err(err).Str("command_type", ct).Str("key", key).Msg("settlement failed, command dropped")
			return nil, err
		}
	}

	// Nothing below may fail: tokens have moved.
	if err := p.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply checked batch %s/%s: %v", ct, key, err))
	}
	for _, fn := range st.commits {
		fn()
	}
	if err := p.checkInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s/%s: %v", ct, key, err))
	}

	p.sequence = x.seq
	p.clock = x.now

	hashStart := time.Now()
	prev := p.chain.Tip()
	stateHash := p.chain.Append(Link{
		Sequence:    x.seq,
		CommandType: cmd.CommandType(),
		Kind:        cmd.CollateralKind(),
		Timestamp:   x.now,
		Key:         key,
		StateDigest: p.stateDigest(batch),
	})
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	for i := range st.events {
		st.events[i].Sequence = x.seq
		st.events[i].Timestamp = x.now
	}

	out := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:       x.seq,
			IdempotencyKey: key,
			CommandType:    cmd.CommandType(),
			Kind:           cmd.CollateralKind(),
			Timestamp:      x.now,
			Payload:        payload,
			Record:         record,
			StateHash:      stateHash,
			PrevHash:       prev,
		},
		Batch:  batch,
		Legs:   legs,
		Events: st.events,
	}
	if replay == nil {
		p.emit(out)
	}
	p.idempotency.MarkProcessed(ct, key)

	if p.metrics != nil {
		p.metrics.CommandsApplied.WithLabelValues(ct).Inc()
		p.metrics.CommandDuration.WithLabelValues(ct).Observe(time.Since(start).Seconds())
		for _, j := range batch.Journals {
			p.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		for _, l := range legs {
			p.metrics.SettlementLegs.WithLabelValues(l.Action.String()).Inc()
		}
	}
	p.observe()

	return &Result{
		Sequence:  x.seq,
		StateHash: stateHash,
		Timestamp: x.now,
		Batch:     batch,
		Legs:      legs,
		Events:    st.events,
		Quote:     st.record.Quote,
		QuoteErr:  st.quoteErr,
	}, nil
}

// emit hands the output to the workers. Persistence applies backpressure,
// publishing drops when the channel is full.
func (p *Protocol) emit(out CoreOutput) {
	if ch := p.cfg.PersistChan; ch != nil {
		select {
		case ch <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			ch <- out
		}
	}
	if ch := p.cfg.PublishChan; ch != nil {
		select {
		case ch <- out:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
			p.logger.Warn().Uint64("sequence", out.Envelope.Sequence).Msg("publish channel full, output dropped")
		}
	}
}

func (p *Protocol) reject(ct, why string) {
	if p.metrics != nil {
		p.metrics.CommandsRejected.WithLabelValues(ct, why).Inc()
	}
}

// reason maps an error to a low-cardinality metric label.
func reason(err error) string {
	var sme *oracle.SafeModeError
	switch {
	case errors.As(err, &sme), errors.Is(err, protocol.ErrSafeModeBlocked):
		return "safe_mode"
	case errors.Is(err, protocol.ErrOracleUnavailable), errors.Is(err, protocol.ErrOracleStale),
		errors.Is(err, protocol.ErrOracleDeviation), errors.Is(err, protocol.ErrOracleInvalidRate),
		errors.Is(err, protocol.ErrOracleDecimalsMismatch):
		return "oracle"
	case errors.Is(err, protocol.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, protocol.ErrInvalidParams), errors.Is(err, protocol.ErrInvalidAmount),
		errors.Is(err, protocol.ErrUnsupportedCollateral), errors.Is(err, ErrUnsupportedCommand):
		return "invalid"
	default:
		return "rejected"
	}
}

// stateDigest covers the accounts the batch touched and the aggregate
// state of every subsystem.
func (p *Protocol) stateDigest(batch *ledger.Batch) []byte {
	h := sha256.New()
	word := func(v *uint256.Int) {
		b := v.Bytes32()
		h.Write(b[:])
	}
	u64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		h.Write(b[:])
	}

	touched := make(map[string]ledger.AccountKey)
	for _, j := range batch.Journals {
		touched[j.DebitAccount.AccountPath()] = j.DebitAccount
		touched[j.CreditAccount.AccountPath()] = j.CreditAccount
	}
	paths := make([]string, 0, len(touched))
	for path := range touched {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		k := touched[path]
		h.Write([]byte(path))
		word(p.tracker.Debits(k))
		word(p.tracker.Credits(k))
	}

	for _, kind := range protocol.Kinds {
		b, ok := p.branches[kind]
		if !ok {
			continue
		}
		s := b.Status()
		h.Write([]byte(kind.String()))
		word(s.TotalCollateral)
		word(s.TotalDebt)
		u64(s.VaultCount)
		u64(s.NextID)
		word(p.pool.Collateral(kind))
		if pp, ok := p.oracleState.LastGood(kind); ok {
			word(pp.Price)
			u64(uint64(pp.Timestamp))
		}
	}

	word(p.pool.TotalDeposits())
	word(p.pool.P())
	u64(p.pool.Epoch())
	u64(p.pool.Scale())

	if p.oracleState.SafeMode() {
		h.Write([]byte{1, byte(p.oracleState.Reason())})
		u64(uint64(p.oracleState.TriggeredAt()))
	} else {
		h.Write([]byte{0})
	}

	fee := p.redemptions.FeeState()
	word(fee.BaseRate)
	u64(uint64(fee.LastFeeOpTime))
	u64(uint64(p.params.Version))
	return h.Sum(nil)
}
