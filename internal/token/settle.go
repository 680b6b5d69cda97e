package token

import (
	"context"
	"errors"
	"fmt"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Leg is one token call derived from a journal entry.
type Leg struct {
	JournalID   string             `json:"journal_id"`
	JournalType ledger.JournalType `json:"journal_type"`
	Asset       protocol.Asset     `json:"asset"`
	Action      Action             `json:"action"`
	Party       protocol.Address   `json:"party"`
	Internal    *uint256.Int       `json:"internal"`
	External    *uint256.Int       `json:"external"`
}

// Settler executes journal batches against the token adapters. A batch
// either settles completely or every executed leg is reversed.
type Settler struct {
	stable     Stablecoin
	collateral map[protocol.CollateralKind]Adapter
	custody    protocol.Address
	external   map[protocol.Asset]uint8
	params     *protocol.Params
	logger     zerolog.Logger
}

func NewSettler(
	stable Stablecoin,
	collateral map[protocol.CollateralKind]Adapter,
	custody protocol.Address,
	externalDecimals map[protocol.Asset]uint8,
	params *protocol.Params,
	logger zerolog.Logger,
) *Settler {
	ext := make(map[protocol.Asset]uint8, len(externalDecimals))
	for a, d := range externalDecimals {
		ext[a] = d
	}
	return &Settler{
		stable:     stable,
		collateral: collateral,
		custody:    custody,
		external:   ext,
		params:     params,
		logger:     logger.With().Str("component", "settlement").Logger(),
	}
}

func (s *Settler) SetParams(p *protocol.Params) { s.params = p }

// actionFor maps a journal entry to the token call that realizes it, and
// the party on the far side of that call.
func (s *Settler) actionFor(j ledger.Journal) (Action, protocol.Address) {
	switch j.JournalType {
	case ledger.JournalTypeCollateralIn, ledger.JournalTypePoolDeposit:
		return ActionTransferIn, j.Counterparty
	case ledger.JournalTypeCollateralOut,
		ledger.JournalTypeGasCompensation,
		ledger.JournalTypeLiquidationSurplus,
		ledger.JournalTypeRedemptionCollateral,
		ledger.JournalTypePoolWithdraw,
		ledger.JournalTypePoolGain:
		return ActionTransferOut, j.Counterparty
	case ledger.JournalTypeMint:
		return ActionMint, j.Counterparty
	case ledger.JournalTypeBurn, ledger.JournalTypeRedemptionBurn:
		return ActionBurn, j.Counterparty
	case ledger.JournalTypePoolOffset:
		// the pool's stablecoin already sits in custody
		return ActionBurn, s.custody
	case ledger.JournalTypeTreasuryWithdraw:
		if j.Asset == protocol.AssetStable {
			return ActionMint, j.Counterparty
		}
		return ActionTransferOut, j.Counterparty
	default:
		// interest, liquidation_to_pool, redemption_fee: custody moves only
		return ActionNone, ""
	}
}

func (s *Settler) internalDecimals(asset protocol.Asset) uint8 {
	if asset == protocol.AssetStable {
		return s.params.Units.DebtDecimals
	}
	return s.params.Units.CollateralDecimals
}

// ToExternal converts an internal amount for asset. What the protocol
// receives rounds with the inbound mode, what it pays out with the
// outbound mode.
func (s *Settler) ToExternal(asset protocol.Asset, amount *uint256.Int, inbound bool) (*uint256.Int, error) {
	from := s.internalDecimals(asset)
	to, ok := s.external[asset]
	if !ok {
		to = from
	}
	mode := s.params.Rounding.Outbound
	if inbound {
		mode = s.params.Rounding.Inbound
	}
	return fpmath.Rescale(amount, from, to, mode)
}

// Plan lists the token legs of a batch without executing them.
func (s *Settler) Plan(batch *ledger.Batch) ([]Leg, error) {
	legs := make([]Leg, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		action, party := s.actionFor(j)
		if action == ActionNone {
			continue
		}
		if party == "" {
			return nil, fmt.Errorf("journal %s (%s) has no counterparty", j.JournalID, j.JournalType)
		}
		inbound := action == ActionTransferIn || action == ActionBurn
		ext, err := s.ToExternal(j.Asset, j.Amount, inbound)
		if err != nil {
			return nil, fmt.Errorf("convert journal %s: %w", j.JournalID, err)
		}
		if ext.IsZero() {
			continue
		}
		legs = append(legs, Leg{
			JournalID:   j.JournalID.String(),
			JournalType: j.JournalType,
			Asset:       j.Asset,
			Action:      action,
			Party:       party,
			Internal:    j.Amount.Clone(),
			External:    ext,
		})
	}
	return legs, nil
}

// Settle executes every leg of batch in order. On the first failure the
// legs already executed are reversed, newest first.
func (s *Settler) Settle(ctx context.Context, batch *ledger.Batch) ([]Leg, error) {
	legs, err := s.Plan(batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}

	for i, leg := range legs {
		if err := s.execute(ctx, leg.Asset, leg.Action, leg.Party, leg.External); err != nil {
			s.logger.Warn().
				Str("batch_id", batch.BatchID.String()).
				Str("journal_type", leg.JournalType.String()).
				Str("action", leg.Action.String()).
				Err(err).
				Int("executed", i).
				Msg("settlement leg failed, compensating")

			if cerr := s.compensate(ctx, legs[:i]); cerr != nil {
				s.logger.Error().Str("batch_id", batch.BatchID.String()).Err(cerr).Msg("compensation incomplete")
				return nil, fmt.Errorf("%w: %s %s: %w", ErrSettlementFailed, leg.JournalType, leg.Action, errors.Join(err, cerr))
			}
			return nil, fmt.Errorf("%w: %s %s: %w", ErrSettlementFailed, leg.JournalType, leg.Action, err)
		}
	}
	return legs, nil
}

func (s *Settler) compensate(ctx context.Context, done []Leg) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		leg := done[i]
		if err := s.execute(ctx, leg.Asset, leg.Action.inverse(), leg.Party, leg.External); err != nil {
			errs = append(errs, fmt.Errorf("reverse %s %s: %w", leg.JournalType, leg.Action, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Settler) execute(ctx context.Context, asset protocol.Asset, action Action, party protocol.Address, amount *uint256.Int) error {
	if asset == protocol.AssetStable {
		if s.stable == nil {
			return fmt.Errorf("%w: %s", ErrNoAdapter, asset)
		}
		switch action {
		case ActionMint:
			return s.stable.Mint(ctx, party, amount)
		case ActionBurn:
			return s.stable.Burn(ctx, party, amount)
		}
		return s.transfer(ctx, s.stable, action, party, amount)
	}

	kind, err := protocol.ParseCollateralKind(string(asset))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, asset)
	}
	adapter, ok := s.collateral[kind]
	if !ok || adapter == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, asset)
	}
	return s.transfer(ctx, adapter, action, party, amount)
}

func (s *Settler) transfer(ctx context.Context, a Adapter, action Action, party protocol.Address, amount *uint256.Int) error {
	switch action {
	case ActionTransferIn:
		return a.TransferIn(ctx, party, amount)
	case ActionTransferOut:
		return a.TransferOut(ctx, party, amount)
	default:
		return fmt.Errorf("%s is not a transfer", action)
	}
}

// Holdings reads the custody address balance of every configured asset,
// in external decimals.
func (s *Settler) Holdings(ctx context.Context) (map[protocol.Asset]*uint256.Int, error) {
	out := make(map[protocol.Asset]*uint256.Int, len(s.collateral)+1)
	if s.stable != nil {
		b, err := s.stable.BalanceExternal(ctx, s.custody)
		if err != nil {
			return nil, err
		}
		out[protocol.AssetStable] = b
	}
	for kind, a := range s.collateral {
		b, err := a.BalanceExternal(ctx, s.custody)
		if err != nil {
			return nil, err
		}
		out[protocol.CollateralAsset(kind)] = b
	}
	return out, nil
}
