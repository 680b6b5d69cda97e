package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks a message that can never be executed. Consumers
// terminate it instead of redelivering.
var ErrMalformed = errors.New("ingestion: malformed command")

// Parser converts upstream JSON into typed commands. Upstream producers
// send amounts as decimal strings in whole units; the parser scales them to
// the protocol's fixed-point units and rejects anything finer than one
// base unit.
type Parser struct {
	units fpmath.Units
}

func NewParser(units fpmath.Units) *Parser {
	return &Parser{units: units}
}

// ParseSubject parses a message published on <prefix>.<command_type>.
func (p *Parser) ParseSubject(subject string, data []byte) (event.Command, error) {
	name := subject
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		name = subject[i+1:]
	}
	ct, err := event.ParseCommandType(name)
	if err != nil {
		return nil, fmt.Errorf("%w: subject %s: %v", ErrMalformed, subject, err)
	}
	return p.Parse(ct, data)
}

// Parse converts one command of type ct.
func (p *Parser) Parse(ct event.CommandType, data []byte) (event.Command, error) {
	var (
		cmd event.Command
		err error
	)
	switch ct {
	case event.CommandTypeOpenVault:
		cmd, err = p.parseOpenVault(data)
	case event.CommandTypeAdjustVault:
		cmd, err = p.parseAdjustVault(data)
	case event.CommandTypeCloseVault:
		cmd, err = p.parseCloseVault(data)
	case event.CommandTypeAdjustInterestRate:
		cmd, err = p.parseAdjustInterestRate(data)
	case event.CommandTypeLiquidate:
		cmd, err = p.parseLiquidate(data)
	case event.CommandTypeLiquidateBatch:
		cmd, err = p.parseLiquidateBatch(data)
	case event.CommandTypePoolDeposit, event.CommandTypePoolWithdraw:
		cmd, err = p.parsePoolAmount(ct, data)
	case event.CommandTypePoolClaim:
		cmd, err = p.parsePoolClaim(data)
	case event.CommandTypeRedeem:
		cmd, err = p.parseRedeem(data)
	case event.CommandTypeRefreshPrice:
		cmd, err = p.parseRefreshPrice(data)
	case event.CommandTypeClearSafeMode:
		cmd, err = p.parseClearSafeMode(data)
	case event.CommandTypeTreasuryWithdraw:
		cmd, err = p.parseTreasuryWithdraw(data)
	case event.CommandTypeUpdateParams:
		// parameter sets travel in their canonical base-unit encoding
		cmd, err = event.Decode(ct, data)
	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrMalformed, int32(ct))
	}
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, ct, err)
	}
	if cmd.IdempotencyKey() == "" {
		return nil, fmt.Errorf("%w: %s: missing request_id", ErrMalformed, ct)
	}
	return cmd, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Timestamp int64  `json:"timestamp"`
}

func (h headerJSON) header() event.Header {
	return event.Header{RequestID: h.RequestID, Caller: protocol.Address(h.Caller), Timestamp: h.Timestamp}
}

type openVaultJSON struct {
	headerJSON
	Kind       protocol.CollateralKind `json:"kind"`
	Collateral decimal.Decimal         `json:"collateral"`
	Debt       decimal.Decimal         `json:"debt"`
	RateBps    uint32                  `json:"rate_bps"`
}

func (p *Parser) parseOpenVault(data []byte) (*event.OpenVault, error) {
	var j openVaultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	coll, err := p.amount("collateral", j.Collateral, p.units.CollateralDecimals)
	if err != nil {
		return nil, err
	}
	debt, err := p.amount("debt", j.Debt, p.units.DebtDecimals)
	if err != nil {
		return nil, err
	}
	return &event.OpenVault{Header: j.header(), Kind: j.Kind, Collateral: coll, Debt: debt, RateBps: j.RateBps}, nil
}

type adjustVaultJSON struct {
	headerJSON
	Kind          protocol.CollateralKind `json:"kind"`
	VaultID       uint64                  `json:"vault_id"`
	CollateralIn  *decimal.Decimal        `json:"collateral_in"`
	CollateralOut *decimal.Decimal        `json:"collateral_out"`
	DebtIncrease  *decimal.Decimal        `json:"debt_increase"`
	DebtRepay     *decimal.Decimal        `json:"debt_repay"`
}

func (p *Parser) parseAdjustVault(data []byte) (*event.AdjustVault, error) {
	var j adjustVaultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	var (
		adj vault.Adjustment
		err error
	)
	if adj.CollateralIn, err = p.optional("collateral_in", j.CollateralIn, p.units.CollateralDecimals); err != nil {
		return nil, err
	}
	if adj.CollateralOut, err = p.optional("collateral_out", j.CollateralOut, p.units.CollateralDecimals); err != nil {
		return nil, err
	}
	if adj.DebtIncrease, err = p.optional("debt_increase", j.DebtIncrease, p.units.DebtDecimals); err != nil {
		return nil, err
	}
	if adj.DebtRepay, err = p.optional("debt_repay", j.DebtRepay, p.units.DebtDecimals); err != nil {
		return nil, err
	}
	return &event.AdjustVault{Header: j.header(), Kind: j.Kind, VaultID: j.VaultID, Adjustment: adj}, nil
}

type vaultRefJSON struct {
	headerJSON
	Kind    protocol.CollateralKind `json:"kind"`
	VaultID uint64                  `json:"vault_id"`
	RateBps uint32                  `json:"rate_bps"`
}

func (p *Parser) parseCloseVault(data []byte) (*event.CloseVault, error) {
	var j vaultRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.CloseVault{Header: j.header(), Kind: j.Kind, VaultID: j.VaultID}, nil
}

func (p *Parser) parseAdjustInterestRate(data []byte) (*event.AdjustInterestRate, error) {
	var j vaultRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.AdjustInterestRate{Header: j.header(), Kind: j.Kind, VaultID: j.VaultID, RateBps: j.RateBps}, nil
}

func (p *Parser) parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j vaultRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.Liquidate{Header: j.header(), Kind: j.Kind, VaultID: j.VaultID}, nil
}

type liquidateBatchJSON struct {
	headerJSON
	Kind     protocol.CollateralKind `json:"kind"`
	VaultIDs []uint64                `json:"vault_ids"`
	MaxCount int                     `json:"max_count"`
}

func (p *Parser) parseLiquidateBatch(data []byte) (*event.LiquidateBatch, error) {
	var j liquidateBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	if len(j.VaultIDs) == 0 {
		return nil, errors.New("vault_ids is empty")
	}
	if j.MaxCount < 0 {
		return nil, fmt.Errorf("max_count %d is negative", j.MaxCount)
	}
	return &event.LiquidateBatch{Header: j.header(), Kind: j.Kind, VaultIDs: j.VaultIDs, MaxCount: j.MaxCount}, nil
}

type amountJSON struct {
	headerJSON
	Amount decimal.Decimal `json:"amount"`
}

func (p *Parser) parsePoolAmount(ct event.CommandType, data []byte) (event.Command, error) {
	var j amountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	amount, err := p.amount("amount", j.Amount, p.units.DebtDecimals)
	if err != nil {
		return nil, err
	}
	if ct == event.CommandTypePoolWithdraw {
		return &event.PoolWithdraw{Header: j.header(), Amount: amount}, nil
	}
	return &event.PoolDeposit{Header: j.header(), Amount: amount}, nil
}

func (p *Parser) parsePoolClaim(data []byte) (*event.PoolClaim, error) {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.PoolClaim{Header: j.header()}, nil
}

type redeemJSON struct {
	headerJSON
	Kind             protocol.CollateralKind `json:"kind"`
	Amount           decimal.Decimal         `json:"amount"`
	MaxFeeBps        uint64                  `json:"max_fee_bps"`
	MaxIterations    int                     `json:"max_iterations"`
	MinCollateralOut *decimal.Decimal        `json:"min_collateral_out"`
}

func (p *Parser) parseRedeem(data []byte) (*event.Redeem, error) {
	var j redeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	amount, err := p.amount("amount", j.Amount, p.units.DebtDecimals)
	if err != nil {
		return nil, err
	}
	minOut, err := p.optional("min_collateral_out", j.MinCollateralOut, p.units.CollateralDecimals)
	if err != nil {
		return nil, err
	}
	if j.MaxIterations < 0 {
		return nil, fmt.Errorf("max_iterations %d is negative", j.MaxIterations)
	}
	return &event.Redeem{
		Header:           j.header(),
		Kind:             j.Kind,
		Amount:           amount,
		MaxFeeBps:        j.MaxFeeBps,
		MaxIterations:    j.MaxIterations,
		MinCollateralOut: minOut,
	}, nil
}

type kindJSON struct {
	headerJSON
	Kind protocol.CollateralKind `json:"kind"`
}

func (p *Parser) parseRefreshPrice(data []byte) (*event.RefreshPrice, error) {
	var j kindJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.RefreshPrice{Header: j.header(), Kind: j.Kind}, nil
}

func (p *Parser) parseClearSafeMode(data []byte) (*event.ClearSafeMode, error) {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.ClearSafeMode{Header: j.header()}, nil
}

type treasuryWithdrawJSON struct {
	headerJSON
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
}

func (p *Parser) parseTreasuryWithdraw(data []byte) (*event.TreasuryWithdraw, error) {
	var j treasuryWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	asset := protocol.Asset(j.Asset)
	decimals := p.units.CollateralDecimals
	if asset == protocol.AssetStable {
		decimals = p.units.DebtDecimals
	}
	amount, err := p.amount("amount", j.Amount, decimals)
	if err != nil {
		return nil, err
	}
	if j.Recipient == "" {
		return nil, errors.New("recipient is empty")
	}
	return &event.TreasuryWithdraw{
		Header:    j.header(),
		Asset:     asset,
		Amount:    amount,
		Recipient: protocol.Address(j.Recipient),
	}, nil
}

// amount scales a whole-unit decimal to base units.
func (p *Parser) amount(field string, d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%s %s is negative", field, d)
	}
	if !d.Shift(int32(decimals)).IsInteger() {
		return nil, fmt.Errorf("%s %s has more than %d decimals", field, d, decimals)
	}
	v, err := feed.ToFixed(d, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (p *Parser) optional(field string, d *decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d == nil {
		return nil, nil
	}
	return p.amount(field, *d, decimals)
}
