package query

import (
	"context"
	"fmt"

	"CDPLedger/internal/feed"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BalanceResponse is a custody account as projected from the journal.
// Net is debits minus credits: positive for system accounts holding funds,
// negative for the external side.
type BalanceResponse struct {
	AccountPath  string          `json:"account_path"`
	Asset        string          `json:"asset"`
	Debits       decimal.Decimal `json:"debits"`
	Credits      decimal.Decimal `json:"credits"`
	Net          decimal.Decimal `json:"net"`
	LastSequence uint64          `json:"last_sequence"`
	AsOfSequence uint64          `json:"as_of_sequence"`
}

// GetBalances returns every projected account, optionally limited to one
// asset.
func (qs *QueryService) GetBalances(ctx context.Context, asset string) ([]BalanceResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT account_path, asset, debits::text, credits::text, last_sequence
		FROM projections.balances
	`
	var args []interface{}
	if asset != "" {
		query += " WHERE asset = $1"
		args = append(args, asset)
	}
	query += " ORDER BY account_path"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		var (
			b               BalanceResponse
			debits, credits string
			lastSeq         int64
		)
		if err := rows.Scan(&b.AccountPath, &b.Asset, &debits, &credits, &lastSeq); err != nil {
			return nil, err
		}
		dec := qs.decimalsOf(protocol.Asset(b.Asset))
		if b.Debits, err = scaled(debits, dec); err != nil {
			return nil, err
		}
		if b.Credits, err = scaled(credits, dec); err != nil {
			return nil, err
		}
		b.Net = b.Debits.Sub(b.Credits)
		b.LastSequence = uint64(lastSeq)
		b.AsOfSequence = asOf
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (qs *QueryService) decimalsOf(asset protocol.Asset) uint8 {
	if asset == protocol.AssetStable {
		return qs.units.DebtDecimals
	}
	return qs.units.CollateralDecimals
}

// scaled parses a NUMERIC amount in base units and shifts it to whole
// units.
func scaled(numeric string, decimals uint8) (decimal.Decimal, error) {
	v, err := uint256.FromDecimal(numeric)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", numeric, err)
	}
	return feed.FromFixed(v, decimals), nil
}
