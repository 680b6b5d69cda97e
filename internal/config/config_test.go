package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsMatchLaunchParams(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  admins: [\"ops\"]\n"))
	require.NoError(t, err)

	p, err := cfg.Protocol.Params()
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultParams(), p)

	assert.Equal(t, ModePaper, cfg.App.Mode)
	assert.Equal(t, []protocol.Address{"ops"}, cfg.Admins())
	assert.Equal(t, 30*time.Second, cfg.Oracle.RefreshInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Core.PersistFlushTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Core.MaxClockSkew)
	assert.Equal(t, "cdp.commands.>", cfg.NATS.CommandSubject)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
protocol:
  version: 3
  mcr_bps: 12000
  ccr_bps: 16000
  min_debt: "2000"
  gas_compensation: 0.5
  rounding:
    inbound: ceil
    outbound: half_even
  oracle:
    max_price_age: 10m
tokens:
  native:
    balances:
      alice: "12.5"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	p, err := cfg.Protocol.Params()
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Version)
	assert.EqualValues(t, 12_000, p.MCRBps)
	assert.Equal(t, new(uint256.Int).Mul(uint256.NewInt(2000), fpmath.Pow10(18)), p.MinDebt)
	assert.Equal(t, uint256.NewInt(500_000_000_000_000_000), p.GasCompensation)
	assert.EqualValues(t, 600, p.Oracle.MaxPriceAgeSeconds)
	assert.Equal(t, fpmath.RoundUp, p.Rounding.Inbound)
	assert.Equal(t, fpmath.RoundHalfEven, p.Rounding.Outbound)

	alice := cfg.Tokens["native"].Balances["alice"]
	assert.Equal(t, "12.5", alice.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \":8000\"\n")
	t.Setenv("CDP_SERVER_HTTP_ADDR", ":7000")
	t.Setenv("CDP_PROTOCOL_MCR_BPS", "13000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.EqualValues(t, 13_000, cfg.Protocol.MCRBps)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown mode", "app:\n  mode: live\n"},
		{"ccr below mcr", "protocol:\n  ccr_bps: 10500\n"},
		{"bad rounding", "protocol:\n  rounding:\n    inbound: sideways\n"},
		{"negative amount", "protocol:\n  min_debt: \"-1\"\n"},
		{"unknown token asset", "tokens:\n  gold:\n    balances:\n      alice: 1\n"},
		{"zero clock skew", "core:\n  max_clock_skew: 0s\n"},
		{"vault without endpoint pair", "oracle:\n  evm_endpoint: http://localhost:8545\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestParamsErrorsWrapInvalidParams(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	pc := cfg.Protocol
	pc.Redemption.MaxFeeBps = 5_000
	_, err = pc.Params()
	require.ErrorIs(t, err, protocol.ErrInvalidParams)
}
