package feed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"CDPLedger/internal/oracle"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// EVMClient is the subset of the Ethereum RPC the rate source needs.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVM connects to an Ethereum JSON-RPC endpoint.
func DialEVM(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

type ERC4626Options struct {
	Vault    string
	Decimals uint8
	Timeout  time.Duration
}

// ERC4626RateSource reads native_per_derivative from the derivative's
// ERC-4626 vault: assets for one whole share, stamped with the head block
// time.
type ERC4626RateSource struct {
	client EVMClient
	opts   ERC4626Options
	vault  common.Address
	logger zerolog.Logger

	mu   sync.Mutex
	last *oracle.Reading
}

func NewERC4626RateSource(client EVMClient, opts ERC4626Options, logger zerolog.Logger) (*ERC4626RateSource, error) {
	if !common.IsHexAddress(opts.Vault) {
		return nil, fmt.Errorf("erc4626: invalid vault address %q", opts.Vault)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &ERC4626RateSource{
		client: client,
		opts:   opts,
		vault:  common.HexToAddress(opts.Vault),
		logger: logger.With().Str("component", "erc4626_rate").Str("vault", opts.Vault).Logger(),
	}, nil
}

func (s *ERC4626RateSource) LatestRate(ctx context.Context) (oracle.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return s.fallback(fmt.Errorf("fetch head: %w", err))
	}

	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.opts.Decimals)), nil)
	payload, err := erc4626ABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return oracle.Reading{}, err
	}
	res, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.vault, Data: payload}, header.Number)
	if err != nil {
		return s.fallback(fmt.Errorf("convertToAssets: %w", err))
	}
	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return s.fallback(fmt.Errorf("decode convertToAssets: %w", err))
	}
	if len(outputs) != 1 {
		return s.fallback(errors.New("unexpected convertToAssets response"))
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return s.fallback(errors.New("convertToAssets output is not uint256"))
	}
	value, overflow := uint256.FromBig(assets)
	if overflow {
		return s.fallback(errors.New("convertToAssets overflows uint256"))
	}

	r := oracle.Reading{Value: value, Decimals: s.opts.Decimals, Timestamp: int64(header.Time)}
	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
	return cloneReading(r), nil
}

// fallback serves the last good reading with its original timestamp, so a
// flaky RPC surfaces as staleness instead of unavailability.
func (s *ERC4626RateSource) fallback(err error) (oracle.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return oracle.Reading{}, fmt.Errorf("%w: %v", oracle.ErrNoReading, err)
	}
	s.logger.Warn().Err(err).Int64("last_timestamp", s.last.Timestamp).Msg("rate read failed, serving last reading")
	return cloneReading(*s.last), nil
}

var _ oracle.RateSource = (*ERC4626RateSource)(nil)
