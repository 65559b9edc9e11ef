// Package ledger reads the treasury's ERC-20 balance and incoming transfers
// from an Ethereum JSON-RPC endpoint.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
	]`

	defaultTimeout        = 10 * time.Second
	defaultLookbackBlocks = 50_000
	defaultChunkBlocks    = 5_000
)

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Transfer is one incoming token transfer to the treasury. Transfers sharing
// a transaction are summed so Signature stays unique.
type Transfer struct {
	Signature    string          `json:"signature"`
	FromAddress  string          `json:"from_address"`
	AmountTokens decimal.Decimal `json:"amount_tokens"`
	Timestamp    time.Time       `json:"timestamp"`
	BlockNumber  uint64          `json:"block_number"`
}

// chainReader is the subset of *ethclient.Client used here.
type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the ledger reader.
type Options struct {
	RPCURL          string
	TokenAddress    string
	TreasuryAddress string
	Timeout         time.Duration
	LookbackBlocks  uint64
	ChunkBlocks     uint64
}

// Reader queries the token contract for the treasury account.
type Reader struct {
	opts   Options
	logger zerolog.Logger

	clientMux sync.Mutex
	client    chainReader

	decimalsMux sync.Mutex
	decimals    *int32
}

// NewReader builds a reader; the RPC connection is dialled on first use.
func NewReader(opts Options, logger zerolog.Logger) *Reader {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = defaultLookbackBlocks
	}
	if opts.ChunkBlocks == 0 {
		opts.ChunkBlocks = defaultChunkBlocks
	}
	return &Reader{opts: opts, logger: logger.With().Str("component", "ledger").Logger()}
}

// Balance returns the treasury's token balance scaled by decimals().
func (r *Reader) Balance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	client, token, treasury, err := r.prepare(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	scale, err := r.tokenDecimals(ctx, client, token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	payload, err := erc20ABI.Pack("balanceOf", treasury)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("pack balanceOf: %w", err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("call balanceOf: %w", err)
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected balanceOf response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}
	return decimal.NewFromBigInt(raw, -scale), nil
}

// IncomingTransfers lists Transfer events to the treasury within the
// configured lookback, oldest first.
func (r *Reader) IncomingTransfers(ctx context.Context) ([]Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	client, token, treasury, err := r.prepare(ctx)
	if err != nil {
		return nil, err
	}
	scale, err := r.tokenDecimals(ctx, client, token)
	if err != nil {
		return nil, err
	}

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	var from uint64
	if latest > r.opts.LookbackBlocks {
		from = latest - r.opts.LookbackBlocks
	}

	topics := [][]common.Hash{
		{erc20ABI.Events["Transfer"].ID},
		nil,
		{common.BytesToHash(treasury.Bytes())},
	}

	byTx := make(map[common.Hash]*Transfer)
	blockTimes := make(map[uint64]time.Time)
	for start := from; start <= latest; start += r.opts.ChunkBlocks {
		end := start + r.opts.ChunkBlocks - 1
		if end > latest {
			end = latest
		}
		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{token},
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("filter transfer logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) < 3 {
				continue
			}
			value, err := decodeValue(lg.Data)
			if err != nil {
				return nil, err
			}
			amount := decimal.NewFromBigInt(value, -scale)

			if existing, ok := byTx[lg.TxHash]; ok {
				existing.AmountTokens = existing.AmountTokens.Add(amount)
				continue
			}
			ts, ok := blockTimes[lg.BlockNumber]
			if !ok {
				header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
				if err != nil {
					return nil, fmt.Errorf("get block %d header: %w", lg.BlockNumber, err)
				}
				ts = time.Unix(int64(header.Time), 0).UTC()
				blockTimes[lg.BlockNumber] = ts
			}
			byTx[lg.TxHash] = &Transfer{
				Signature:    lg.TxHash.Hex(),
				FromAddress:  common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
				AmountTokens: amount,
				Timestamp:    ts,
				BlockNumber:  lg.BlockNumber,
			}
		}
		if end == latest {
			break
		}
	}

	out := make([]Transfer, 0, len(byTx))
	for _, t := range byTx {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Signature < out[j].Signature
	})
	r.logger.Debug().Int("transfers", len(out)).Uint64("from_block", from).Uint64("to_block", latest).Msg("fetched incoming transfers")
	return out, nil
}

func (r *Reader) prepare(ctx context.Context) (chainReader, common.Address, common.Address, error) {
	if r.opts.TokenAddress == "" {
		return nil, common.Address{}, common.Address{}, errors.New("token contract address not configured")
	}
	if r.opts.TreasuryAddress == "" {
		return nil, common.Address{}, common.Address{}, errors.New("treasury address not configured")
	}
	if !common.IsHexAddress(r.opts.TokenAddress) || !common.IsHexAddress(r.opts.TreasuryAddress) {
		return nil, common.Address{}, common.Address{}, errors.New("invalid token or treasury address")
	}
	client, err := r.getClient(ctx)
	if err != nil {
		return nil, common.Address{}, common.Address{}, err
	}
	return client, common.HexToAddress(r.opts.TokenAddress), common.HexToAddress(r.opts.TreasuryAddress), nil
}

func (r *Reader) tokenDecimals(ctx context.Context, client chainReader, token common.Address) (int32, error) {
	r.decimalsMux.Lock()
	defer r.decimalsMux.Unlock()
	if r.decimals != nil {
		return *r.decimals, nil
	}

	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	scale := int32(d)
	r.decimals = &scale
	return scale, nil
}

func decodeValue(data []byte) (*big.Int, error) {
	outputs, err := erc20ABI.Unpack("Transfer", data)
	if err != nil {
		return nil, fmt.Errorf("unpack transfer value: %w", err)
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected transfer payload")
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode transfer value")
	}
	return value, nil
}

func (r *Reader) getClient(ctx context.Context) (chainReader, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	r.client = client
	return client, nil
}

// Close releases the RPC connection if one was dialled.
func (r *Reader) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	if c, ok := r.client.(*ethclient.Client); ok {
		c.Close()
	}
	r.client = nil
}
