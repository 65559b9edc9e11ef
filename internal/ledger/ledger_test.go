package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	tokenHex    = "0x1111111111111111111111111111111111111111"
	treasuryHex = "0x2222222222222222222222222222222222222222"
	senderHex   = "0x3333333333333333333333333333333333333333"
)

type fakeChain struct {
	latest     uint64
	balance    *big.Int
	logs       []types.Log
	filterErr  error
	queries    []ethereum.FilterQuery
	headerHits int
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	switch {
	case bytes.Equal(msg.Data[:4], erc20ABI.Methods["decimals"].ID):
		return erc20ABI.Methods["decimals"].Outputs.Pack(uint8(6))
	case bytes.Equal(msg.Data[:4], erc20ABI.Methods["balanceOf"].ID):
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(f.balance)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.headerHits++
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()*12}, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.latest, nil }

func transferLog(tx string, block uint64, amount int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(tokenHex),
		Topics: []common.Hash{
			erc20ABI.Events["Transfer"].ID,
			common.BytesToHash(common.HexToAddress(senderHex).Bytes()),
			common.BytesToHash(common.HexToAddress(treasuryHex).Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		TxHash:      common.HexToHash(tx),
		BlockNumber: block,
	}
}

func newTestReader(chain *fakeChain, lookback, chunk uint64) *Reader {
	r := NewReader(Options{
		TokenAddress:    tokenHex,
		TreasuryAddress: treasuryHex,
		LookbackBlocks:  lookback,
		ChunkBlocks:     chunk,
	}, zerolog.Nop())
	r.client = chain
	return r
}

func TestBalanceScalesByDecimals(t *testing.T) {
	r := newTestReader(&fakeChain{balance: big.NewInt(12_345_678)}, 0, 0)
	got, err := r.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("12.345678")) {
		t.Fatalf("balance = %s", got)
	}
}

func TestIncomingTransfersChunksAndMerges(t *testing.T) {
	chain := &fakeChain{
		latest: 1000,
		logs: []types.Log{
			transferLog("0x01", 905, 1_000_000),
			transferLog("0x02", 950, 2_500_000),
			transferLog("0x02", 950, 500_000),
			transferLog("0x03", 999, 7_000_000),
			transferLog("0x04", 10, 9_000_000),
		},
	}
	r := newTestReader(chain, 100, 40)

	got, err := r.IncomingTransfers(context.Background())
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("transfers = %d, want 3: %+v", len(got), got)
	}
	if !got[1].AmountTokens.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("merged amount = %s, want 3", got[1].AmountTokens)
	}
	if got[0].Signature != common.HexToHash("0x01").Hex() {
		t.Fatalf("first signature = %s", got[0].Signature)
	}
	if got[0].FromAddress != common.HexToAddress(senderHex).Hex() {
		t.Fatalf("from = %s", got[0].FromAddress)
	}
	if len(chain.queries) != 3 {
		t.Fatalf("filter queries = %d, want 3", len(chain.queries))
	}
	if chain.queries[0].FromBlock.Uint64() != 900 || chain.queries[2].ToBlock.Uint64() != 1000 {
		t.Fatalf("unexpected ranges: %+v", chain.queries)
	}
	if chain.headerHits != 3 {
		t.Fatalf("header lookups = %d, want 3", chain.headerHits)
	}
}

func TestIncomingTransfersPropagatesErrors(t *testing.T) {
	r := newTestReader(&fakeChain{latest: 10, filterErr: errors.New("rpc down")}, 0, 0)
	if _, err := r.IncomingTransfers(context.Background()); err == nil {
		t.Fatal("filter failure must surface as an error")
	}
}

func TestReaderRequiresConfig(t *testing.T) {
	r := NewReader(Options{}, zerolog.Nop())
	if _, err := r.Balance(context.Background()); err == nil {
		t.Fatal("missing addresses should fail")
	}
	r = NewReader(Options{TokenAddress: tokenHex, TreasuryAddress: treasuryHex}, zerolog.Nop())
	if _, err := r.Balance(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}
}
