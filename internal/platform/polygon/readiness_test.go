package polygon

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type fakeChain struct {
	code      []byte
	balance   *big.Int
	allowance *big.Int
	approved  bool
	err       error
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	sel := call.Data[:4]
	for name, m := range parsedABI.Methods {
		if !bytes.Equal(sel, m.ID) {
			continue
		}
		switch name {
		case "balanceOf":
			return m.Outputs.Pack(f.balance)
		case "allowance":
			return m.Outputs.Pack(f.allowance)
		case "isApprovedForAll":
			return m.Outputs.Pack(f.approved)
		}
	}
	return nil, errors.New("unknown selector")
}

var testAddrs = Addresses{
	Wallet:   common.HexToAddress("0x1"),
	USDC:     common.HexToAddress("0x2"),
	CTF:      common.HexToAddress("0x3"),
	Exchange: common.HexToAddress("0x4"),
}

func TestCheckReady(t *testing.T) {
	chain := &fakeChain{
		code:      []byte{0x60},
		balance:   big.NewInt(250_000_000),
		allowance: new(big.Int).Lsh(big.NewInt(1), 255),
		approved:  true,
	}
	r, err := NewChecker(chain, testAddrs, decimal.NewFromInt(100)).Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !r.Ready() || r.Err() != nil {
		t.Fatalf("problems = %v", r.Problems)
	}
	if !r.Balance.Equal(decimal.NewFromInt(250)) || !r.Contract {
		t.Fatalf("report = %+v", r)
	}
}

func TestCheckReportsEveryProblem(t *testing.T) {
	chain := &fakeChain{
		balance:   big.NewInt(5_000_000),
		allowance: big.NewInt(0),
	}
	r, err := NewChecker(chain, testAddrs, decimal.NewFromInt(10)).Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Problems) != 3 {
		t.Fatalf("problems = %v", r.Problems)
	}
	if !strings.Contains(r.Err().Error(), "below minimum 10") {
		t.Fatalf("err = %v", r.Err())
	}
}

func TestCheckRPCError(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc down")}
	if _, err := NewChecker(chain, testAddrs, decimal.Zero).Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
