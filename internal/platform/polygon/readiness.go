// Package polygon checks that the funded wallet can trade on chain: it holds
// enough USDC and has granted the exchange the allowance and CTF approval it
// needs. It only reads state and never sends transactions.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// MinAllowance is one USDC in base units.
var MinAllowance = big.NewInt(1_000_000)

const tokenABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"isApprovedForAll","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var parsedABI = mustParseABI(tokenABI)

func mustParseABI(raw string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return a
}

// Addresses are the contracts and wallet the checks read.
type Addresses struct {
	Wallet   common.Address
	USDC     common.Address
	CTF      common.Address
	Exchange common.Address
}

// Report is the outcome of a readiness check.
type Report struct {
	Balance   decimal.Decimal
	Allowance decimal.Decimal
	Approved  bool
	Contract  bool // wallet has code (a Safe proxy)
	Problems  []string
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return len(r.Problems) == 0 }

// Err joins the problems into one error, or returns nil.
func (r Report) Err() error {
	if r.Ready() {
		return nil
	}
	errs := make([]error, len(r.Problems))
	for i, p := range r.Problems {
		errs[i] = errors.New(p)
	}
	return fmt.Errorf("polygon: wallet not ready: %w", errors.Join(errs...))
}

// Checker runs readiness checks against a chain backend.
type Checker struct {
	caller     ethereum.ContractCaller
	addrs      Addresses
	minBalance *big.Int
}

// NewChecker creates a Checker. minUSDC is in whole USDC.
func NewChecker(caller ethereum.ContractCaller, addrs Addresses, minUSDC decimal.Decimal) *Checker {
	return &Checker{
		caller:     caller,
		addrs:      addrs,
		minBalance: minUSDC.Shift(6).BigInt(),
	}
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial rpc: %w", err)
	}
	return c, nil
}

// Check reads balance, allowance and approval. RPC failures are returned as
// errors; failed checks are listed in the report.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	var r Report

	code, err := c.caller.CodeAt(ctx, c.addrs.Wallet, nil)
	if err != nil {
		return r, fmt.Errorf("polygon: wallet code: %w", err)
	}
	r.Contract = len(code) > 0

	balance, err := c.callUint(ctx, c.addrs.USDC, "balanceOf", c.addrs.Wallet)
	if err != nil {
		return r, err
	}
	r.Balance = usdc(balance)
	if balance.Cmp(c.minBalance) < 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("usdc balance %s below minimum %s", r.Balance, usdc(c.minBalance)))
	}

	allowance, err := c.callUint(ctx, c.addrs.USDC, "allowance", c.addrs.Wallet, c.addrs.Exchange)
	if err != nil {
		return r, err
	}
	r.Allowance = usdc(allowance)
	if allowance.Cmp(MinAllowance) < 0 {
		r.Problems = append(r.Problems, "usdc allowance to exchange missing")
	}

	out, err := c.call(ctx, c.addrs.CTF, "isApprovedForAll", c.addrs.Wallet, c.addrs.Exchange)
	if err != nil {
		return r, err
	}
	approved, ok := out[0].(bool)
	if !ok {
		return r, fmt.Errorf("polygon: isApprovedForAll: unexpected output %T", out[0])
	}
	r.Approved = approved
	if !approved {
		r.Problems = append(r.Problems, "ctf approval for exchange missing")
	}

	return r, nil
}

func (c *Checker) callUint(ctx context.Context, to common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("polygon: %s: unexpected output %T", method, out[0])
	}
	return v, nil
}

func (c *Checker) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("polygon: pack %s: %w", method, err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("polygon: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("polygon: %s: empty output", method)
	}
	return out, nil
}

func usdc(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -6)
}
