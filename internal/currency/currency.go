package currency

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"EPaymentGateway/internal/apperr"

	"github.com/shopspring/decimal"
)

type Family string

const (
	FamilyEVM    Family = "evm"
	FamilyCosmos Family = "cosmos"
)

// Currency binds a ticker symbol to the chain that carries it and the
// precision of its smallest on-chain unit.
type Currency struct {
	Symbol        string
	Chain         string
	Family        Family
	Decimals      int
	Confirmations int
	Bech32Prefix  string
	Denom         string
	// Dust is the smallest deposit, in base units, that counts toward an order.
	Dust *big.Int
}

type Registry struct {
	bySymbol map[string]Currency
}

func NewRegistry(list []Currency) (*Registry, error) {
	r := &Registry{bySymbol: make(map[string]Currency, len(list))}
	for _, c := range list {
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if c.Symbol == "" {
			return nil, fmt.Errorf("currency symbol is empty")
		}
		if _, dup := r.bySymbol[c.Symbol]; dup {
			return nil, fmt.Errorf("currency %s configured twice", c.Symbol)
		}
		if c.Family != FamilyEVM && c.Family != FamilyCosmos {
			return nil, fmt.Errorf("currency %s: unknown chain family %q", c.Symbol, c.Family)
		}
		if c.Decimals < 0 || c.Decimals > 36 {
			return nil, fmt.Errorf("currency %s: invalid decimals %d", c.Symbol, c.Decimals)
		}
		if c.Confirmations < 1 {
			c.Confirmations = 1
		}
		if c.Family == FamilyCosmos && (c.Bech32Prefix == "" || c.Denom == "") {
			return nil, fmt.Errorf("currency %s: cosmos family needs bech32 prefix and denom", c.Symbol)
		}
		if c.Dust == nil {
			c.Dust = new(big.Int)
		}
		r.bySymbol[c.Symbol] = c
	}
	return r, nil
}

// Lookup fails with a validation error for unknown symbols.
func (r *Registry) Lookup(symbol string) (Currency, error) {
	c, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Currency{}, apperr.Validation(fmt.Sprintf("unsupported currency: %s (supported: %s)", symbol, strings.Join(r.Symbols(), ", ")))
	}
	return c, nil
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ForChain lists the currencies settled on the named chain.
func (r *Registry) ForChain(chain string) []Currency {
	var out []Currency
	for _, c := range r.bySymbol {
		if c.Chain == chain {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ToBase parses a plain decimal string ("1.5") into base units. Values with
// more fractional digits than the currency carries are rejected, not rounded.
func (c Currency) ToBase(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if !plainDecimal(amount) {
		return nil, apperr.Validation("invalid amount: must be a positive decimal number")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, apperr.Validation("invalid amount: must be a positive decimal number")
	}
	if d.Sign() <= 0 {
		return nil, apperr.Validation("invalid amount: must be a positive decimal number")
	}
	shifted := d.Shift(int32(c.Decimals))
	if !shifted.IsInteger() {
		return nil, apperr.Validation(fmt.Sprintf("invalid amount: %s supports at most %d decimal places", c.Symbol, c.Decimals))
	}
	return shifted.BigInt(), nil
}

// FromBase renders base units in the currency's display unit.
func (c Currency) FromBase(base *big.Int) string {
	if base == nil {
		return "0"
	}
	return decimal.NewFromBigInt(base, -int32(c.Decimals)).String()
}

// Normalize returns the canonical display form of a valid amount.
func (c Currency) Normalize(amount string) (string, error) {
	base, err := c.ToBase(amount)
	if err != nil {
		return "", err
	}
	return c.FromBase(base), nil
}

func plainDecimal(s string) bool {
	if s == "" || len(s) > 80 {
		return false
	}
	digits, dots := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

// ParseBase parses a base-unit integer string as stored by the ledger.
func ParseBase(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
