package chain

import (
	"math/big"
	"strings"
)

type coinTransfer struct {
	Recipient string
	Amount    string
	Sender    string
}

// extractTransfers reads bank "transfer" events. coin_received is skipped
// because it mirrors the same movement and would double count.
func extractTransfers(events []Event, denom string) []coinTransfer {
	var out []coinTransfer
	for _, ev := range events {
		if ev.Type != "transfer" {
			continue
		}
		var amt, rec, snd string
		for _, attr := range ev.Attributes {
			switch attr.Key {
			case "amount":
				amt = attr.Value
			case "recipient":
				rec = attr.Value
			case "sender":
				snd = attr.Value
			}
		}
		if rec == "" {
			continue
		}
		if parsed, ok := parseAmountForDenom(amt, denom); ok {
			out = append(out, coinTransfer{Recipient: rec, Amount: parsed, Sender: snd})
		}
	}
	return out
}

// transferInto sums every transfer of denom to addr inside tx.
func transferInto(tx Tx, addr, denom string) (Transfer, bool) {
	total := new(big.Int)
	var sender string
	for _, t := range extractTransfers(tx.Events, denom) {
		if t.Recipient != addr {
			continue
		}
		v, ok := new(big.Int).SetString(t.Amount, 10)
		if !ok {
			continue
		}
		total.Add(total, v)
		if sender == "" {
			sender = t.Sender
		}
	}
	if total.Sign() <= 0 {
		return Transfer{}, false
	}
	return Transfer{
		TxHash:    strings.ToUpper(tx.Hash),
		From:      sender,
		To:        addr,
		Amount:    total,
		Height:    tx.Height,
		BlockTime: tx.Timestamp,
	}, true
}

func parseAmountForDenom(amount string, denom string) (string, bool) {
	for _, coin := range strings.Split(amount, ",") {
		coin = strings.TrimSpace(coin)
		if coin == "" {
			continue
		}
		idx := firstNonDigit(coin)
		if idx <= 0 {
			continue
		}
		amt := coin[:idx]
		den := coin[idx:]
		if den == denom {
			return amt, true
		}
	}
	return "", false
}

func firstNonDigit(s string) int {
	for i, r := range s {
		if r < '0' || r > '9' {
			return i
		}
	}
	return -1
}
