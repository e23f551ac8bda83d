package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// EVMAddress derives the EIP-55 checksummed address of pub.
func EVMAddress(pub *btcec.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return ChecksumEVMAddress("0x" + hex.EncodeToString(sum[12:]))
}

// ChecksumEVMAddress applies EIP-55 mixed-case encoding. The input must be a
// 0x-prefixed 40 hex digit string.
func ChecksumEVMAddress(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(lower))
	hash := h.Sum(nil)

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// IsValidEVMAddress accepts all-lower or all-upper hex, and mixed case only
// when it matches the EIP-55 checksum.
func IsValidEVMAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	body := addr[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return false
	}
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return ChecksumEVMAddress(addr) == addr
}

// Bech32Address derives a cosmos-style account address (ripemd160(sha256(pk)))
// from the compressed public key.
func Bech32Address(prefix string, pub *btcec.PublicKey) (string, error) {
	compressed := pub.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	addr := rip.Sum(nil)

	converted, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, converted)
}

func IsValidBech32Address(addr, prefix string) bool {
	if prefix == "" {
		return false
	}
	hrp, data, err := bech32.Decode(addr)
	if err != nil || hrp != prefix {
		return false
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return false
	}
	return len(raw) == 20
}
