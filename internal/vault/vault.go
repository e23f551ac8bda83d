// Package vault generates per-order deposit keypairs and keeps their private
// keys sealed under a key-encryption key. Plaintext key material only exists
// inside CreateDepositKeypair and DecryptForPayout.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/models"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const handleVersion = "v1"

// AuditRecorder persists key access records. DecryptForPayout refuses to
// release a key it could not record.
type AuditRecorder interface {
	RecordKeyAccess(ctx context.Context, access *models.KeyAccess) error
}

type Config struct {
	// KEK is the hex encoded 32 byte key-encryption key.
	KEK   string
	KeyID string
	// Rand defaults to crypto/rand.Reader.
	Rand   io.Reader
	Audit  AuditRecorder
	Logger *zap.Logger
}

type Vault struct {
	kek    []byte
	keyID  string
	rand   io.Reader
	audit  AuditRecorder
	logger *zap.Logger
}

func New(cfg Config) (*Vault, error) {
	kek, err := hex.DecodeString(strings.TrimSpace(cfg.KEK))
	if err != nil || len(kek) != chacha20poly1305.KeySize {
		return nil, apperr.Integrity("key-encryption key unavailable", errors.New("vault kek must be 32 bytes hex encoded"))
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		keyID = "default"
	}
	if strings.Contains(keyID, ":") {
		return nil, fmt.Errorf("vault key id %q must not contain ':'", keyID)
	}
	v := &Vault{
		kek:    kek,
		keyID:  keyID,
		rand:   cfg.Rand,
		audit:  cfg.Audit,
		logger: cfg.Logger,
	}
	if v.rand == nil {
		v.rand = rand.Reader
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v, nil
}

// KeyID names the KEK new handles are sealed under.
func (v *Vault) KeyID() string { return v.keyID }

// CreateDepositKeypair returns a fresh address for cur and the sealed handle
// of its private key. An entropy failure is fatal; there is no fallback.
func (v *Vault) CreateDepositKeypair(ctx context.Context, cur currency.Currency) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	priv, err := v.newPrivateKey()
	if err != nil {
		return "", "", err
	}
	defer priv.Zero()

	address, err := deriveAddress(cur, priv.PubKey())
	if err != nil {
		return "", "", apperr.Integrity("address derivation failed", err)
	}

	raw := priv.Serialize()
	defer clear(raw)
	handle, err := v.seal(raw, address)
	if err != nil {
		return "", "", err
	}
	return address, handle, nil
}

func (v *Vault) newPrivateKey() (*btcec.PrivateKey, error) {
	var buf [32]byte
	defer clear(buf[:])
	// A zero or out-of-range scalar is vanishingly unlikely; draw again rather
	// than accept a reduced key.
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(v.rand, buf[:]); err != nil {
			return nil, apperr.Integrity("entropy source failure", err)
		}
		var s btcec.ModNScalar
		overflow := s.SetBytes(&buf)
		if overflow != 0 || s.IsZero() {
			continue
		}
		priv, _ := btcec.PrivKeyFromBytes(buf[:])
		s.Zero()
		return priv, nil
	}
	return nil, apperr.Integrity("entropy source failure", errors.New("no valid scalar drawn"))
}

func deriveAddress(cur currency.Currency, pub *btcec.PublicKey) (string, error) {
	switch cur.Family {
	case currency.FamilyEVM:
		return chain.EVMAddress(pub), nil
	case currency.FamilyCosmos:
		return chain.Bech32Address(cur.Bech32Prefix, pub)
	}
	return "", fmt.Errorf("unsupported chain family %q", cur.Family)
}

func (v *Vault) aead() (cipher.AEAD, error) {
	return chacha20poly1305.NewX(v.kek)
}

func additionalData(keyID, address string) []byte {
	return []byte(keyID + ":" + address)
}

// seal produces v1:<kid>:<base64(nonce||ciphertext)>. The address is bound as
// additional data so a handle cannot be replayed for another order.
func (v *Vault) seal(plaintext []byte, address string) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", apperr.Integrity("key-encryption key unavailable", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", apperr.Integrity("entropy source failure", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, additionalData(v.keyID, address))
	return handleVersion + ":" + v.keyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(handle, address string) ([]byte, error) {
	parts := strings.SplitN(handle, ":", 3)
	if len(parts) != 3 || parts[0] != handleVersion {
		return nil, apperr.Integrity("key handle is malformed", errors.New("unknown handle format"))
	}
	if parts[1] != v.keyID {
		return nil, apperr.Integrity("key-encryption key unavailable", fmt.Errorf("handle sealed under key %q", parts[1]))
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, apperr.Integrity("key handle is malformed", err)
	}
	aead, err := v.aead()
	if err != nil {
		return nil, apperr.Integrity("key-encryption key unavailable", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, apperr.Integrity("key handle is malformed", errors.New("sealed payload too short"))
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, additionalData(parts[1], address))
	if err != nil {
		return nil, apperr.Integrity("key decryption failed", err)
	}
	return plain, nil
}

// PayoutRequest identifies who is taking a key out of the vault and why.
type PayoutRequest struct {
	Actor   string
	Purpose string
	OrderID string
	Address string
	Handle  string
}

// DecryptForPayout returns the raw 32 byte private key. The caller owns the
// slice and must clear it when done. Every call is audited before the key is
// released.
func (v *Vault) DecryptForPayout(ctx context.Context, req PayoutRequest) ([]byte, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation("actor is required")
	}
	if req.OrderID == "" || req.Address == "" || req.Handle == "" {
		return nil, apperr.Validation("order id, address and key handle are required")
	}
	if req.Purpose == "" {
		req.Purpose = "payout"
	}
	if v.audit == nil {
		return nil, apperr.Integrity("key access audit unavailable", errors.New("no audit recorder configured"))
	}

	plain, err := v.open(req.Handle, req.Address)
	if err != nil {
		v.logger.Warn("private key release refused",
			zap.String("actor", req.Actor),
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		return nil, err
	}
	access := &models.KeyAccess{OrderID: req.OrderID, Actor: req.Actor, Purpose: req.Purpose}
	if err := v.audit.RecordKeyAccess(ctx, access); err != nil {
		clear(plain)
		return nil, apperr.Integrity("key access audit failed", err)
	}
	v.logger.Warn("private key released",
		zap.String("actor", req.Actor),
		zap.String("order_id", req.OrderID),
		zap.String("purpose", req.Purpose),
	)
	return plain, nil
}

// IsValidAddress reports whether address is well formed for cur's chain
// family. It performs no I/O and rejects anything it cannot verify.
func IsValidAddress(address string, cur currency.Currency) bool {
	switch cur.Family {
	case currency.FamilyEVM:
		return chain.IsValidEVMAddress(address)
	case currency.FamilyCosmos:
		return chain.IsValidBech32Address(address, cur.Bech32Prefix)
	}
	return false
}

