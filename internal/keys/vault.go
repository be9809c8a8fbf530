// Package keys keeps the per-deal signing keys sealed at rest. The buyer and
// seller keys of a deal are custodial: users confirm in the chat front-end and
// the platform signs on their behalf.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/models"
)

// WalletLookup resolves the stored wallet of a multisig address.
type WalletLookup interface {
	GetWalletByAddress(ctx context.Context, address string) (*models.MultisigWallet, error)
}

// DealKeys are hex-encoded secp256k1 private keys.
type DealKeys struct {
	Owner  string `json:"owner,omitempty"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

type Vault struct {
	aead    cipher.AEAD
	arbiter *ecdsa.PrivateKey
	wallets WalletLookup
}

// NewVault takes a 32-byte master key, raw or base64 encoded.
func NewVault(masterKey string, arbiter *ecdsa.PrivateKey, wallets WalletLookup) (*Vault, error) {
	keyBytes := []byte(masterKey)
	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(decoded) == 32 {
		keyBytes = decoded
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid master key length: must be 32 bytes for AES-256, got %d", len(keyBytes))
	}
	if arbiter == nil {
		return nil, fmt.Errorf("arbiter key is required")
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{aead: gcm, arbiter: arbiter, wallets: wallets}, nil
}

// Generate creates fresh buyer and seller keys and the multisig parameters for them.
func (v *Vault) Generate() (*DealKeys, chain.MultisigParams, error) {
	buyer, err := crypto.GenerateKey()
	if err != nil {
		return nil, chain.MultisigParams{}, fmt.Errorf("generate buyer key: %w", err)
	}
	seller, err := crypto.GenerateKey()
	if err != nil {
		return nil, chain.MultisigParams{}, fmt.Errorf("generate seller key: %w", err)
	}
	k := &DealKeys{
		Buyer:  hex.EncodeToString(crypto.FromECDSA(buyer)),
		Seller: hex.EncodeToString(crypto.FromECDSA(seller)),
	}
	return k, chain.MultisigParams{
		BuyerPub:   pubHex(&buyer.PublicKey),
		SellerPub:  pubHex(&seller.PublicKey),
		ArbiterPub: pubHex(&v.arbiter.PublicKey),
	}, nil
}

func pubHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(pub))
}

// Seal encrypts k with AES-256-GCM. The nonce is prepended to the ciphertext.
func (v *Vault) Seal(k *DealKeys) (string, error) {
	plain, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("marshal keys: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(v.aead.Seal(nonce, nonce, plain, nil)), nil
}

func (v *Vault) Open(sealed string) (*DealKeys, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed keys: %w", err)
	}
	n := v.aead.NonceSize()
	if len(raw) < n {
		return nil, fmt.Errorf("sealed keys too short")
	}
	plain, err := v.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt keys: %w", err)
	}
	var k DealKeys
	if err := json.Unmarshal(plain, &k); err != nil {
		return nil, fmt.Errorf("unmarshal keys: %w", err)
	}
	return &k, nil
}

func (v *Vault) SigningKey(ctx context.Context, multisig string, role models.Role) (*ecdsa.PrivateKey, error) {
	if role == models.RoleArbiter {
		return v.arbiter, nil
	}
	w, err := v.wallets.GetWalletByAddress(ctx, multisig)
	if err != nil {
		return nil, err
	}
	if w.SealedKeys == nil {
		return nil, apperr.IllegalState("keys of %s were purged", multisig)
	}
	k, err := v.Open(*w.SealedKeys)
	if err != nil {
		return nil, err
	}

	var hexKey string
	switch role {
	case models.RoleOwner:
		hexKey = k.Owner
	case models.RoleBuyer:
		hexKey = k.Buyer
	case models.RoleSeller:
		hexKey = k.Seller
	}
	if hexKey == "" {
		return nil, apperr.NotFound("no %s key for %s", role, multisig)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse %s key: %w", role, err)
	}
	return key, nil
}

func (v *Vault) Participants(ctx context.Context, multisig string) (map[models.Role]string, error) {
	w, err := v.wallets.GetWalletByAddress(ctx, multisig)
	if err != nil {
		return nil, err
	}
	return w.Participants, nil
}
