package tron

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/core"
	"google.golang.org/protobuf/proto"
)

// txID is the hex sha256 of the serialized raw data.
func txID(tx *core.Transaction) (string, error) {
	raw, err := proto.Marshal(tx.GetRawData())
	if err != nil {
		return "", fmt.Errorf("marshal raw data: %w", err)
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:]), nil
}

// appendSignature adds one signature to tx. Multisig transactions carry one
// signature per participating key.
func appendSignature(tx *core.Transaction, key *ecdsa.PrivateKey) error {
	raw, err := proto.Marshal(tx.GetRawData())
	if err != nil {
		return fmt.Errorf("marshal raw data: %w", err)
	}
	hash := sha256.Sum256(raw)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	tx.Signature = append(tx.Signature, sig)
	return nil
}

// signers recovers the base58 addresses of every signature on tx.
func signers(tx *core.Transaction) ([]string, error) {
	raw, err := proto.Marshal(tx.GetRawData())
	if err != nil {
		return nil, fmt.Errorf("marshal raw data: %w", err)
	}
	hash := sha256.Sum256(raw)
	out := make([]string, 0, len(tx.Signature))
	for _, sig := range tx.Signature {
		pub, err := crypto.SigToPub(hash[:], sig)
		if err != nil {
			return nil, fmt.Errorf("recover signer: %w", err)
		}
		out = append(out, address.PubkeyToAddress(*pub).String())
	}
	return out, nil
}

// distinctSigners counts the different keys that signed tx. The chain checks
// the permission threshold against keys, not signatures.
func distinctSigners(tx *core.Transaction) (int, error) {
	addrs, err := signers(tx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		seen[a] = true
	}
	return len(seen), nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// addressFromPub derives the TRON address of a hex-encoded uncompressed public key.
func addressFromPub(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return address.PubkeyToAddress(*pub).String(), nil
}

// PublicKeyHex returns the uncompressed public key of key, hex encoded.
func PublicKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey))
}

func AddressOf(key *ecdsa.PrivateKey) string {
	return address.PubkeyToAddress(key.PublicKey).String()
}
