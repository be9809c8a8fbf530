package keys

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

type walletMap map[string]*models.MultisigWallet

func (m walletMap) GetWalletByAddress(_ context.Context, address string) (*models.MultisigWallet, error) {
	w, ok := m[address]
	if !ok {
		return nil, apperr.NotFound("wallet %s not found", address)
	}
	return w, nil
}

func newVault(t *testing.T, wallets walletMap) *Vault {
	t.Helper()
	arbiter, err := crypto.GenerateKey()
	require.NoError(t, err)
	v, err := NewVault(strings.Repeat("k", 32), arbiter, wallets)
	require.NoError(t, err)
	return v
}

func TestSealOpen(t *testing.T) {
	v := newVault(t, nil)
	k, params, err := v.Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, params.BuyerPub)
	assert.NotEqual(t, params.BuyerPub, params.SellerPub)

	k.Owner = strings.Repeat("ab", 32)
	sealed, err := v.Seal(k)
	require.NoError(t, err)
	assert.NotContains(t, sealed, k.Buyer)

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, k, opened)

	other := newVault(t, nil)
	_, err = other.Open(sealed)
	assert.Error(t, err, "a different master key must not open the keys")
}

func TestSigningKey(t *testing.T) {
	wallets := walletMap{}
	v := newVault(t, wallets)

	k, _, err := v.Generate()
	require.NoError(t, err)
	sealed, err := v.Seal(k)
	require.NoError(t, err)
	wallets["TMultisig"] = &models.MultisigWallet{Address: "TMultisig", SealedKeys: &sealed}
	wallets["TPurged"] = &models.MultisigWallet{Address: "TPurged"}

	ctx := context.Background()
	buyer, err := v.SigningKey(ctx, "TMultisig", models.RoleBuyer)
	require.NoError(t, err)
	want, err := crypto.HexToECDSA(k.Buyer)
	require.NoError(t, err)
	assert.True(t, want.Equal(buyer))

	arbiter, err := v.SigningKey(ctx, "TPurged", models.RoleArbiter)
	require.NoError(t, err)
	assert.NotNil(t, arbiter)

	_, err = v.SigningKey(ctx, "TMultisig", models.RoleOwner)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = v.SigningKey(ctx, "TPurged", models.RoleSeller)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))

	_, err = v.SigningKey(ctx, "TMissing", models.RoleSeller)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestNewVaultRejectsShortKey(t *testing.T) {
	arbiter, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewVault("short", arbiter, nil)
	assert.Error(t, err)
	_, err = NewVault(strings.Repeat("k", 32), nil, nil)
	assert.Error(t, err)
}
