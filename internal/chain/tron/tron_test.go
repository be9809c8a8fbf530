package tron

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/api"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/models"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func TestMultisigSignatures(t *testing.T) {
	buyer, err := crypto.GenerateKey()
	require.NoError(t, err)
	arbiter, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := &core.Transaction{RawData: &core.TransactionRaw{
		RefBlockBytes: []byte{0x01, 0x02},
		Expiration:    1_700_000_060_000,
		Timestamp:     1_700_000_000_000,
		FeeLimit:      30_000_000,
	}}
	idBefore, err := txID(tx)
	require.NoError(t, err)

	require.NoError(t, appendSignature(tx, buyer))
	require.NoError(t, appendSignature(tx, arbiter))

	idAfter, err := txID(tx)
	require.NoError(t, err)
	assert.Equal(t, idBefore, idAfter, "signatures must not change the id")
	assert.Len(t, idAfter, 64)

	got, err := signers(tx)
	require.NoError(t, err)
	assert.Equal(t, []string{AddressOf(buyer), AddressOf(arbiter)}, got)
}

func TestBroadcastNeedsTwoDistinctKeys(t *testing.T) {
	buyer, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := &core.Transaction{RawData: &core.TransactionRaw{
		RefBlockBytes: []byte{0x03, 0x04},
		Expiration:    1_700_000_060_000,
		Timestamp:     1_700_000_000_000,
	}}
	require.NoError(t, appendSignature(tx, buyer))
	require.NoError(t, appendSignature(tx, buyer))
	payload, err := proto.Marshal(tx)
	require.NoError(t, err)

	n, err := distinctSigners(tx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := &Adapter{}
	_, err = a.Broadcast(context.Background(), &chain.RawTx{ID: "dup", Payload: payload})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindChainPermanent))
}

func TestCreateMultisig(t *testing.T) {
	keys := make(map[models.Role]string)
	pubs := make(map[models.Role]string)
	for _, role := range []models.Role{models.RoleBuyer, models.RoleSeller, models.RoleArbiter} {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[role] = AddressOf(k)
		pubs[role] = PublicKeyHex(k)
	}

	a := &Adapter{}
	ms, err := a.CreateMultisig(context.Background(), chain.MultisigParams{
		BuyerPub:   pubs[models.RoleBuyer],
		SellerPub:  pubs[models.RoleSeller],
		ArbiterPub: pubs[models.RoleArbiter],
	})
	require.NoError(t, err)
	assert.Equal(t, keys, ms.Participants)
	require.NoError(t, a.ValidateAddress(ms.Address))

	owner, err := parseKey(ms.OwnerKey)
	require.NoError(t, err)
	assert.Equal(t, ms.Address, AddressOf(owner))

	_, err = a.CreateMultisig(context.Background(), chain.MultisigParams{BuyerPub: "zz"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestValidateAddress(t *testing.T) {
	a := &Adapter{}
	assert.NoError(t, a.ValidateAddress("TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"))
	for _, bad := range []string{"", "0x1234", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6"} {
		assert.True(t, apperr.Is(a.ValidateAddress(bad), apperr.KindValidation), bad)
	}
}

func TestClassifyReturn(t *testing.T) {
	tests := []struct {
		code api.ReturnResponseCode
		want apperr.Kind
	}{
		{api.Return_SIGERROR, apperr.KindChainPermanent},
		{api.Return_CONTRACT_VALIDATE_ERROR, apperr.KindChainPermanent},
		{api.Return_TRANSACTION_EXPIRATION_ERROR, apperr.KindChainPermanent},
		{api.Return_SERVER_BUSY, apperr.KindChainTransient},
		{api.Return_NO_CONNECTION, apperr.KindChainTransient},
		{api.Return_OTHER_ERROR, apperr.KindChainTransient},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := classifyReturn(&api.Return{Code: tt.code, Message: []byte("x")}, errors.New("result error"))
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	assert.NoError(t, classifyReturn(&api.Return{Result: true, Code: api.Return_SUCCESS}, nil))
	assert.NoError(t, classifyReturn(&api.Return{Code: api.Return_DUP_TRANSACTION_ERROR}, errors.New("dup")))
	assert.Equal(t, apperr.KindChainTransient, apperr.KindOf(classifyReturn(nil, status.Error(codes.Unavailable, "down"))))
	assert.Equal(t, apperr.KindChainPermanent, apperr.KindOf(classifyReturn(nil, status.Error(codes.InvalidArgument, "bad"))))
}

func TestReceiptFromInfo(t *testing.T) {
	pending := receiptFromInfo("h", &core.TransactionInfo{})
	assert.Equal(t, models.TxStatusPending, pending.Status)

	ok := receiptFromInfo("h", &core.TransactionInfo{
		BlockNumber:    42,
		BlockTimeStamp: 1_700_000_000_000,
		Fee:            1_500_000,
		Receipt:        &core.ResourceReceipt{Result: core.Transaction_Result_SUCCESS},
	})
	assert.Equal(t, models.TxStatusConfirmed, ok.Status)
	assert.Equal(t, "1.5", ok.FeeTRX.String())
	assert.Equal(t, int64(42), ok.Block)

	reverted := receiptFromInfo("h", &core.TransactionInfo{
		BlockNumber: 42,
		Receipt:     &core.ResourceReceipt{Result: core.Transaction_Result_REVERT},
	})
	assert.Equal(t, models.TxStatusFailed, reverted.Status)

	failed := receiptFromInfo("h", &core.TransactionInfo{BlockNumber: 42, Result: core.TransactionInfo_FAILED})
	assert.Equal(t, models.TxStatusFailed, failed.Status)
}

func TestGridIncomingTRC20(t *testing.T) {
	const (
		addr     = "TAddrAddrAddrAddrAddrAddrAddrAddrA"
		contract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v1/accounts/"+addr+"/transactions/trc20", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("TRON-PRO-API-KEY"))
		assert.Equal(t, "true", r.URL.Query().Get("only_confirmed"))
		assert.Equal(t, "1767225600000", r.URL.Query().Get("min_timestamp"))

		item := func(id, to, value, token string) map[string]any {
			return map[string]any{
				"transaction_id":  id,
				"block_timestamp": since.Add(time.Minute).UnixMilli(),
				"from":            "TSender",
				"to":              to,
				"value":           value,
				"type":            "Transfer",
				"token_info":      map[string]any{"address": token, "decimals": 6},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []any{
				item("a1", addr, "60000000", contract),
				item("a2", addr, "45000000", contract),
				item("x1", "TOther", "1000000", contract),
				item("x2", addr, "1000000", "TFakeToken"),
			},
		})
	}))
	defer srv.Close()

	g := NewGridClient(srv.URL, "key", 100, time.Second, zap.NewNop())
	got, err := g.IncomingTRC20(context.Background(), addr, contract, since)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "105", got.Amount.String())
	assert.Equal(t, "a2", got.TxHash)
	assert.Equal(t, "TSender", got.FromAddress)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, 1, calls)
}

func TestGridServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGridClient(srv.URL, "", 100, time.Second, zap.NewNop())
	_, err := g.IncomingTRC20(context.Background(), "TA", "TC", time.Now())
	assert.True(t, apperr.Is(err, apperr.KindChainTransient))
}

func TestEnergyRent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req energyOrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Receiver == "TBusy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"sold out"}`))
			return
		}
		assert.Equal(t, int64(65000), req.Energy)
		_, _ = w.Write([]byte(`{"order_id":"o-1","price_sun":3500000}`))
	}))
	defer srv.Close()

	c := NewEnergyClient(srv.URL, "k", time.Second, zap.NewNop())
	rental, err := c.Rent(context.Background(), "TTarget", 65000)
	require.NoError(t, err)
	assert.Equal(t, "3.5", rental.CostTRX.String())
	assert.Equal(t, "o-1", rental.OrderID)

	_, err = c.Rent(context.Background(), "TBusy", 65000)
	assert.ErrorIs(t, err, chain.ErrEnergyUnavailable)

	_, err = NewEnergyClient("", "", time.Second, zap.NewNop()).Rent(context.Background(), "TTarget", 1)
	assert.ErrorIs(t, err, chain.ErrEnergyUnavailable)
}

func TestResolveNetwork(t *testing.T) {
	n, err := ResolveNetwork("nile", "", "", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(n.GRPCURL, "grpc.nile"))

	n, err = ResolveNetwork("mainnet", "localhost:50051", "", "TCustom")
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", n.GRPCURL)
	assert.Equal(t, "TCustom", n.USDTContract)

	_, err = ResolveNetwork("devnet", "", "", "")
	assert.Error(t, err)
}
