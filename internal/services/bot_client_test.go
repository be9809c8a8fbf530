package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"go.uber.org/zap"
)

func decodeNotification(t *testing.T, n *events.Notification) *events.Notification {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	var out events.Notification
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestDeliverPostsToEveryRecipient(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []map[string]any
		fail bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/notify", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, body)
		failing := fail
		mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &models.Deal{DealID: "DL-000007", BuyerID: buyerID, SellerID: sellerID}
	n := decodeNotification(t, events.New(d, events.DealExpired{RefundAmount: dec("100")}, t0))

	c := NewBotClient(srv.URL+"/", zap.NewNop())
	require.NoError(t, c.Deliver(t.Context(), n))

	require.Len(t, got, 2)
	assert.EqualValues(t, buyerID, got[0]["telegram_user_id"])
	assert.EqualValues(t, sellerID, got[1]["telegram_user_id"])
	assert.Equal(t, "Deal DL-000007 expired, 100 USDT is refunded to the buyer.", got[0]["text"])
	assert.Equal(t, "deal_expired", got[0]["type"])
	assert.Equal(t, n.ID, got[0]["event_id"])

	mu.Lock()
	fail = true
	mu.Unlock()
	assert.Error(t, c.Deliver(t.Context(), n))
}

func TestNotificationText(t *testing.T) {
	d := &models.Deal{DealID: "DL-000009", BuyerID: buyerID, SellerID: sellerID}
	cases := []struct {
		payload events.Payload
		want    string
	}{
		{events.DepositExpected{MultisigAddress: "TMS", Amount: dec("106"), Asset: models.AssetUSDT}, "Deal DL-000009: send 106 USDT to TMS."},
		{events.InsufficientDeposit{Expected: dec("106"), Observed: dec("103"), Shortfall: dec("3")}, "Deal DL-000009: received 103 of 106 USDT, 3 more is needed."},
		{events.WorkSubmitted{}, "Deal DL-000009: the seller submitted the work for review."},
		{events.DealExpired{RefundAmount: dec("0")}, "Deal DL-000009 expired."},
		{events.DisputeResolved{Decision: models.DecisionRefundBuyer, ArbiterID: arbiterID}, "Deal DL-000009: dispute resolved, decision refund_buyer."},
	}
	for _, tc := range cases {
		n := decodeNotification(t, events.New(d, tc.payload, t0))
		assert.Equal(t, tc.want, NotificationText(n))
	}
}
