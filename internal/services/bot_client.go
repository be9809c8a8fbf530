package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/usdt-escrow/backend/internal/events"
	"go.uber.org/zap"
)

// BotClient communicates with the chat bot internal API.
type BotClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewBotClient(baseURL string, log *zap.Logger) *BotClient {
	return &BotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With(zap.String("component", "bot_client")),
	}
}

type notifyRequest struct {
	UserID  int64          `json:"telegram_user_id"`
	Text    string         `json:"text"`
	DealID  string         `json:"deal_id,omitempty"`
	Type    events.Type    `json:"type,omitempty"`
	Payload events.Payload `json:"payload,omitempty"`
	Event   string         `json:"event_id,omitempty"`
}

// Deliver sends n to each recipient. It stops at the first failure so the
// caller can decide whether to retry the whole notification.
func (c *BotClient) Deliver(ctx context.Context, n *events.Notification) error {
	text := NotificationText(n)
	for _, uid := range n.Recipients {
		if err := c.send(ctx, notifyRequest{
			UserID:  uid,
			Text:    text,
			DealID:  n.DealID,
			Type:    n.Type,
			Payload: n.Payload,
			Event:   n.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *BotClient) SendNotification(ctx context.Context, userID int64, text string) error {
	return c.send(ctx, notifyRequest{UserID: userID, Text: text})
}

func (c *BotClient) send(ctx context.Context, body notifyRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/internal/notify", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// NotificationText renders the message shown to a participant.
func NotificationText(n *events.Notification) string {
	switch p := n.Payload.(type) {
	case *events.DealCreated:
		return fmt.Sprintf("Deal %s created: %s USDT, commission %s paid by %s.", n.DealID, p.Amount, p.Commission, p.CommissionType)
	case *events.DepositExpected:
		return fmt.Sprintf("Deal %s: send %s %s to %s.", n.DealID, p.Amount, p.Asset, p.MultisigAddress)
	case *events.InsufficientDeposit:
		return fmt.Sprintf("Deal %s: received %s of %s USDT, %s more is needed.", n.DealID, p.Observed, p.Expected, p.Shortfall)
	case *events.DepositConfirmed:
		return fmt.Sprintf("Deal %s: deposit of %s USDT confirmed, funds are locked.", n.DealID, p.Amount)
	case *events.WorkStarted:
		return fmt.Sprintf("Deal %s: the seller started work.", n.DealID)
	case *events.WorkSubmitted:
		return fmt.Sprintf("Deal %s: the seller submitted the work for review.", n.DealID)
	case *events.DealCompleted:
		return fmt.Sprintf("Deal %s completed, %s USDT released to the seller.", n.DealID, p.SellerPayout)
	case *events.DisputeOpened:
		return fmt.Sprintf("Deal %s: dispute opened. Reason: %s", n.DealID, p.Reason)
	case *events.DisputeResolved:
		return fmt.Sprintf("Deal %s: dispute resolved, decision %s.", n.DealID, p.Decision)
	case *events.DisputeCancelled:
		return fmt.Sprintf("Deal %s: dispute cancelled, new deadline %s.", n.DealID, p.Deadline.UTC().Format(time.RFC822))
	case *events.DeadlineReached:
		return fmt.Sprintf("Deal %s: deadline reached, the deal expires at %s.", n.DealID, p.GraceUntil.UTC().Format(time.RFC822))
	case *events.DealExpired:
		if p.RefundAmount.IsPositive() {
			return fmt.Sprintf("Deal %s expired, %s USDT is refunded to the buyer.", n.DealID, p.RefundAmount)
		}
		return fmt.Sprintf("Deal %s expired.", n.DealID)
	case *events.DealCancelled:
		return fmt.Sprintf("Deal %s was cancelled.", n.DealID)
	case *events.PayoutSent:
		return fmt.Sprintf("Deal %s: %s USDT sent to %s (tx %s).", n.DealID, p.Amount, p.To, p.TxHash)
	}
	return fmt.Sprintf("Deal %s: %s", n.DealID, n.Type)
}
