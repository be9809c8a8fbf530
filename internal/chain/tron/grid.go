package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const gridPageSize = 200

// GridClient reads the TronGrid REST index. The full node has no per-address
// transfer history, so incoming deposits are discovered here.
type GridClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewGridClient(baseURL, apiKey string, rps int, timeout time.Duration, logger *zap.Logger) *GridClient {
	if rps <= 0 {
		rps = 1
	}
	return &GridClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     logger,
	}
}

type trc20Transfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	Type           string `json:"type"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
		Symbol   string `json:"symbol"`
	} `json:"token_info"`
}

type trc20Page struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    []trc20Transfer `json:"data"`
	Meta    struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"meta"`
}

// IncomingTRC20 sums confirmed transfers of contract to addr since the given time.
func (c *GridClient) IncomingTRC20(ctx context.Context, addr, contract string, since time.Time) (*chain.Transfer, error) {
	q := url.Values{}
	q.Set("only_to", "true")
	q.Set("only_confirmed", "true")
	q.Set("contract_address", contract)
	q.Set("min_timestamp", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("order_by", "block_timestamp,asc")
	q.Set("limit", strconv.Itoa(gridPageSize))

	var out *chain.Transfer
	for {
		page, err := c.fetchTRC20(ctx, addr, q)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Data {
			if t.To != addr || t.Type != "Transfer" || t.TokenInfo.Address != contract {
				continue
			}
			decimals := t.TokenInfo.Decimals
			if decimals == 0 {
				decimals = chain.USDTDecimals
			}
			amount, err := chain.ParseUnits(t.Value, decimals)
			if err != nil {
				return nil, apperr.ChainPermanent(err, "trongrid transfer %s", t.TransactionID)
			}
			ts := time.UnixMilli(t.BlockTimestamp).UTC()
			if out == nil {
				out = &chain.Transfer{FromAddress: t.From}
			}
			out.Amount = out.Amount.Add(amount)
			out.TxHash = t.TransactionID
			out.Timestamp = ts
			out.Count++
		}
		if page.Meta.Fingerprint == "" || len(page.Data) < gridPageSize {
			break
		}
		q.Set("fingerprint", page.Meta.Fingerprint)
	}

	if out != nil {
		c.logger.Debug("incoming TRC20 transfers",
			zap.String("address", addr),
			zap.Int("count", out.Count),
			zap.String("amount", out.Amount.String()))
	}
	return out, nil
}

func (c *GridClient) fetchTRC20(ctx context.Context, addr string, q url.Values) (*trc20Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.ChainTransient(err, "trongrid rate limit")
	}

	u := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", c.baseURL, addr, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.ChainTransient(err, "trongrid request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.ChainTransient(nil, "trongrid status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.ChainPermanent(nil, "trongrid status %d: %s", resp.StatusCode, string(body))
	}

	var page trc20Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, apperr.ChainTransient(err, "decode trongrid response")
	}
	if !page.Success {
		return nil, apperr.ChainTransient(nil, "trongrid error: %s", page.Error)
	}
	return &page, nil
}
