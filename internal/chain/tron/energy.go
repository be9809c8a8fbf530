package tron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/usdt-escrow/backend/internal/chain"
	"go.uber.org/zap"
)

// EnergyClient places energy rental orders with an external marketplace so
// TRC-20 transfers from the multisig do not burn TRX.
type EnergyClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewEnergyClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *EnergyClient {
	return &EnergyClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type energyOrderRequest struct {
	Receiver string `json:"receiver"`
	Energy   int64  `json:"energy"`
	Duration string `json:"duration"`
}

type energyOrderResponse struct {
	OrderID  string `json:"order_id"`
	PriceSun int64  `json:"price_sun"`
	Error    string `json:"error,omitempty"`
}

// Rent orders units of energy delegated to target for one hour. Any failure
// is reported as chain.ErrEnergyUnavailable.
func (c *EnergyClient) Rent(ctx context.Context, target string, units int64) (*chain.EnergyRental, error) {
	if c == nil || c.baseURL == "" {
		return nil, chain.ErrEnergyUnavailable
	}

	body, err := json.Marshal(energyOrderRequest{Receiver: target, Energy: units, Duration: "1h"})
	if err != nil {
		return nil, fmt.Errorf("marshal energy order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("energy rental request failed", zap.String("target", target), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", chain.ErrEnergyUnavailable, err)
	}
	defer resp.Body.Close()

	var out energyOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", chain.ErrEnergyUnavailable, err)
	}
	if (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated) || out.OrderID == "" {
		c.logger.Warn("energy rental rejected",
			zap.String("target", target),
			zap.Int("status", resp.StatusCode),
			zap.String("error", out.Error))
		return nil, fmt.Errorf("%w: status %d %s", chain.ErrEnergyUnavailable, resp.StatusCode, out.Error)
	}

	c.logger.Info("energy rented",
		zap.String("target", target),
		zap.String("order_id", out.OrderID),
		zap.Int64("units", units))

	return &chain.EnergyRental{
		CostTRX: chain.FromSun(out.PriceSun),
		OrderID: out.OrderID,
		Units:   units,
	}, nil
}
