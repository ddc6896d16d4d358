// Package adapters provides Venue implementations the Execution Client
// submits orders through.
package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// HTTPVenueConfig configures an HMAC-authenticated REST venue.
type HTTPVenueConfig struct {
	VenueName  string
	BaseURL    string
	APIKey     string
	APISecret  string
	MaxRetries int
	RetryWait  time.Duration
	Ticks      map[string]decimal.Decimal
	Steps      map[string]decimal.Decimal
}

// HTTPVenue submits orders to a REST exchange API over HMAC-SHA256 signed
// requests, the same authentication shape as the teacher's Binance
// adapter, carried behind retryablehttp for the transient-error backoff
// spec §4.7 requires.
type HTTPVenue struct {
	cfg    HTTPVenueConfig
	client *retryablehttp.Client
}

// NewHTTPVenue constructs an HTTPVenue.
func NewHTTPVenue(cfg HTTPVenueConfig) *HTTPVenue {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWait
	rc.Logger = nil
	return &HTTPVenue{cfg: cfg, client: rc}
}

func (v *HTTPVenue) Name() string { return v.cfg.VenueName }

func (v *HTTPVenue) TickSize(symbol string) decimal.Decimal { return v.cfg.Ticks[symbol] }
func (v *HTTPVenue) StepSize(symbol string) decimal.Decimal { return v.cfg.Steps[symbol] }

// sign computes the HMAC-SHA256 signature the venue expects over the
// canonical query string, mirroring Binance-style request signing.
func (v *HTTPVenue) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(v.cfg.APISecret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HTTPVenue) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, int, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", v.sign(params))

	var req *retryablehttp.Request
	var err error
	switch method {
	case http.MethodPost:
		req, err = retryablehttp.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, bytes.NewBufferString(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		req, err = retryablehttp.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-API-KEY", v.cfg.APIKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, err
	}
	return buf.Bytes(), resp.StatusCode, nil
}

type venueOrderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Fills     []struct {
		Qty   float64 `json:"qty"`
		Price float64 `json:"price"`
		Fee   float64 `json:"fee"`
	} `json:"fills"`
}

func (v *HTTPVenue) SubmitOrder(ctx context.Context, intent types.OrderIntent) (types.ExecutionRecord, error) {
	params := url.Values{}
	params.Set("client_id", intent.ClientID)
	params.Set("symbol", intent.Symbol)
	params.Set("side", string(intent.Side))
	params.Set("type", string(intent.Type))
	params.Set("qty", intent.Quantity.String())
	if !intent.LimitPrice.IsZero() {
		params.Set("price", intent.LimitPrice.String())
	}

	body, status, err := v.doSigned(ctx, http.MethodPost, "/api/v1/order", params)
	if err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("submit order: %w", err)
	}
	if status >= 400 {
		return types.ExecutionRecord{}, fmt.Errorf("venue rejected order %s: status %d: %s", intent.ClientID, status, body)
	}
	return parseVenueResponse(intent.ClientID, body)
}

func (v *HTTPVenue) CancelOrder(ctx context.Context, clientID string) error {
	params := url.Values{}
	params.Set("client_id", clientID)
	_, status, err := v.doSigned(ctx, http.MethodPost, "/api/v1/order/cancel", params)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("venue rejected cancel %s: status %d", clientID, status)
	}
	return nil
}

func (v *HTTPVenue) QueryOrder(ctx context.Context, clientID string) (types.ExecutionRecord, bool, error) {
	params := url.Values{}
	params.Set("client_id", clientID)
	body, status, err := v.doSigned(ctx, http.MethodGet, "/api/v1/order", params)
	if err != nil {
		return types.ExecutionRecord{}, false, fmt.Errorf("query order: %w", err)
	}
	if status == http.StatusNotFound {
		return types.ExecutionRecord{}, false, nil
	}
	if status >= 400 {
		return types.ExecutionRecord{}, false, fmt.Errorf("venue query failed %s: status %d", clientID, status)
	}
	rec, err := parseVenueResponse(clientID, body)
	return rec, true, err
}

func parseVenueResponse(clientID string, body []byte) (types.ExecutionRecord, error) {
	var resp venueOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("parse venue response: %w", err)
	}
	rec := types.ExecutionRecord{
		ClientID:        clientID,
		ExchangeOrderID: resp.OrderID,
		Status:          mapStatus(resp.Status),
		LastUpdate:      time.Now().UTC(),
	}
	for _, f := range resp.Fills {
		rec.Fills = append(rec.Fills, types.Fill{
			ClientID: clientID,
			Qty:      decimal.NewFromFloat(f.Qty),
			Price:    decimal.NewFromFloat(f.Price),
			Fee:      decimal.NewFromFloat(f.Fee),
			Ts:       time.Now().UTC(),
		})
	}
	return rec, nil
}

func mapStatus(venueStatus string) types.ExecutionStatus {
	switch venueStatus {
	case "new":
		return types.ExecutionOpen
	case "pending":
		return types.ExecutionPending
	case "partially_filled":
		return types.ExecutionPartiallyFilled
	case "filled":
		return types.ExecutionFilled
	case "cancelled", "canceled":
		return types.ExecutionCancelled
	case "rejected":
		return types.ExecutionRejected
	case "expired":
		return types.ExecutionExpired
	default:
		return types.ExecutionPending
	}
}
