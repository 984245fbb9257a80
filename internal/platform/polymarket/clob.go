package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	BaseURL    string // e.g. https://clob.polymarket.com
	FeeRateBps int
	Timeout    time.Duration
}

// ClobClient is the REST client for the Polymarket CLOB. It implements
// executor.Exchange: orders are signed here when the caller did not sign
// them, and every request carries L2 HMAC headers.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	feeRateBps int
	salt       func() int64
	logger     *slog.Logger
}

// NewClobClient creates a CLOB client. hmac may be nil until DeriveAPIKey
// has run.
func NewClobClient(cfg ClobConfig, signer *crypto.Signer, hmac *crypto.HMACAuth, logger *slog.Logger) *ClobClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ClobClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		hmacAuth:   hmac,
		feeRateBps: cfg.FeeRateBps,
		salt:       func() int64 { return rand.Int64N(1 << 53) },
		logger:     logger.With(slog.String("component", "clob_client")),
	}
}

// payload builds the EIP-712 order struct. A BUY gives price*size
// collateral for size shares; a SELL gives size shares for price*size.
func (c *ClobClient) payload(o domain.Order, salt int64) crypto.OrderPayload {
	maker := o.Wallet
	if maker == "" {
		maker = c.signer.Address().Hex()
	}
	collateral := baseUnits(o.Price.Mul(o.Size))
	shares := baseUnits(o.Size)

	p := crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         maker,
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       o.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(c.feeRateBps),
		SignatureType: crypto.SignatureEOA,
	}
	if o.Side == domain.OrderSideSell {
		p.Side = crypto.SideSell
		p.MakerAmount, p.TakerAmount = shares, collateral
	} else {
		p.Side = crypto.SideBuy
		p.MakerAmount, p.TakerAmount = collateral, shares
	}
	return p
}

// PostOrder signs and submits order. A venue-side rejection is reported
// through OrderResult.Success; the error is reserved for transport and
// authentication failures.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: no signer", domain.ErrSigningFailed)
	}
	if c.hmacAuth == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: no api credentials", domain.ErrUnauthorized)
	}

	salt := c.salt()
	p := c.payload(order, salt)
	sig := order.Signature
	if sig == "" {
		var err error
		if sig, err = c.signer.SignOrder(p); err != nil {
			return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
		}
	}

	orderType := string(order.Type)
	if orderType == "" {
		orderType = string(domain.OrderTypeFOK)
	}
	body := APIOrderRequest{
		Order:     newSignedOrder(p, salt, order.Side, sig),
		Owner:     c.hmacAuth.Key,
		OrderType: orderType,
	}

	respBody, err := c.do(ctx, http.MethodPost, "/order", body)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusBadRequest {
		// Unfillable FOK orders come back as 400 with an order result body.
		respBody, err = []byte(httpErr.Body), nil
	}
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := apiResult.ToDomainOrderResult(order.Side)
	c.logger.DebugContext(ctx, "order posted",
		slog.String("order_id", result.OrderID),
		slog.String("token_id", order.TokenID),
		slog.String("status", string(result.Status)),
		slog.Bool("success", result.Success),
	)
	return result, nil
}

// GetOrder retrieves a single order by ID.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	if apiOrder.ID == "" {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}
	return apiOrder.ToDomainOrder(), nil
}

// CancelOrder cancels one order. An order the venue refuses to cancel,
// typically because it already matched, returns an error carrying the
// venue's reason.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	var result APICancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel order %s: %s", orderID, reason)
	}
	return nil
}

// DeriveAPIKey runs the L1 auth flow and stores the derived L2 credentials
// on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	timestamp := time.Now().Unix()
	const nonce = 0

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.Itoa(nonce))

	respBody, err := c.send(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}
	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	c.hmacAuth = &crypto.HMACAuth{Key: authResp.APIKey, Secret: authResp.Secret, Passphrase: authResp.Passphrase}
	c.logger.InfoContext(ctx, "derived clob api key", slog.String("auth", c.hmacAuth.String()))
	return nil
}

// do sends an L2-authenticated JSON request and returns the response body.
func (c *ClobClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var (
		reader  io.Reader
		bodyStr string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hmacAuth != nil && c.signer != nil {
		crypto.Apply(req, c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, path, bodyStr))
	}
	return c.send(req)
}

func (c *ClobClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// HTTPError is a non-2xx response. It unwraps to the matching domain
// sentinel where one exists.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to an *HTTPError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	return &HTTPError{Status: statusCode, Body: strings.TrimSpace(string(body))}
}
