package polymarket

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// APIOrderRequest is the body of POST /order.
type APIOrderRequest struct {
	Order     APISignedOrder `json:"order"`
	Owner     string         `json:"owner"`
	OrderType string         `json:"orderType"`
}

// APISignedOrder is the signed order as the CLOB expects it on the wire.
type APISignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func newSignedOrder(p crypto.OrderPayload, salt int64, side domain.OrderSide, sig string) APISignedOrder {
	return APISignedOrder{
		Salt:          salt,
		Maker:         p.Maker,
		Signer:        p.Signer,
		Taker:         p.Taker,
		TokenID:       p.TokenID,
		MakerAmount:   p.MakerAmount,
		TakerAmount:   p.TakerAmount,
		Expiration:    p.Expiration,
		Nonce:         p.Nonce,
		FeeRateBps:    p.FeeRateBps,
		Side:          string(side),
		SignatureType: p.SignatureType,
		Signature:     sig,
	}
}

// APIOrderResult is the response to POST /order. Making and taking amounts
// are populated when the order matched on submission.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
	ShouldRetry  bool   `json:"shouldRetry,omitempty"`
}

// APIOrder is an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Outcome      string `json:"outcome"`
	Owner        string `json:"owner"`
	MakerAddress string `json:"maker_address"`
	CreatedAt    int64  `json:"created_at"`
}

// APICancelResult is the response to DELETE /order.
type APICancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// orderStatus maps CLOB status strings onto domain statuses. Unknown values
// stay pending so that polling continues.
func orderStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open":
		return domain.OrderStatusOpen
	case "matched", "filled", "mined", "confirmed":
		return domain.OrderStatusMatched
	case "canceled", "cancelled", "unmatched", "canceled_market_resolved":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	case "failed", "retrying":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPending
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ToDomainOrderResult converts the submission response. side decides how
// the making and taking amounts translate into a fill price.
func (r *APIOrderResult) ToDomainOrderResult(side domain.OrderSide) domain.OrderResult {
	res := domain.OrderResult{
		Success:     r.Success && r.ErrorMsg == "",
		OrderID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
		Status:      orderStatus(r.Status),
	}
	if !res.Success {
		res.Status = domain.OrderStatusFailed
		return res
	}

	making, taking := parseDecimal(r.MakingAmount), parseDecimal(r.TakingAmount)
	if res.Status == domain.OrderStatusMatched && making.IsPositive() && taking.IsPositive() {
		if side == domain.OrderSideBuy {
			res.FilledSize = taking
			res.FilledPrice = making.Div(taking)
		} else {
			res.FilledSize = making
			res.FilledPrice = taking.Div(making)
		}
	}
	return res
}

// ToDomainOrder converts a polled order. A fully matched size reports as
// matched even if the venue status lags.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		ID:         a.ID,
		MarketID:   a.Market,
		TokenID:    a.AssetID,
		Outcome:    domain.Outcome(strings.ToUpper(a.Outcome)),
		Wallet:     a.MakerAddress,
		Side:       domain.OrderSide(strings.ToUpper(a.Side)),
		Type:       domain.OrderType(strings.ToUpper(a.OrderType)),
		Price:      parseDecimal(a.Price),
		Size:       parseDecimal(a.OriginalSize),
		FilledSize: parseDecimal(a.SizeMatched),
		Status:     orderStatus(a.Status),
	}
	if o.Size.IsPositive() && o.FilledSize.GreaterThanOrEqual(o.Size) {
		o.Status = domain.OrderStatusMatched
	}
	if o.FilledSize.IsPositive() {
		o.FillPrice = o.Price
	}
	if a.CreatedAt > 0 {
		o.CreatedAt = time.Unix(a.CreatedAt, 0).UTC()
	}
	return o
}

// baseUnits converts a collateral or share amount to 6-decimal base units.
func baseUnits(d decimal.Decimal) string {
	return d.Shift(6).Truncate(0).String()
}
