package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// flexInt64 unmarshals from a JSON number or a numeric string so feed
// sequence numbers decode whichever way the server encodes them.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// SignedOrder is the order object the CLOB expects inside a post-order
// request. Amounts are fixed-point integers with six decimals.
type SignedOrder struct {
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
	Side          string `json:"side"` // "BUY" or "SELL"
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`

	// Hash is the EIP-712 order hash, which the CLOB uses as the order ID.
	Hash string `json:"-"`
}

// PostOrderRequest is the top-level order placement payload.
type PostOrderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key
	OrderType string      `json:"orderType"` // "FOK", "GTC", "GTD"
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg,omitempty"`
	OrderID      string   `json:"orderID,omitempty"`
	Status       string   `json:"status,omitempty"`
	MakingAmount string   `json:"makingAmount,omitempty"`
	TakingAmount string   `json:"takingAmount,omitempty"`
	OrderHashes  []string `json:"orderHashes,omitempty"`
	ShouldRetry  bool     `json:"shouldRetry,omitempty"`
}

// APIOrder is an order as read back from GET /data/order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // LIVE, MATCHED, CANCELED, ...
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// Matched returns the filled size of the order.
func (o *APIOrder) Matched() decimal.Decimal {
	d, err := decimal.NewFromString(o.SizeMatched)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Resting reports whether the order can still fill.
func (o *APIOrder) Resting() bool {
	switch strings.ToUpper(o.Status) {
	case "LIVE", "DELAYED", "UNMATCHED":
		return true
	}
	return false
}

// APIKeyResponse is returned by the create and derive API-key endpoints.
type APIKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// Feed event types.
const (
	EventBook   = "book"
	EventUpdate = "update"
)

// BookMessage is a sequenced book frame: a full snapshot for "book" events,
// a set of level deltas for "update" events. A delta size of "0" removes the
// level.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	TokenID   string         `json:"tokenId"`
	Market    string         `json:"market"`
	Sequence  flexInt64      `json:"sequence"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// Token returns the token the frame belongs to.
func (b *BookMessage) Token() string {
	if b.AssetID != "" {
		return b.AssetID
	}
	return b.TokenID
}

// Seq returns the frame's sequence number.
func (b *BookMessage) Seq() int64 { return int64(b.Sequence) }

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSCommand is the JSON payload sent to subscribe to market data.
type WSCommand struct {
	Type   string   `json:"type"` // "market"
	Assets []string `json:"assets_ids"`
}

// --------------------------------------------------------------------------
// Conversion helpers: wire types -> domain types
// --------------------------------------------------------------------------

// ToLevels parses wire levels. Levels with an unparseable price or size are
// skipped.
func ToLevels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		s, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC3339. It falls
// back to now.
func ParseTimestamp(ts string) time.Time {
	ts = strings.TrimSpace(ts)
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	return time.Now()
}

// FilledSize returns how much of the order's size the response reports as
// matched. For buys the taking amount is shares; for sells the making amount
// is.
func (r *APIOrderResult) FilledSize(side domain.Side) decimal.Decimal {
	raw := r.TakingAmount
	if side == domain.SideSell {
		raw = r.MakingAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
