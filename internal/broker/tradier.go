// Package broker provides the brokerage gateway used to trade SPXW straddles.
// It includes the Tradier API client, a circuit breaker wrapper and the
// Gateway contract shared with the simulated broker.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// optionRoots maps option roots to the underlying symbol Tradier expects
// on option orders.
var optionRoots = map[string]string{
	"SPXW": "SPX",
	"SPX":  "SPX",
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// TradierAPI is a thin HTTP client for the Tradier brokerage REST API.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a new TradierAPI client. An empty baseURL selects the
// sandbox or production endpoint.
func NewTradierAPI(apiKey, accountID string, sandbox bool, baseURL string, logger logrus.FieldLogger) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.WithField("component", "tradier"),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes quotesWrapper `json:"quotes"`
}

// quotesWrapper tolerates "quotes": "null" when no symbol matched.
type quotesWrapper struct {
	Quote singleOrArray[QuoteItem] `json:"quote"`
}

func (q *quotesWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*q = quotesWrapper{}
		return nil
	}
	type plain quotesWrapper
	return json.Unmarshal(b, (*plain)(q))
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber string  `json:"account_number"`
		AccountType   string  `json:"account_type"`
		ClosePL       float64 `json:"close_pl"`
		OpenPL        float64 `json:"open_pl"`
		TotalCash     float64 `json:"total_cash"`
		TotalEquity   float64 `json:"total_equity"`

		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"margin"`

		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`

		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}

	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		ID                int     `json:"id"`
		Status            string  `json:"status"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
		ReasonDescription string  `json:"reason_description"`
	} `json:"order"`
}

// ============ API Methods ============

// GetQuotes retrieves quotes for many symbols in one request.
func (t *TradierAPI) GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes"

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return []QuoteItem(response.Quotes.Quote), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []PositionItem(response.Positions.Position), nil
}

// GetBalance retrieves account balance information.
func (t *TradierAPI) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// PlaceOptionOrder places a single-leg limit day order for an option.
func (t *TradierAPI) PlaceOptionOrder(ctx context.Context, optionSymbol, side string,
	quantity int, price float64, tag string) (*OrderResponse, error) {
	if price <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", price)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", quantity)
	}
	underlying := underlyingForOSI(optionSymbol)
	if underlying == "" {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %s", optionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", optionSymbol)
	params.Add("side", side)
	params.Add("quantity", strconv.Itoa(quantity))
	params.Add("type", "limit")
	params.Add("duration", "day")
	params.Add("price", fmt.Sprintf("%.2f", price))
	if tag != "" {
		params.Add("tag", tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOrder retrieves an existing order by ID.
func (t *TradierAPI) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder cancels a working order by ID.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "spx-straddler/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ============ Gateway adapter ============

// TradierGateway adapts TradierAPI to the Gateway contract.
type TradierGateway struct {
	api *TradierAPI
}

// Ensure TradierGateway implements Gateway at compile time.
var _ Gateway = (*TradierGateway)(nil)

// NewTradierGateway wraps api as a Gateway.
func NewTradierGateway(api *TradierAPI) *TradierGateway {
	return &TradierGateway{api: api}
}

// GetMarketSnapshot returns valid-or-not quotes keyed by symbol.
func (g *TradierGateway) GetMarketSnapshot(ctx context.Context, codes []string) (map[string]models.OptionQuote, error) {
	out := make(map[string]models.OptionQuote, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	items, err := g.api.GetQuotes(ctx, codes)
	if err != nil {
		return nil, classify("get quotes", err)
	}
	for _, q := range items {
		out[q.Symbol] = models.OptionQuote{
			Code:   q.Symbol,
			Bid:    q.Bid,
			Ask:    q.Ask,
			Last:   q.Last,
			Volume: q.Volume,
		}
	}
	return out, nil
}

// GetAccountInfo combines balances and positions into one snapshot.
func (g *TradierGateway) GetAccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	bal, err := g.api.GetBalance(ctx)
	if err != nil {
		return models.AccountSnapshot{}, classify("get balance", err)
	}
	bp, err := bal.GetOptionBuyingPower()
	if err != nil {
		// Unknown account layouts fall back to cash.
		g.api.logger.WithError(err).Warn("Option buying power unavailable, using total cash")
		bp = bal.Balances.TotalCash
	}
	items, err := g.api.GetPositions(ctx)
	if err != nil {
		return models.AccountSnapshot{}, classify("get positions", err)
	}
	holdings := make([]models.Holding, 0, len(items))
	for _, p := range items {
		holdings = append(holdings, models.Holding{Code: p.Symbol, Qty: int(p.Quantity), CostBasis: p.CostBasis})
	}
	return models.AccountSnapshot{
		AccountID:   bal.Balances.AccountNumber,
		Positions:   holdings,
		Cash:        bal.Balances.TotalCash,
		BuyingPower: bp,
		TotalValue:  bal.Balances.TotalEquity,
		DailyPnL:    bal.Balances.ClosePL,
	}, nil
}

// ListPositions returns open positions. Tradier does not report live market
// value on this endpoint, so MarketValue and UnrealizedPnL are zero.
func (g *TradierGateway) ListPositions(ctx context.Context) ([]Position, error) {
	items, err := g.api.GetPositions(ctx)
	if err != nil {
		return nil, classify("get positions", err)
	}
	out := make([]Position, 0, len(items))
	for _, p := range items {
		out = append(out, Position{Code: p.Symbol, Qty: int(p.Quantity), CostBasis: p.CostBasis})
	}
	return out, nil
}

// PlaceOrder submits a limit order and returns the broker order id.
func (g *TradierGateway) PlaceOrder(ctx context.Context, code string, side models.Side, qty int, price float64) (string, error) {
	resp, err := g.api.PlaceOptionOrder(ctx, code, string(side), qty, price, "")
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return "", fmt.Errorf("place order %s: %w: %v", code, models.ErrOrderRejected, err)
		}
		return "", classify("place order", err)
	}
	if resp.Order.ID == 0 {
		return "", fmt.Errorf("place order %s: %w: no order id in response (status %q)",
			code, models.ErrOrderRejected, resp.Order.Status)
	}
	return strconv.Itoa(resp.Order.ID), nil
}

// GetOrderStatus maps a Tradier order into an OrderStatus.
func (g *TradierGateway) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	resp, err := g.api.GetOrder(ctx, orderID)
	if err != nil {
		return OrderStatus{}, classify("get order", err)
	}
	return OrderStatus{
		State:        mapOrderStatus(resp.Order.Status),
		FilledQty:    int(resp.Order.ExecQuantity),
		AvgFillPrice: resp.Order.AvgFillPrice,
	}, nil
}

// CancelOrder requests cancellation of a working order.
func (g *TradierGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.api.CancelOrder(ctx, orderID); err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// mapOrderStatus normalizes Tradier order statuses.
func mapOrderStatus(s string) OrderStatusState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "cancelled", "expired":
		return StatusCancelled
	case "rejected", "error":
		return StatusRejected
	default: // open, pending, calculated, accepted_for_bidding, held
		return StatusOpen
	}
}

// classify wraps network failures and retryable HTTP statuses as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Transient() {
			return fmt.Errorf("%s: %w: %v", op, models.ErrTransientGateway, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, models.ErrTransientGateway, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ============ Helper Functions ============

// underlyingForOSI returns the underlying symbol for an OSI option symbol,
// e.g. "SPXW250314C05900000" -> "SPX".
func underlyingForOSI(s string) string {
	root := extractRootFromOSI(s)
	if root == "" {
		return ""
	}
	if u, ok := optionRoots[root]; ok {
		return u
	}
	return root
}

// HasRoot reports whether code is an OSI option symbol with the given root.
func HasRoot(code, root string) bool {
	r := extractRootFromOSI(code)
	return r != "" && strings.EqualFold(r, root)
}

// extractRootFromOSI extracts the option root from an OSI-formatted option symbol
// e.g., "SPY241220P00450000" -> "SPY"
func extractRootFromOSI(s string) string {
	// OSI format: ROOT + YYMMDD + P/C + 8-digit strike
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return ""
	}
	i := len(trimmed) - 15
	if !isDigits(trimmed[i:i+6]) || !isDigits(trimmed[i+7:]) {
		return ""
	}
	switch trimmed[i+6] {
	case 'P', 'C', 'p', 'c':
	default:
		return ""
	}
	root := trimmed[:i]
	if root[len(root)-1] >= '0' && root[len(root)-1] <= '9' {
		return ""
	}
	return root
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
