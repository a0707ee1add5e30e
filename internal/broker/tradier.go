package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/finchtrading/straddleharvest/internal/models"
)

const (
	tradierProdURL    = "https://api.tradier.com/v1"
	tradierSandboxURL = "https://sandbox.tradier.com/v1"
)

// TradierClient implements Broker against the Tradier brokerage REST API.
type TradierClient struct {
	apiKey    string
	accountID string
	baseURL   string
	client    *http.Client

	// Limit orders block until filled or fillWait elapses.
	fillWait     time.Duration
	pollInterval time.Duration
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client.
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	base := tradierProdURL
	if sandbox {
		base = tradierSandboxURL
	}
	return &TradierClient{
		apiKey:       apiKey,
		accountID:    accountID,
		baseURL:      base,
		client:       &http.Client{Timeout: 15 * time.Second},
		fillWait:     45 * time.Second,
		pollInterval: 2 * time.Second,
	}
}

// WithBaseURL overrides the API endpoint, used by tests against an httptest server.
func (t *TradierClient) WithBaseURL(base string) *TradierClient {
	t.baseURL = strings.TrimRight(base, "/")
	return t
}

// WithFillWait overrides how long PlaceOrder waits for a limit fill.
func (t *TradierClient) WithFillWait(wait, poll time.Duration) *TradierClient {
	t.fillWait = wait
	t.pollInterval = poll
	return t
}

// occSymbol renders an OptionKey in OCC format:
// TICKER + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
func occSymbol(key OptionKey) string {
	r := "C"
	if key.Right == models.RightPut {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(key.Symbol), key.Expiration.Format("060102"), r,
		int64(key.Strike*1000+0.5))
}

type tradierQuote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

type tradierQuotesResponse struct {
	Quotes struct {
		Quote quoteList `json:"quote"`
	} `json:"quotes"`
}

// quoteList tolerates Tradier returning a bare object for single-symbol requests.
type quoteList []tradierQuote

func (q *quoteList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var many []tradierQuote
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*q = many
		return nil
	}
	var one tradierQuote
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*q = quoteList{one}
	return nil
}

func (t *TradierClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := t.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return t.do(req, out)
}

func (t *TradierClient) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req, out)
}

func (t *TradierClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading broker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding broker response: %w", err)
	}
	return nil
}

// GetQuote fetches a single option quote. Missing or zero quotes surface as
// ErrMarketDataUnavailable so callers block only the dependent decision.
func (t *TradierClient) GetQuote(ctx context.Context, key OptionKey) (Quote, error) {
	var resp tradierQuotesResponse
	params := url.Values{"symbols": {occSymbol(key)}, "greeks": {"false"}}
	if err := t.get(ctx, "/markets/quotes", params, &resp); err != nil {
		return Quote{}, err
	}
	if len(resp.Quotes.Quote) == 0 {
		return Quote{}, fmt.Errorf("no quote for %s: %w", key, ErrMarketDataUnavailable)
	}
	q := Quote{Bid: resp.Quotes.Quote[0].Bid, Ask: resp.Quotes.Quote[0].Ask}
	if !q.Usable() {
		return Quote{}, fmt.Errorf("unusable quote for %s (bid %.2f ask %.2f): %w",
			key, q.Bid, q.Ask, ErrMarketDataUnavailable)
	}
	return q, nil
}

// GetUnderlyingPrice fetches the last trade price of the underlying.
func (t *TradierClient) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	var resp tradierQuotesResponse
	if err := t.get(ctx, "/markets/quotes", url.Values{"symbols": {symbol}}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Quotes.Quote) == 0 || resp.Quotes.Quote[0].Last <= 0 {
		return 0, fmt.Errorf("no underlying quote for %s: %w", symbol, ErrMarketDataUnavailable)
	}
	return resp.Quotes.Quote[0].Last, nil
}

// GetVIX fetches the VIX index level.
func (t *TradierClient) GetVIX(ctx context.Context) (float64, error) {
	return t.GetUnderlyingPrice(ctx, "VIX")
}

type tradierCalendarResponse struct {
	Calendar struct {
		Days struct {
			Day []struct {
				Date   string `json:"date"`
				Status string `json:"status"`
			} `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

// IsTradingDay reports whether the market is open on the given date.
func (t *TradierClient) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	var resp tradierCalendarResponse
	params := url.Values{
		"month": {strconv.Itoa(int(day.Month()))},
		"year":  {strconv.Itoa(day.Year())},
	}
	if err := t.get(ctx, "/markets/calendar", params, &resp); err != nil {
		return false, err
	}
	want := day.Format("2006-01-02")
	for _, d := range resp.Calendar.Days.Day {
		if d.Date == want {
			return d.Status == "open", nil
		}
	}
	return false, fmt.Errorf("date %s not in market calendar", want)
}

type tradierOrderResponse struct {
	Order struct {
		ID        int     `json:"id"`
		Status    string  `json:"status"`
		AvgPrice  float64 `json:"avg_fill_price"`
		ExecQty   float64 `json:"exec_quantity"`
		Quantity  float64 `json:"quantity"`
		Remaining float64 `json:"remaining_quantity"`
	} `json:"order"`
}

// PlaceOrder places a multileg order and, for limit orders, polls until the
// order reaches a terminal state or the fill wait elapses. Expired limit
// orders are canceled broker-side before returning StatusExpired.
func (t *TradierClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("order has no legs")
	}

	form := url.Values{}
	form.Set("class", "multileg")
	form.Set("symbol", strings.ToUpper(req.Legs[0].Option.Symbol))
	form.Set("duration", "day")
	form.Set("type", t.orderTypeParam(req))
	if req.Type == OrderTypeLimit {
		form.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}
	for i, leg := range req.Legs {
		idx := strconv.Itoa(i)
		form.Set("option_symbol["+idx+"]", occSymbol(leg.Option))
		form.Set("side["+idx+"]", string(leg.Side))
		form.Set("quantity["+idx+"]", strconv.Itoa(leg.Quantity))
	}

	var placed tradierOrderResponse
	path := "/accounts/" + t.accountID + "/orders"
	if err := t.postForm(ctx, path, form, &placed); err != nil {
		if IsPermanentAPIError(err) {
			return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return nil, err
	}
	orderID := placed.Order.ID
	if orderID == 0 {
		return nil, fmt.Errorf("%w: broker returned no order id", ErrOrderRejected)
	}

	if req.Type == OrderTypeMarket {
		return t.awaitTerminal(ctx, orderID, t.fillWait)
	}
	result, err := t.awaitTerminal(ctx, orderID, t.fillWait)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusExpired {
		t.cancelOrder(ctx, orderID)
	}
	return result, nil
}

func (t *TradierClient) orderTypeParam(req OrderRequest) string {
	if req.Type == OrderTypeMarket {
		return "market"
	}
	// Net debit/credit classification follows the sign convention the engine
	// uses: positive limit means the engine pays, negative means it collects.
	if req.LimitPrice < 0 {
		return "credit"
	}
	return "debit"
}

func (t *TradierClient) awaitTerminal(ctx context.Context, orderID int, wait time.Duration) (*OrderResult, error) {
	deadline := time.Now().Add(wait)
	path := fmt.Sprintf("/accounts/%s/orders/%d", t.accountID, orderID)

	for {
		var status tradierOrderResponse
		if err := t.get(ctx, path, nil, &status); err != nil {
			return nil, err
		}
		o := status.Order
		switch strings.ToLower(o.Status) {
		case "filled":
			return &OrderResult{
				ID: strconv.Itoa(orderID), Status: StatusFilled, FilledPrice: o.AvgPrice,
			}, nil
		case "rejected", "canceled", "cancelled":
			if o.ExecQty > 0 {
				return &OrderResult{
					ID: strconv.Itoa(orderID), Status: StatusPartial, FilledPrice: o.AvgPrice,
				}, nil
			}
			return &OrderResult{ID: strconv.Itoa(orderID), Status: StatusRejected}, nil
		case "expired":
			return &OrderResult{ID: strconv.Itoa(orderID), Status: StatusExpired}, nil
		}

		if time.Now().After(deadline) {
			if o.ExecQty > 0 && o.Remaining > 0 {
				return &OrderResult{
					ID: strconv.Itoa(orderID), Status: StatusPartial, FilledPrice: o.AvgPrice,
				}, nil
			}
			return &OrderResult{ID: strconv.Itoa(orderID), Status: StatusExpired}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

func (t *TradierClient) cancelOrder(ctx context.Context, orderID int) {
	path := fmt.Sprintf("/accounts/%s/orders/%d", t.accountID, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.baseURL+path, nil)
	if err != nil {
		return
	}
	// Best effort; an already-terminal order makes this a no-op broker-side.
	_ = t.do(req, nil)
}
