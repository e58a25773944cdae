// Package spot is the Binance spot REST connector behind LIVE execution
// and exchange-sourced market data.
package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the Testnet switch when set
	RecvWindow int64  // ms
}

// Client is a Binance spot trading client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *common.SlidingWindowLimiter
	log        *logger.Entry
	now        func() time.Time
}

var _ common.Exchange = (*Client)(nil)

func New(cfg Config, log *logger.Entry) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("binance_spot")
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 1200 request weight per minute for spot
		limiter: common.NewSlidingWindowLimiter(1200, time.Minute, log),
		log:     log,
		now:     time.Now,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	BidPrice           decimal.Decimal `json:"bidPrice"`
	AskPrice           decimal.Decimal `json:"askPrice"`
	Volume             decimal.Decimal `json:"volume"`
	PriceChangePercent string          `json:"priceChangePercent"`
	CloseTime          int64           `json:"closeTime"`
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Status              string          `json:"status"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	TransactTime        int64           `json:"transactTime"`
	UpdateTime          int64           `json:"updateTime"`
	Fills               []struct {
		Price      decimal.Decimal `json:"price"`
		Qty        decimal.Decimal `json:"qty"`
		Commission decimal.Decimal `json:"commission"`
	} `json:"fills"`
}

// GetTicker returns the 24h ticker. It needs no credentials.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", params, false)
	if err != nil {
		return common.Ticker{}, err
	}
	var t ticker24h
	if err := json.Unmarshal(body, &t); err != nil {
		return common.Ticker{}, common.Wrap(common.ErrConnection, "decode ticker", err)
	}
	change, _ := strconv.ParseFloat(t.PriceChangePercent, 64)
	at := c.now()
	if t.CloseTime > 0 {
		at = time.UnixMilli(t.CloseTime)
	}
	return common.Ticker{
		Symbol:           t.Symbol,
		Last:             t.LastPrice,
		Bid:              t.BidPrice,
		Ask:              t.AskPrice,
		Volume24h:        t.Volume,
		Change24hPercent: change,
		Time:             at,
	}, nil
}

// GetBalances returns every asset with a non-zero balance.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.Wrap(common.ErrConnection, "decode account info", err)
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}

// GetBalance returns one asset; a missing asset is a zero balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	all, err := c.GetBalances(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	asset = strings.ToUpper(asset)
	for _, b := range all {
		if b.Asset == asset {
			return b, nil
		}
	}
	return common.Balance{Asset: asset}, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", req.Qty.String())
	params.Set("newOrderRespType", "FULL")
	if ordType == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return common.OrderAck{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, common.Wrap(common.ErrConnection, "decode order response", err)
	}
	ack := c.toAck(resp)
	c.log.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"order_id": ack.ExchangeOrderID,
		"status":   ack.Status,
	}).Info("📤 order submitted to Binance")
	return ack, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return err
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.do(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return common.OrderAck{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, common.Wrap(common.ErrConnection, "decode order", err)
	}
	return c.toAck(resp), nil
}

// toAck derives the average price from the quote total; commission is
// summed over the fills when the venue reports them.
func (c *Client) toAck(resp orderResponse) common.OrderAck {
	ack := common.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     resp.ExecutedQty,
		UpdatedAt:       c.now(),
	}
	if resp.ExecutedQty.IsPositive() && resp.CummulativeQuoteQty.IsPositive() {
		ack.AvgPrice = resp.CummulativeQuoteQty.Div(resp.ExecutedQty)
	}
	for _, f := range resp.Fills {
		ack.Commission = ack.Commission.Add(f.Commission)
	}
	switch {
	case resp.UpdateTime > 0:
		ack.UpdatedAt = time.UnixMilli(resp.UpdateTime)
	case resp.TransactTime > 0:
		ack.UpdatedAt = time.UnixMilli(resp.TransactTime)
	}
	return ack
}

// do performs a request. Signed requests carry timestamp, recvWindow and an
// HMAC signature. Failures are wrapped in the common error classes.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	op := method + " " + path
	if signed && (c.cfg.APIKey == "" || c.cfg.APISecret == "") {
		return nil, common.Wrap(common.ErrAuth, op, errors.New("API key/secret required"))
	}
	if err := c.limiter.Allow(); err != nil {
		return nil, common.Wrap(common.ErrRateLimited, op, err)
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	}
	encoded := params.Encode()
	if signed {
		// The signature goes last and covers everything before it.
		encoded += "&signature=" + sign(encoded, c.cfg.APISecret)
	}

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Binance expects GET/DELETE params in the query string.
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, common.Wrap(common.ErrConnection, op, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Wrap(common.ErrConnection, op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Wrap(common.ErrConnection, op, err)
	}
	if res.StatusCode >= 300 {
		return nil, classify(op, res.StatusCode, body)
	}
	return body, nil
}

func classify(op string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	detail := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return common.Wrap(common.ErrRateLimited, op, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		ae.Code == -2014 || ae.Code == -2015 || ae.Code == -1022:
		return common.Wrap(common.ErrAuth, op, detail)
	case ae.Code == -2013 || ae.Code == -2011:
		return common.Wrap(common.ErrOrderUnknown, op, detail)
	case status >= http.StatusInternalServerError:
		return common.Wrap(common.ErrConnection, op, detail)
	default:
		return common.Wrap(common.ErrRejected, op, detail)
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
