package spot

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doge-trader/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, nil)
}

func TestGetTicker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "DOGEEUR", r.URL.Query().Get("symbol"))
		assert.Empty(t, r.URL.Query().Get("signature"))
		_, _ = io.WriteString(w, `{"symbol":"DOGEEUR","lastPrice":"0.1234","bidPrice":"0.1233","askPrice":"0.1235","volume":"1500000","priceChangePercent":"-2.5","closeTime":1700000000000}`)
	})

	tk, err := c.GetTicker(context.Background(), "dogeeur")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.1234").Equal(tk.Last))
	assert.True(t, decimal.RequireFromString("0.1233").Equal(tk.Bid))
	assert.True(t, decimal.RequireFromString("1500000").Equal(tk.Volume24h))
	assert.InDelta(t, -2.5, tk.Change24hPercent, 1e-9)
	assert.Equal(t, int64(1700000000000), tk.Time.UnixMilli())
}

func TestCreateOrderSignsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		idx := strings.LastIndex(body, "&signature=")
		if !assert.Greater(t, idx, 0) {
			return
		}
		assert.Equal(t, sign(body[:idx], "secret"), body[idx+len("&signature="):])
		assert.Contains(t, body, "type=MARKET")
		assert.Contains(t, body, "newClientOrderId=cid-1")
		_, _ = io.WriteString(w, `{"symbol":"DOGEEUR","orderId":42,"clientOrderId":"cid-1","status":"FILLED","executedQty":"100","cummulativeQuoteQty":"12.5","transactTime":1700000000000,
			"fills":[{"price":"0.125","qty":"60","commission":"0.01"},{"price":"0.125","qty":"40","commission":"0.005"}]}`)
	})

	ack, err := c.CreateOrder(context.Background(), common.OrderRequest{
		Symbol:   "DOGEEUR",
		Side:     common.SideBuy,
		Type:     common.OrderTypeMarket,
		Qty:      decimal.NewFromInt(100),
		ClientID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ack.ExchangeOrderID)
	assert.Equal(t, common.StatusFilled, ack.Status)
	assert.True(t, decimal.RequireFromString("0.125").Equal(ack.AvgPrice))
	assert.True(t, decimal.RequireFromString("0.015").Equal(ack.Commission))
}

func TestGetBalancesSkipsEmptyAssets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		_, _ = io.WriteString(w, `{"canTrade":true,"balances":[{"asset":"EUR","free":"250.5","locked":"10"},{"asset":"BTC","free":"0","locked":"0"},{"asset":"DOGE","free":"1000","locked":"0"}]}`)
	})

	all, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, decimal.RequireFromString("260.5").Equal(all[0].Total()))

	btc, err := c.GetBalance(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, "BTC", btc.Asset)
	assert.True(t, btc.Total().IsZero())
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"throttled", http.StatusTooManyRequests, `{"code":-1003,"msg":"too many requests"}`, common.ErrRateLimited},
		{"bad key", http.StatusBadRequest, `{"code":-2015,"msg":"invalid api key"}`, common.ErrAuth},
		{"unknown order", http.StatusBadRequest, `{"code":-2013,"msg":"order does not exist"}`, common.ErrOrderUnknown},
		{"insufficient funds", http.StatusBadRequest, `{"code":-2010,"msg":"insufficient balance"}`, common.ErrRejected},
		{"venue down", http.StatusBadGateway, `bad gateway`, common.ErrConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.GetOrderStatus(context.Background(), "DOGEEUR", "42")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSignedCallsNeedCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	err := c.CancelOrder(context.Background(), "DOGEEUR", "1")
	assert.ErrorIs(t, err, common.ErrAuth)
	assert.False(t, common.IsRetryable(err))
}
