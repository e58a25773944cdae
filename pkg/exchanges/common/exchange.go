package common

import (
	"context"
	"errors"
	"fmt"
)

// Exchange abstracts the single trading venue.
type Exchange interface {
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderAck, error)
}

// Error classes adapters wrap their failures in.
var (
	ErrConnection   = errors.New("exchange connection error")
	ErrRateLimited  = errors.New("exchange rate limited")
	ErrAuth         = errors.New("exchange authentication failed")
	ErrRejected     = errors.New("order rejected by exchange")
	ErrOrderUnknown = errors.New("unknown order")
)

// Wrap tags err with one of the error classes above.
func Wrap(class error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, class)
	}
	return fmt.Errorf("%s: %w: %w", op, class, err)
}

// IsRetryable reports transient failures: connection drops and venue
// throttling. Authentication and rejections are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRejected) {
		return false
	}
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrRateLimited)
}
