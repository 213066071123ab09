package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/mkessler/leapsbot/internal/models"
)

// APIError is a non-2xx response from the broker gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error %d: %s", e.Status, e.Message)
}

// RESTClient talks to the broker's REST gateway. It implements Broker.
type RESTClient struct {
	http         *resty.Client
	accountID    string
	orderTimeout time.Duration
	pollInterval time.Duration
	log          *logrus.Entry
}

// Compile-time interface compliance check.
var _ Broker = (*RESTClient)(nil)

// NewRESTClient builds a gateway client. orderTimeout bounds how long a placed
// order is awaited before its outcome is reported as pending.
func NewRESTClient(endpoint, apiKey, accountID string, orderTimeout time.Duration, log *logrus.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json").
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &RESTClient{
		http:         httpClient,
		accountID:    accountID,
		orderTimeout: orderTimeout,
		pollInterval: time.Second,
		log:          log.WithField("component", "broker"),
	}
}

type quoteResponse struct {
	Quotes []Quote `json:"quotes"`
}

// GetQuote returns the top-of-book for an equity symbol.
func (c *RESTClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", symbol).
		SetResult(&out).
		Get("/v1/marketdata/quotes")
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if len(out.Quotes) == 0 {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNoData)
	}
	return &out.Quotes[0], nil
}

// GetOptionQuote returns the top-of-book for an OCC option symbol.
func (c *RESTClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*Quote, error) {
	return c.GetQuote(ctx, optionSymbol)
}

type historyResponse struct {
	Bars []struct {
		Date  string  `json:"date"`
		Close float64 `json:"close"`
	} `json:"bars"`
}

// GetHistoricalClose returns the daily close for symbol on the given date.
func (c *RESTClient) GetHistoricalClose(ctx context.Context, symbol string, date time.Time) (float64, error) {
	var out historyResponse
	day := date.Format("2006-01-02")
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": "daily",
			"start":    day,
			"end":      day,
		}).
		SetResult(&out).
		Get("/v1/marketdata/history")
	if err != nil {
		return 0, fmt.Errorf("history %s %s: %w", symbol, day, err)
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	for _, bar := range out.Bars {
		if bar.Date == day && bar.Close > 0 {
			return bar.Close, nil
		}
	}
	return 0, fmt.Errorf("history %s %s: %w", symbol, day, ErrNoData)
}

type chainResponse struct {
	Options []struct {
		Symbol     string  `json:"symbol"`
		Underlying string  `json:"underlying"`
		Strike     float64 `json:"strike"`
		Expiration string  `json:"expiration"`
		Right      string  `json:"option_type"`
		Bid        float64 `json:"bid"`
		Ask        float64 `json:"ask"`
		Greeks     struct {
			Delta float64 `json:"delta"`
		} `json:"greeks"`
	} `json:"options"`
}

// GetOptionChain returns chain candidates with Greeks for expirations on or
// after minExpiration.
func (c *RESTClient) GetOptionChain(ctx context.Context, underlying string, minExpiration time.Time) ([]ContractCandidate, error) {
	var out chainResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"underlying":     underlying,
			"min_expiration": minExpiration.Format("2006-01-02"),
			"greeks":         "true",
		}).
		SetResult(&out).
		Get("/v1/options/chains")
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", underlying, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	candidates := make([]ContractCandidate, 0, len(out.Options))
	for _, opt := range out.Options {
		exp, err := time.Parse("2006-01-02", opt.Expiration)
		if err != nil {
			c.log.WithField("symbol", opt.Symbol).
				Warnf("skipping contract with bad expiration %q", opt.Expiration)
			continue
		}
		candidates = append(candidates, ContractCandidate{
			Symbol:     opt.Symbol,
			Underlying: opt.Underlying,
			Strike:     opt.Strike,
			Expiration: exp,
			Right:      models.OptionRight(opt.Right),
			Delta:      opt.Greeks.Delta,
			Bid:        opt.Bid,
			Ask:        opt.Ask,
		})
	}
	return candidates, nil
}

type orderResponse struct {
	Order struct {
		ID               string  `json:"id"`
		Status           string  `json:"status"`
		AvgPrice         float64 `json:"avg_fill_price"`
		FilledQuantity   int     `json:"filled_quantity"`
		ExecutedNotional float64 `json:"executed_notional"`
		Commission       float64 `json:"commission"`
		Reason           string  `json:"reject_reason"`
	} `json:"order"`
}

// PlaceOrder submits the order and waits up to the order timeout for a
// terminal status. An order still working at the deadline is reported as
// pending; the caller owns reconciliation.
func (c *RESTClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	var out orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(spec).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/accounts/%s/orders", c.accountID))
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", spec.Symbol, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.orderTimeout)
	for {
		if result, terminal := toResult(out); terminal {
			return result, nil
		}
		if time.Now().After(deadline) {
			c.log.WithField("order_id", out.Order.ID).
				Warn("order not acknowledged within timeout, treating outcome as unknown")
			return &OrderResult{State: OrderPending}, nil
		}

		select {
		case <-ctx.Done():
			return &OrderResult{State: OrderPending}, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		statusResp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get(fmt.Sprintf("/v1/accounts/%s/orders/%s", c.accountID, out.Order.ID))
		if err != nil {
			// Polling failure is not an order failure; the outcome stays unknown.
			c.log.WithField("order_id", out.Order.ID).
				Warnf("order status poll failed: %v", err)
			return &OrderResult{State: OrderPending}, nil
		}
		if err := checkStatus(statusResp); err != nil {
			c.log.WithField("order_id", out.Order.ID).
				Warnf("order status poll rejected: %v", err)
			return &OrderResult{State: OrderPending}, nil
		}
	}
}

type positionsResponse struct {
	Positions []BrokerPosition `json:"positions"`
}

// GetPositions lists current holdings for reconciliation.
func (c *RESTClient) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	var out positionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/accounts/%s/positions", c.accountID))
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func toResult(out orderResponse) (*OrderResult, bool) {
	switch out.Order.Status {
	case "filled":
		return &OrderResult{
			State:            OrderFilled,
			AvgPrice:         out.Order.AvgPrice,
			FilledQuantity:   out.Order.FilledQuantity,
			ExecutedNotional: out.Order.ExecutedNotional,
			Commission:       out.Order.Commission,
		}, true
	case "rejected", "canceled", "expired":
		return &OrderResult{State: OrderRejected, Reason: out.Order.Reason}, true
	default:
		return nil, false
	}
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &APIError{Status: resp.StatusCode(), Message: string(resp.Body())}
}
