// Package payment talks to the external card processor: creating
// authorization holds at checkout and authenticating the asynchronous
// confirmation events the processor sends back.
package payment

import (
	"context"
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

	"github.com/knovo/storefront/internal/config"
)

// ErrProvider wraps any failure of the outbound processor call. The
// checkout is not retried automatically; the client re-submits.
var ErrProvider = errors.New("payment provider error")

// CartLine is the (product, quantity) pair embedded as metadata on the
// hold so a confirmation can later be audited against the cart.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Intent is the processor-side authorization hold. ClientSecret is
// handed to the browser to confirm the payment; ID is stored on the
// order as the payment reference.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type Client struct {
	apiBase   string
	secretKey string
	currency  string
	http      *http.Client
}

func NewClient(cfg config.PaymentConfig) *Client {
	return &Client{
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		secretKey: cfg.SecretKey,
		currency:  cfg.Currency,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateIntent requests an authorization hold for total, which must
// already be rounded to 2 decimals. The amount is sent in cents.
func (c *Client) CreateIntent(ctx context.Context, total decimal.Decimal, lines []CartLine, region string) (*Intent, error) {
	cart, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("encode cart metadata: %w", err)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(total.Shift(2).IntPart(), 10))
	form.Set("currency", c.currency)
	form.Set("metadata[cart]", string(cart))
	form.Set("metadata[region]", region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build intent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, fmt.Errorf("%w: incomplete intent response", ErrProvider)
	}

	return &intent, nil
}
