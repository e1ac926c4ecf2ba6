// Package checkout orchestrates the purchase flow: quoting a cart with
// authoritative prices, opening a payment hold, placing the order, and
// reconciling the processor's asynchronous confirmation.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knovo/storefront/internal/config"
	"github.com/knovo/storefront/internal/database"
	"github.com/knovo/storefront/internal/logging"
	"github.com/knovo/storefront/internal/metrics"
	"github.com/knovo/storefront/internal/models"
	"github.com/knovo/storefront/internal/notify"
	"github.com/knovo/storefront/internal/payment"
	"github.com/knovo/storefront/internal/pricing"
	"github.com/knovo/storefront/internal/store"
)

// ErrValidation marks malformed checkout input: an empty cart, a
// non-positive quantity, a missing address field.
var ErrValidation = errors.New("validation failure")

type Service struct {
	db            *sql.DB
	engine        *pricing.Engine
	payments      *payment.Client
	mailer        *notify.Mailer
	metrics       *metrics.CheckoutMetrics
	webhookSecret string
}

func NewService(db *sql.DB, engine *pricing.Engine, payments *payment.Client, mailer *notify.Mailer, m *metrics.CheckoutMetrics, paymentCfg config.PaymentConfig) *Service {
	return &Service{
		db:            db,
		engine:        engine,
		payments:      payments,
		mailer:        mailer,
		metrics:       m,
		webhookSecret: paymentCfg.WebhookSecret,
	}
}

type QuoteRequest struct {
	Lines  []store.LineRequest
	Region string
}

type QuoteResponse struct {
	Breakdown    pricing.Breakdown `json:"breakdown"`
	PaymentRef   string            `json:"payment_ref"`
	ClientSecret string            `json:"client_secret"`
}

// Quote prices the cart from the current product records and opens an
// authorization hold for the total. Stock is checked here so the
// customer learns about a sold-out line before paying, but the check is
// advisory; PlaceOrder repeats it under lock.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if err := validateLines(req.Lines); err != nil {
		s.countCheckout("quote", "validation_failure")
		return nil, err
	}

	priceLines, cartLines, err := s.resolveLines(ctx, req.Lines)
	if err != nil {
		s.countCheckout("quote", resultLabel(err))
		return nil, err
	}

	breakdown := s.engine.Quote(priceLines, req.Region)

	intent, err := s.payments.CreateIntent(ctx, breakdown.Total, cartLines, req.Region)
	if err != nil {
		s.countCheckout("quote", "payment_provider_error")
		return nil, err
	}

	s.countCheckout("quote", "ok")
	return &QuoteResponse{
		Breakdown:    breakdown,
		PaymentRef:   intent.ID,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// resolveLines maps cart lines onto authoritative product records,
// failing on unknown/inactive products or visibly short stock.
func (s *Service) resolveLines(ctx context.Context, lines []store.LineRequest) ([]pricing.Line, []payment.CartLine, error) {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}

	products, err := store.FetchActiveProducts(ctx, s.db, ids)
	if err != nil {
		return nil, nil, err
	}

	priceLines := make([]pricing.Line, len(lines))
	cartLines := make([]payment.CartLine, len(lines))
	for i, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("product %d: %w", line.ProductID, database.ErrProductNotFound)
		}
		if product.StockQuantity < line.Quantity {
			return nil, nil, &store.StockError{
				ProductID: product.ID,
				Name:      product.Name,
				Requested: line.Quantity,
				Available: product.StockQuantity,
			}
		}
		priceLines[i] = pricing.Line{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		}
		cartLines[i] = payment.CartLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		}
	}

	return priceLines, cartLines, nil
}

type PlaceOrderRequest struct {
	UserID     *int64
	Lines      []store.LineRequest
	Address    models.Address
	PaymentRef string
}

// PlaceOrder validates the request and runs the atomic placement. After
// commit it dispatches the confirmation emails in the background;
// failures there are logged and never affect the response.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	start := time.Now()

	if err := validateLines(req.Lines); err != nil {
		s.countCheckout("place", "validation_failure")
		return nil, err
	}
	if err := validateAddress(req.Address); err != nil {
		s.countCheckout("place", "validation_failure")
		return nil, err
	}
	if strings.TrimSpace(req.PaymentRef) == "" {
		s.countCheckout("place", "validation_failure")
		return nil, fmt.Errorf("%w: payment reference is required", ErrValidation)
	}

	order, err := store.PlaceOrder(ctx, s.db, s.engine, store.PlaceOrderRequest{
		UserID:     req.UserID,
		Lines:      req.Lines,
		Address:    req.Address,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		s.countCheckout("place", resultLabel(err))
		return nil, err
	}

	s.countCheckout("place", "ok")
	logging.Log(logging.Fields{
		Component:   "checkout",
		OrderNumber: order.OrderNumber,
		PaymentRef:  order.PaymentRef,
		Step:        "place_order",
		Status:      "committed",
		DurationMS:  time.Since(start).Milliseconds(),
	})

	go s.dispatchNotifications(order)

	return order, nil
}

func (s *Service) dispatchNotifications(order *models.Order) {
	if err := s.mailer.SendOrderConfirmation(order); err != nil {
		logging.Log(logging.Fields{
			Component:   "checkout",
			OrderNumber: order.OrderNumber,
			Step:        "confirmation_email",
			Status:      "failed",
			Error:       err.Error(),
		})
	}
	if err := s.mailer.SendSaleNotification(order); err != nil {
		logging.Log(logging.Fields{
			Component:   "checkout",
			OrderNumber: order.OrderNumber,
			Step:        "sale_notification",
			Status:      "failed",
			Error:       err.Error(),
		})
	}
}

// HandlePaymentEvent authenticates and applies a processor webhook.
// The signature is verified over the raw body before anything is
// parsed. A verified event whose payment reference matches no order is
// still acknowledged: the processor redelivers, and the order may
// simply not have committed yet.
func (s *Service) HandlePaymentEvent(ctx context.Context, body []byte, signatureHeader string) error {
	event, err := payment.ConstructEvent(body, signatureHeader, s.webhookSecret)
	if err != nil {
		s.countWebhook("unknown", "rejected")
		return err
	}

	if event.Type != payment.EventPaymentSucceeded {
		s.countWebhook(event.Type, "ignored")
		return nil
	}

	paymentRef := event.Data.Object.ID
	updated, err := store.MarkOrderPaid(ctx, s.db, paymentRef)
	if err != nil {
		s.countWebhook(event.Type, "error")
		return err
	}

	if updated == 0 {
		// Either a redelivery of an already-applied event or an
		// intent with no committed order yet.
		s.countWebhook(event.Type, "unmatched")
		logging.Log(logging.Fields{
			Component:  "webhook",
			PaymentRef: paymentRef,
			EventID:    event.ID,
			Step:       "mark_paid",
			Status:     "unmatched",
		})
		return nil
	}

	s.countWebhook(event.Type, "applied")
	logging.Log(logging.Fields{
		Component:  "webhook",
		PaymentRef: paymentRef,
		EventID:    event.ID,
		Step:       "mark_paid",
		Status:     "applied",
	})
	return nil
}

func (s *Service) countWebhook(eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

func (s *Service) countCheckout(stage, result string) {
	if s.metrics != nil {
		s.metrics.Checkouts.WithLabelValues(stage, result).Inc()
	}
}

// resultLabel folds an error into a stable metric label.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	case errors.Is(err, database.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, database.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, payment.ErrProvider):
		return "payment_provider_error"
	default:
		return "transaction_aborted"
	}
}

func validateLines(lines []store.LineRequest) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	for _, line := range lines {
		if line.ProductID <= 0 {
			return fmt.Errorf("%w: invalid product id %d", ErrValidation, line.ProductID)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be at least 1 for product %d", ErrValidation, line.ProductID)
		}
	}
	return nil
}

func validateAddress(addr models.Address) error {
	required := map[string]string{
		"first_name":  addr.FirstName,
		"last_name":   addr.LastName,
		"email":       addr.Email,
		"street":      addr.Street,
		"city":        addr.City,
		"province":    addr.Province,
		"postal_code": addr.PostalCode,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
	}
	return nil
}
