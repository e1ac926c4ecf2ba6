package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/knovo/storefront/internal/checkout"
	"github.com/knovo/storefront/internal/config"
	"github.com/knovo/storefront/internal/models"
	"github.com/knovo/storefront/internal/notify"
	"github.com/knovo/storefront/internal/payment"
	"github.com/knovo/storefront/internal/store"
)

const testWebhookSecret = "whsec_integration"

func testCheckoutService(db *sql.DB, apiBase string) *checkout.Service {
	paymentCfg := config.PaymentConfig{
		APIBase:       apiBase,
		SecretKey:     "sk_test_integration",
		WebhookSecret: testWebhookSecret,
		Currency:      "cad",
	}
	return checkout.NewService(
		db,
		testPricingEngine(),
		payment.NewClient(paymentCfg),
		notify.NewMailer(config.SMTPConfig{}),
		nil,
		paymentCfg,
	)
}

func succeededEvent(t *testing.T, paymentRef string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + paymentRef,
		"type": payment.EventPaymentSucceeded,
		"data": map[string]any{"object": map[string]any{"id": paymentRef}},
	})
	if err != nil {
		t.Fatalf("Marshal event: %v", err)
	}
	return body, payment.Sign(body, testWebhookSecret, time.Now())
}

func TestQuoteCreatesPaymentIntent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product, err := store.CreateProduct(ctx, db, "TEST-CHK-001", "Quoted Product", "Test", decimal.RequireFromString("50.00"), 5)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	var gotAmount, gotCurrency, gotCart string
	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("Parse form: %v", err)
		}
		gotAmount = r.PostForm.Get("amount")
		gotCurrency = r.PostForm.Get("currency")
		gotCart = r.PostForm.Get("metadata[cart]")
		fmt.Fprint(w, `{"id":"pi_quote_1","client_secret":"cs_quote_1","status":"requires_payment_method"}`)
	}))
	defer processor.Close()

	svc := testCheckoutService(db, processor.URL)

	quote, err := svc.Quote(ctx, checkout.QuoteRequest{
		Lines:  []store.LineRequest{{ProductID: product.ID, Quantity: 2}},
		Region: "ON",
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if got := quote.Breakdown.Total.StringFixed(2); got != "125.99" {
		t.Errorf("Expected total 125.99, got %s", got)
	}
	if quote.PaymentRef != "pi_quote_1" || quote.ClientSecret != "cs_quote_1" {
		t.Errorf("Unexpected intent fields: %s / %s", quote.PaymentRef, quote.ClientSecret)
	}
	if gotAmount != "12599" {
		t.Errorf("Expected amount in cents 12599, got %s", gotAmount)
	}
	if gotCurrency != "cad" {
		t.Errorf("Expected currency cad, got %s", gotCurrency)
	}
	expectedCart := fmt.Sprintf(`[{"product_id":%d,"quantity":2}]`, product.ID)
	if gotCart != expectedCart {
		t.Errorf("Expected cart metadata %s, got %s", expectedCart, gotCart)
	}
}

func TestQuoteProviderFailure(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product, err := store.CreateProduct(ctx, db, "TEST-CHK-002", "Unpayable Product", "Test", decimal.RequireFromString("50.00"), 5)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer processor.Close()

	svc := testCheckoutService(db, processor.URL)

	_, err = svc.Quote(ctx, checkout.QuoteRequest{
		Lines:  []store.LineRequest{{ProductID: product.ID, Quantity: 1}},
		Region: "ON",
	})
	if !errors.Is(err, payment.ErrProvider) {
		t.Errorf("Expected payment provider error, got: %v", err)
	}
}

func TestQuoteEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	svc := testCheckoutService(db, "http://unused.invalid")

	_, err := svc.Quote(context.Background(), checkout.QuoteRequest{Region: "ON"})
	if !errors.Is(err, checkout.ErrValidation) {
		t.Errorf("Expected validation failure for empty cart, got: %v", err)
	}
}

func placeTestOrder(t *testing.T, db *sql.DB, svc *checkout.Service, sku, paymentRef string) *models.Order {
	t.Helper()
	ctx := context.Background()

	product, err := store.CreateProduct(ctx, db, sku, "Webhook Product "+sku, "Test", decimal.RequireFromString("30.00"), 10)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	order, err := svc.PlaceOrder(ctx, checkout.PlaceOrderRequest{
		Lines:      []store.LineRequest{{ProductID: product.ID, Quantity: 1}},
		Address:    testAddress("ON"),
		PaymentRef: paymentRef,
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	return order
}

func TestWebhookMarksOrderPaidExactlyOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := testCheckoutService(db, "http://unused.invalid")

	order := placeTestOrder(t, db, svc, "TEST-WH-001", "pi_wh_1")

	body, header := succeededEvent(t, "pi_wh_1")

	if err := svc.HandlePaymentEvent(ctx, body, header); err != nil {
		t.Fatalf("First delivery: %v", err)
	}

	paid, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if paid.Status != models.OrderStatusPaid {
		t.Fatalf("Expected PAID after delivery, got %s", paid.Status)
	}
	versionAfterFirst := paid.Version

	// Processors redeliver; the second application must be a no-op.
	if err := svc.HandlePaymentEvent(ctx, body, header); err != nil {
		t.Fatalf("Redelivery: %v", err)
	}

	again, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if again.Status != models.OrderStatusPaid {
		t.Errorf("Expected PAID after redelivery, got %s", again.Status)
	}
	if again.Version != versionAfterFirst {
		t.Errorf("Redelivery must not touch the row: version %d -> %d", versionAfterFirst, again.Version)
	}
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := testCheckoutService(db, "http://unused.invalid")

	order := placeTestOrder(t, db, svc, "TEST-WH-002", "pi_wh_2")

	body, _ := succeededEvent(t, "pi_wh_2")
	forged := payment.Sign(body, "whsec_wrong", time.Now())

	err := svc.HandlePaymentEvent(ctx, body, forged)
	if !errors.Is(err, payment.ErrSignatureInvalid) {
		t.Fatalf("Expected signature rejection, got: %v", err)
	}

	unchanged, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if unchanged.Status != models.OrderStatusPending {
		t.Errorf("Rejected event must not change status, got %s", unchanged.Status)
	}
}

func TestWebhookUnmatchedReferenceAccepted(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	svc := testCheckoutService(db, "http://unused.invalid")

	body, header := succeededEvent(t, "pi_wh_nobody")

	// The intent may belong to an abandoned checkout or an order that
	// has not committed yet; the delivery is acknowledged either way.
	if err := svc.HandlePaymentEvent(context.Background(), body, header); err != nil {
		t.Errorf("Unmatched reference should be accepted, got: %v", err)
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := testCheckoutService(db, "http://unused.invalid")

	order := placeTestOrder(t, db, svc, "TEST-WH-003", "pi_wh_3")

	body, err := json.Marshal(map[string]any{
		"id":   "evt_created",
		"type": "payment_intent.created",
		"data": map[string]any{"object": map[string]any{"id": "pi_wh_3"}},
	})
	if err != nil {
		t.Fatalf("Marshal event: %v", err)
	}
	header := payment.Sign(body, testWebhookSecret, time.Now())

	if err := svc.HandlePaymentEvent(ctx, body, header); err != nil {
		t.Fatalf("Handle event: %v", err)
	}

	unchanged, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if unchanged.Status != models.OrderStatusPending {
		t.Errorf("Non-success event must not change status, got %s", unchanged.Status)
	}
}
