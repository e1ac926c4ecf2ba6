package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/knovo/storefront/internal/checkout"
	"github.com/knovo/storefront/internal/config"
	"github.com/knovo/storefront/internal/database"
	"github.com/knovo/storefront/internal/metrics"
	"github.com/knovo/storefront/internal/models"
	"github.com/knovo/storefront/internal/notify"
	"github.com/knovo/storefront/internal/payment"
	"github.com/knovo/storefront/internal/pricing"
	"github.com/knovo/storefront/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	engine := pricing.NewEngine(cfg.Shipping, cfg.Tax)
	payments := payment.NewClient(cfg.Payment)
	mailer := notify.NewMailer(cfg.SMTP)
	checkoutMetrics := metrics.NewCheckoutMetrics()
	svc := checkout.NewService(db, engine, payments, mailer, checkoutMetrics, cfg.Payment)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handleHealth(db))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/checkout/quote", instrument(checkoutMetrics, "checkout_quote", handleQuote(svc)))
	mux.HandleFunc("/orders", instrument(checkoutMetrics, "orders", handleOrders(db, svc)))
	mux.HandleFunc("/orders/", instrument(checkoutMetrics, "order_by_id", handleOrderByID(db)))
	mux.HandleFunc("/webhooks/payment", instrument(checkoutMetrics, "payment_webhook", handlePaymentWebhook(svc)))
	mux.HandleFunc("/products", handleProducts(db))
	mux.HandleFunc("/products/", handleProductByID(db))
	mux.HandleFunc("/users", handleUsers(db))
	mux.HandleFunc("/users/", handleUserByID(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func instrument(m *metrics.CheckoutMetrics, handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func handleHealth(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_error"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleQuote(svc *checkout.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		var req struct {
			Items  []store.LineRequest `json:"items"`
			Region string              `json:"region"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
			return
		}

		quote, err := svc.Quote(r.Context(), checkout.QuoteRequest{
			Lines:  req.Items,
			Region: req.Region,
		})
		if err != nil {
			respondCheckoutError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, quote)
	}
}

func handleOrders(db *sql.DB, svc *checkout.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Items      []store.LineRequest `json:"items"`
				UserID     *int64              `json:"user_id"`
				FirstName  string              `json:"first_name"`
				LastName   string              `json:"last_name"`
				Email      string              `json:"email"`
				Street     string              `json:"street"`
				City       string              `json:"city"`
				Province   string              `json:"province"`
				PostalCode string              `json:"postal_code"`
				PaymentRef string              `json:"payment_ref"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
				return
			}

			order, err := svc.PlaceOrder(ctx, checkout.PlaceOrderRequest{
				UserID: req.UserID,
				Lines:  req.Items,
				Address: models.Address{
					FirstName:  req.FirstName,
					LastName:   req.LastName,
					Email:      req.Email,
					Street:     req.Street,
					City:       req.City,
					Province:   req.Province,
					PostalCode: req.PostalCode,
				},
				PaymentRef: req.PaymentRef,
			})
			if err != nil {
				respondCheckoutError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, order)

		case http.MethodGet:
			userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid user_id")
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit < 1 || limit > 100 {
				limit = 20
			}

			result, err := store.ListOrdersCursor(ctx, db, userID, r.URL.Query().Get("cursor"), limit)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}
}

func handleOrderByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rest := strings.TrimPrefix(r.URL.Path, "/orders/")
		idStr, action, _ := strings.Cut(rest, "/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Invalid order ID")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			order, err := store.GetOrder(ctx, db, id)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		case action == "status" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
			var req struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
				return
			}

			order, err := store.UpdateOrderStatus(ctx, db, id, req.Status)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		default:
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}
}

// handlePaymentWebhook reads the raw body first: the signature covers
// the exact bytes the processor sent.
func handlePaymentWebhook(svc *checkout.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Unreadable body")
			return
		}

		if err := svc.HandlePaymentEvent(r.Context(), body, r.Header.Get(payment.SignatureHeader)); err != nil {
			respondCheckoutError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func handleProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				SKU         string `json:"sku"`
				Name        string `json:"name"`
				Description string `json:"description"`
				Price       string `json:"price"`
				Stock       int    `json:"stock"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
				return
			}

			price, err := decimal.NewFromString(req.Price)
			if err != nil || price.IsNegative() {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid price")
				return
			}

			product, err := store.CreateProduct(ctx, db, req.SKU, req.Name, req.Description, price, req.Stock)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, product)

		default:
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}
}

func handleProductByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := strings.TrimPrefix(r.URL.Path, "/products/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Invalid product ID")
			return
		}

		switch r.Method {
		case http.MethodGet:
			product, err := store.GetProduct(ctx, db, id)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, product)

		case http.MethodPatch:
			var req struct {
				Price   *string `json:"price"`
				Stock   *int    `json:"stock"`
				Active  *bool   `json:"active"`
				Version int     `json:"version"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
				return
			}

			var update store.ProductUpdate
			if req.Price != nil {
				price, err := decimal.NewFromString(*req.Price)
				if err != nil || price.IsNegative() {
					respondError(w, http.StatusBadRequest, "validation_failure", "Invalid price")
					return
				}
				update.Price = &price
			}
			if req.Stock != nil {
				if *req.Stock < 0 {
					respondError(w, http.StatusBadRequest, "validation_failure", "Stock must be non-negative")
					return
				}
				update.Stock = req.Stock
			}
			update.Active = req.Active

			product, err := store.UpdateProduct(ctx, db, id, update, req.Version)
			if err != nil {
				respondCheckoutError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, product)

		default:
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}
}

func handleUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		var req struct {
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Invalid request body")
			return
		}

		user, err := store.CreateUser(ctx, db, req.Email, req.FirstName, req.LastName)
		if err != nil {
			respondCheckoutError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleUserByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := strings.TrimPrefix(r.URL.Path, "/users/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_failure", "Invalid user ID")
			return
		}

		user, err := store.GetUser(ctx, db, id)
		if err != nil {
			respondCheckoutError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ProductID int64  `json:"product_id,omitempty"`
	Available int    `json:"available,omitempty"`
}

// respondCheckoutError maps the error taxonomy onto stable codes so
// clients can react per kind (e.g. highlight the low-stock line).
// Signature failures deliberately carry no detail.
func respondCheckoutError(w http.ResponseWriter, err error) {
	var stockErr *store.StockError
	switch {
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, map[string]errorBody{"error": {
			Code:      "insufficient_stock",
			Message:   stockErr.Error(),
			ProductID: stockErr.ProductID,
			Available: stockErr.Available,
		}})
	case errors.Is(err, checkout.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_failure", err.Error())
	case errors.Is(err, payment.ErrSignatureInvalid):
		respondError(w, http.StatusBadRequest, "signature_invalid", "Webhook signature verification failed")
	case errors.Is(err, payment.ErrProvider):
		respondError(w, http.StatusBadGateway, "payment_provider_error", "Payment provider request failed")
	case errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, database.ErrInvalidStatusTransition):
		respondError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, database.ErrDuplicateEmail), errors.Is(err, database.ErrDuplicateSKU):
		respondError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, database.ErrOptimisticLockFailed):
		respondError(w, http.StatusConflict, "version_conflict", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "transaction_aborted", "Order could not be processed")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
