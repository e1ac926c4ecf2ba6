package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/knovo/storefront/internal/database"
	"github.com/knovo/storefront/internal/models"
	"github.com/knovo/storefront/internal/pricing"
)

type PlaceOrderRequest struct {
	UserID     *int64
	Lines      []LineRequest
	Address    models.Address
	PaymentRef string
}

const (
	orderNumberPrefix   = "KNV-"
	orderNumberAttempts = 3
)

const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// generateOrderNumber builds a human-readable, collision-resistant
// number: millisecond timestamp in base36 plus a random suffix. The
// unique constraint on orders.order_number is the actual guarantee;
// placement regenerates on conflict.
func generateOrderNumber() string {
	var sb strings.Builder
	sb.WriteString(orderNumberPrefix)
	sb.WriteString(strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36)))
	for i := 0; i < 3; i++ {
		sb.WriteByte(base36Alphabet[rand.Intn(len(base36Alphabet))])
	}
	return sb.String()
}

// PlaceOrder runs the whole placement as one serializable transaction:
// lock and re-validate every product, recompute the breakdown from the
// locked prices, insert the order and its items with captured unit
// prices, and decrement stock. Any failure rolls the whole thing back.
//
// The breakdown is recomputed here rather than accepted from the quote
// response so a client can never assert its own total.
func PlaceOrder(ctx context.Context, db *sql.DB, engine *pricing.Engine, req PlaceOrderRequest) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		if req.UserID != nil {
			var exists bool
			err := tx.QueryRowContext(ctx,
				"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
				*req.UserID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check user exists: %w", err)
			}
			if !exists {
				return database.ErrUserNotFound
			}
		}

		products := make([]*models.Product, len(req.Lines))
		priceLines := make([]pricing.Line, len(req.Lines))

		for i, line := range req.Lines {
			product, err := lockProduct(ctx, tx, line.ProductID)
			if err != nil {
				return err
			}
			if product.StockQuantity < line.Quantity {
				return &StockError{
					ProductID: product.ID,
					Name:      product.Name,
					Requested: line.Quantity,
					Available: product.StockQuantity,
				}
			}
			products[i] = product
			priceLines[i] = pricing.Line{
				ProductID: product.ID,
				Quantity:  line.Quantity,
				UnitPrice: product.Price,
			}
		}

		breakdown := engine.Quote(priceLines, req.Address.Province)

		orderID, orderNumber, err := insertOrder(ctx, tx, req, breakdown)
		if err != nil {
			return err
		}

		for i, line := range req.Lines {
			unitPrice := products[i].Price
			subtotal := unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, NOW())`,
				orderID, line.ProductID, line.Quantity, unitPrice, subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for i, line := range req.Lines {
			if err := decrementStock(ctx, tx, products[i], line.Quantity); err != nil {
				return err
			}
		}

		order = &models.Order{}
		if err := scanOrderRow(tx.QueryRowContext(ctx, orderSelect+" WHERE id = $1", orderID), order); err != nil {
			return fmt.Errorf("fetch created order %s: %w", orderNumber, err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, req PlaceOrderRequest, breakdown pricing.Breakdown) (int64, string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		orderNumber := generateOrderNumber()

		var orderID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, subtotal, shipping_fee, tax_amount, total,
			                     first_name, last_name, email, street, city, province, postal_code,
			                     payment_ref, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW(), 1)
			 ON CONFLICT (order_number) DO NOTHING
			 RETURNING id`,
			req.UserID, orderNumber, models.OrderStatusPending,
			breakdown.Subtotal, breakdown.ShippingFee, breakdown.TaxAmount, breakdown.Total,
			req.Address.FirstName, req.Address.LastName, req.Address.Email,
			req.Address.Street, req.Address.City, req.Address.Province, req.Address.PostalCode,
			req.PaymentRef).Scan(&orderID)
		if err == sql.ErrNoRows {
			// Number collision; regenerate and try again.
			continue
		}
		if err != nil {
			return 0, "", fmt.Errorf("create order: %w", err)
		}
		return orderID, orderNumber, nil
	}
	return 0, "", fmt.Errorf("create order: exhausted %d order number attempts", orderNumberAttempts)
}

const orderSelect = `
	SELECT id, user_id, order_number, status, subtotal, shipping_fee, tax_amount, total,
	       first_name, last_name, email, street, city, province, postal_code,
	       payment_ref, created_at, updated_at, version
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(row rowScanner, order *models.Order) error {
	var userID sql.NullInt64
	err := row.Scan(
		&order.ID,
		&userID,
		&order.OrderNumber,
		&order.Status,
		&order.Subtotal,
		&order.ShippingFee,
		&order.TaxAmount,
		&order.Total,
		&order.Address.FirstName,
		&order.Address.LastName,
		&order.Address.Email,
		&order.Address.Street,
		&order.Address.City,
		&order.Address.Province,
		&order.Address.PostalCode,
		&order.PaymentRef,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return err
	}
	if userID.Valid {
		order.UserID = &userID.Int64
	}
	return nil
}

// GetOrder returns the order with its line items. Every money field
// comes from the snapshot taken at placement; nothing is recomputed
// from the live catalog.
func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrderRow(db.QueryRowContext(ctx, orderSelect+" WHERE id = $1", id), order)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	itemsQuery := `
		SELECT id, order_id, product_id, quantity, unit_price, subtotal, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items

	return order, nil
}

// MarkOrderPaid transitions every PENDING order holding paymentRef to
// PAID. The status guard makes redelivered confirmations no-ops, so the
// caller distinguishes "applied" from "nothing matched" by the count.
func MarkOrderPaid(ctx context.Context, db *sql.DB, paymentRef string) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE payment_ref = $2 AND status = $3`,
		models.OrderStatusPaid, paymentRef, models.OrderStatusPending)
	if err != nil {
		return 0, fmt.Errorf("mark order paid: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// UpdateOrderStatus applies an admin transition after validating it
// against the status lifecycle.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, id int64, newStatus string) (*models.Order, error) {
	var order *models.Order

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE id = $1 FOR UPDATE", id).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if !models.CanTransition(current, newStatus) {
			return fmt.Errorf("%w: %s -> %s", database.ErrInvalidStatusTransition, current, newStatus)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, version = version + 1, updated_at = NOW()
			 WHERE id = $2`,
			newStatus, id)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		order = &models.Order{}
		return scanOrderRow(tx.QueryRowContext(ctx, orderSelect+" WHERE id = $1", id), order)
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// ListOrdersCursor pages a user's order history newest first.
func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := orderSelect + `
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrderRow(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
