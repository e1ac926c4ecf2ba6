package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/knovo/storefront/internal/database"
	"github.com/knovo/storefront/internal/models"
)

// LineRequest is a client-supplied cart line. Prices never travel with
// it; they are always resolved from the product table.
type LineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// StockError reports which product cannot cover the requested quantity
// so the client can re-render the cart with the offending line marked.
type StockError struct {
	ProductID int64
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, available %d",
		e.ProductID, e.Name, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return database.ErrInsufficientStock
}

func CreateProduct(ctx context.Context, db *sql.DB, sku, name, description string, price decimal.Decimal, stock int) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (sku, name, description, price, stock_quantity, active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW(), 1)
		RETURNING id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query, sku, name, description, price, stock).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "products_sku_key") {
			return nil, database.ErrDuplicateSKU
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version
		FROM products
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// ProductUpdate carries the admin-editable fields. Nil means unchanged.
type ProductUpdate struct {
	Price  *decimal.Decimal
	Stock  *int
	Active *bool
}

// UpdateProduct applies an admin edit with optimistic locking on the
// version column. Existing order items keep their captured unit price;
// a price change here never rewrites history.
func UpdateProduct(ctx context.Context, db *sql.DB, id int64, update ProductUpdate, version int) (*models.Product, error) {
	product := &models.Product{}

	query := `
		UPDATE products
		SET price = COALESCE($1, price),
		    stock_quantity = COALESCE($2, stock_quantity),
		    active = COALESCE($3, active),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query,
		decimalOrNil(update.Price), intOrNil(update.Stock), boolOrNil(update.Active), id, version).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			if _, getErr := GetProduct(ctx, db, id); getErr != nil {
				return nil, getErr
			}
			return nil, database.ErrOptimisticLockFailed
		}
		return nil, fmt.Errorf("update product: %w", err)
	}

	return product, nil
}

func decimalOrNil(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

func intOrNil(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func boolOrNil(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

// FetchActiveProducts resolves the requested ids to current active
// product rows. This read is advisory: prices feed the quote, but stock
// is re-checked under lock at placement time.
func FetchActiveProducts(ctx context.Context, db *sql.DB, ids []int64) (map[int64]*models.Product, error) {
	query := `
		SELECT id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version
		FROM products
		WHERE id = ANY($1) AND active = TRUE`

	rows, err := db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*models.Product, len(ids))
	for rows.Next() {
		product := &models.Product{}
		err := rows.Scan(
			&product.ID,
			&product.SKU,
			&product.Name,
			&product.Description,
			&product.Price,
			&product.StockQuantity,
			&product.Active,
			&product.CreatedAt,
			&product.UpdatedAt,
			&product.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[product.ID] = product
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// lockProduct fetches an active product row under FOR UPDATE so the
// stock check and the later decrement see a consistent value across
// concurrent placements.
func lockProduct(ctx context.Context, tx *sql.Tx, productID int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, sku, name, description, price, stock_quantity, active, created_at, updated_at, version
		FROM products
		WHERE id = $1 AND active = TRUE
		FOR UPDATE`

	err := tx.QueryRowContext(ctx, query, productID).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product %d: %w", productID, err)
	}

	return product, nil
}

// decrementStock reduces stock by quantity, guarded so the row can
// never go negative even if the earlier check raced.
func decrementStock(ctx context.Context, tx *sql.Tx, product *models.Product, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, product.ID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return &StockError{
			ProductID: product.ID,
			Name:      product.Name,
			Requested: quantity,
			Available: product.StockQuantity,
		}
	}

	return nil
}
