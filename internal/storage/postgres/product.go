package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

const getProductsByIDsSQL = `SELECT id, name, price, stock_quantity, stock_reserved
	FROM products WHERE id = ANY($1) ORDER BY id`

// Stock never drops below what pending orders already hold.
const upsertProductSQL = `INSERT INTO products (id, name, description, price, stock_quantity)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		price = EXCLUDED.price,
		stock_quantity = GREATEST(EXCLUDED.stock_quantity, products.stock_reserved),
		updated_at = now()`

const syncProductSequenceSQL = `SELECT setval(pg_get_serial_sequence('products', 'id'),
	GREATEST((SELECT COALESCE(MAX(id), 0) FROM products), 1))`

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ cart.Catalog       = (*ProductRepository)(nil)
)

// ProductRepository reads catalog prices and stock counters.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByIDs returns products matching any of the given IDs. Missing IDs are
// skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Prices returns the current price of each existing product.
func (r *ProductRepository) Prices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error) {
	products, err := r.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]decimal.Decimal, len(products))
	for _, p := range products {
		out[p.ID] = p.Price
	}
	return out, nil
}

// Upsert writes a catalog entry under its own id and moves the id sequence
// past it.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product, description string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProductSQL, p.ID, p.Name, description, p.Price, p.StockQuantity); err != nil {
			return errors.Wrapf(err, "upsert product %d", p.ID)
		}
		if _, err := tx.Exec(ctx, syncProductSequenceSQL); err != nil {
			return errors.Wrap(err, "sync product sequence")
		}
		return nil
	})
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.StockQuantity, &p.StockReserved)
	return p, err
}
