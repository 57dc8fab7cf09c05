package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `id, code, description, discount_type, value, min_order_amount,
		max_discount_amount, usage_limit, usage_count, active, expires_at, created_at`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	getCouponForUpdateSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1 FOR UPDATE`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY code`

	listActiveCodesSQL = `SELECT code FROM coupons WHERE active = TRUE`

	insertCouponSQL = `INSERT INTO coupons (code, description, discount_type, value, min_order_amount,
		max_discount_amount, usage_limit, usage_count, active, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id, created_at`

	updateCouponSQL = `UPDATE coupons SET description = $2, value = $3, min_order_amount = $4,
		max_discount_amount = $5, usage_limit = $6, active = $7, expires_at = $8
	WHERE code = $1`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (order_id, coupon_code) VALUES ($1, $2)
	ON CONFLICT (order_id) DO NOTHING`

	incrementUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1
	WHERE code = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`

	couponCodeConstraint = "coupons_code_key"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code. Inactive coupons are
// returned too; the evaluator rejects them.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &rule, nil
}

// CommitUsage records the redemption and bumps the counter in one
// transaction. The redemption row makes the call idempotent per order; the
// conditional update enforces the usage limit under concurrency.
func (r *CouponRepository) CommitUsage(ctx context.Context, code string, orderID int64) (bool, error) {
	var committed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertRedemptionSQL, orderID, code)
		if err != nil {
			return errors.Wrap(err, "insert redemption")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx, incrementUsageSQL, code)
		if err != nil {
			return errors.Wrap(err, "increment usage")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`, code).Scan(&exists); err != nil {
				return errors.Wrap(err, "check coupon")
			}
			if !exists {
				return coupon.ErrNotFound
			}
			return coupon.ErrUsageLimitReached
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

// Create inserts rule and fills its ID and creation time.
func (r *CouponRepository) Create(ctx context.Context, rule *coupon.Rule) error {
	err := r.pool.QueryRow(ctx, insertCouponSQL,
		rule.Code, rule.Description, string(rule.DiscountType), rule.Value, rule.MinOrderAmount,
		rule.MaxDiscount, rule.UsageLimit, rule.UsageCount, rule.Active, rule.ExpiresAt,
	).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		if violates(err, couponCodeConstraint) {
			return coupon.ErrCodeTaken
		}
		return errors.Wrapf(err, "create coupon %q", rule.Code)
	}
	return nil
}

// Update applies upd to the coupon under a row lock and returns the result.
func (r *CouponRepository) Update(ctx context.Context, code string, upd coupon.Update) (*coupon.Rule, error) {
	var out coupon.Rule
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, getCouponForUpdateSQL, code)
		if err != nil {
			return errors.Wrap(err, "lock coupon")
		}
		rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return coupon.ErrNotFound
			}
			return errors.Wrap(err, "lock coupon")
		}

		upd.ApplyTo(&rule)
		if err := rule.Validate(); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updateCouponSQL, code,
			rule.Description, rule.Value, rule.MinOrderAmount, rule.MaxDiscount,
			rule.UsageLimit, rule.Active, rule.ExpiresAt,
		); err != nil {
			return errors.Wrap(err, "update coupon")
		}
		out = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns all coupons ordered by code.
func (r *CouponRepository) List(ctx context.Context) ([]coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return pgx.CollectRows(rows, scanCouponRule)
}

// ListCodes returns the codes of all active coupons.
func (r *CouponRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listActiveCodesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list coupon codes")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		rule         coupon.Rule
		discountType string
		usageLimit   *int32
	)
	err := row.Scan(
		&rule.ID, &rule.Code, &rule.Description, &discountType, &rule.Value, &rule.MinOrderAmount,
		&rule.MaxDiscount, &usageLimit, &rule.UsageCount, &rule.Active, &rule.ExpiresAt, &rule.CreatedAt,
	)
	if err != nil {
		return rule, err
	}
	rule.DiscountType = coupon.DiscountType(discountType)
	if usageLimit != nil {
		limit := int(*usageLimit)
		rule.UsageLimit = &limit
	}
	return rule, nil
}
