package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/database"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PostgresInventoryRepository implements InventoryRepository using PostgreSQL with pgxpool
type PostgresInventoryRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresInventoryRepository creates a new PostgresInventoryRepository
func NewPostgresInventoryRepository(pool *pgxpool.Pool) *PostgresInventoryRepository {
	return &PostgresInventoryRepository{pool: pool}
}

// CreateResource inserts a resource
func (r *PostgresInventoryRepository) CreateResource(ctx context.Context, res *domain.Resource) error {
	query := `
		INSERT INTO resources (
			id, name, category, total_quantity, lead_time_seconds,
			delivery_required, replenishable, low_stock_threshold, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		res.ID,
		res.Name,
		string(res.Category),
		res.TotalQuantity,
		int64(res.LeadTime/time.Second),
		res.DeliveryRequired,
		res.Replenishable,
		res.LowStockThreshold,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by its ID
func (r *PostgresInventoryRepository) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.inventory.get_resource")
	defer span.End()
	span.SetAttributes(attribute.String("resource_id", id))

	query := `
		SELECT id, name, category, total_quantity, lead_time_seconds,
		       delivery_required, replenishable, low_stock_threshold, created_at, updated_at
		FROM resources
		WHERE id = $1
	`

	res := &domain.Resource{}
	var (
		category    string
		leadSeconds int64
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.Name,
		&category,
		&res.TotalQuantity,
		&leadSeconds,
		&res.DeliveryRequired,
		&res.Replenishable,
		&res.LowStockThreshold,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrResourceNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	res.Category = domain.Category(category)
	res.LeadTime = time.Duration(leadSeconds) * time.Second
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// ListBatches returns batches with stock left in FIFO order
func (r *PostgresInventoryRepository) ListBatches(ctx context.Context, resourceID string) ([]*domain.Batch, error) {
	query := `
		SELECT id, resource_id, acquired_at, quantity, remaining
		FROM inventory_batches
		WHERE resource_id = $1 AND remaining > 0
		ORDER BY acquired_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b := &domain.Batch{}
		if err := rows.Scan(&b.ID, &b.ResourceID, &b.AcquiredAt, &b.Quantity, &b.Remaining); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}
	return batches, nil
}

// Balance sums the remaining stock of a resource
func (r *PostgresInventoryRepository) Balance(ctx context.Context, resourceID string) (int, error) {
	return balance(ctx, r.pool, resourceID)
}

// AcquiredQuantity sums the original quantity of every batch of a resource
func (r *PostgresInventoryRepository) AcquiredQuantity(ctx context.Context, resourceID string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM inventory_batches WHERE resource_id = $1`,
		resourceID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum acquired quantity: %w", err)
	}
	return total, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balance(ctx context.Context, q queryRower, resourceID string) (int, error) {
	var total int
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining), 0) FROM inventory_batches WHERE resource_id = $1`,
		resourceID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return total, nil
}

// ApplyDeduction consumes the fragments and appends the transaction in one database transaction
func (r *PostgresInventoryRepository) ApplyDeduction(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.inventory.apply_deduction")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", d.ResourceID),
		attribute.String("deduction_id", d.ID),
		attribute.Int("quantity", d.Quantity),
	)

	var txn *domain.InventoryTransaction
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, f := range d.Fragments {
			tag, err := tx.Exec(ctx, `
				UPDATE inventory_batches
				SET remaining = remaining - $1
				WHERE id = $2 AND resource_id = $3 AND remaining >= $1
			`, f.Quantity, f.BatchID, d.ResourceID)
			if err != nil {
				return fmt.Errorf("failed to deduct batch %s: %w", f.BatchID, err)
			}
			if tag.RowsAffected() != 1 {
				return domain.ErrInsufficientStock
			}
		}

		fragments, err := json.Marshal(d.Fragments)
		if err != nil {
			return fmt.Errorf("failed to marshal fragments: %w", err)
		}
		txn, err = appendTransaction(ctx, tx, d.ResourceID, -d.Quantity, reason, d.ID, fragments)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientStock) {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return txn, nil
}

// GetDeduction reads a deduction back from its transaction row
func (r *PostgresInventoryRepository) GetDeduction(ctx context.Context, id string) (*domain.Deduction, error) {
	return getDeduction(ctx, r.pool, id, "")
}

func getDeduction(ctx context.Context, q queryRower, id, suffix string) (*domain.Deduction, error) {
	d := &domain.Deduction{ID: id}
	var (
		delta     int
		fragments []byte
	)
	err := q.QueryRow(ctx, `
		SELECT resource_id, delta, balance_after, fragments, created_at
		FROM inventory_transactions
		WHERE reference_id = $1 AND delta < 0
	`+suffix, id).Scan(&d.ResourceID, &delta, &d.BalanceAfter, &fragments, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeductionNotFound
		}
		return nil, fmt.Errorf("failed to get deduction: %w", err)
	}
	d.Quantity = -delta
	if len(fragments) > 0 {
		if err := json.Unmarshal(fragments, &d.Fragments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fragments: %w", err)
		}
	}
	return d, nil
}

// ApplyRestore returns the recorded fragments; the unique restore reference makes it idempotent
func (r *PostgresInventoryRepository) ApplyRestore(ctx context.Context, d *domain.Deduction, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.inventory.apply_restore")
	defer span.End()
	span.SetAttributes(attribute.String("deduction_id", d.ID))

	var txn *domain.InventoryTransaction
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		applied, err := getDeduction(ctx, tx, d.ID, " FOR UPDATE")
		if err != nil {
			return err
		}
		for _, f := range applied.Fragments {
			if _, err := tx.Exec(ctx,
				`UPDATE inventory_batches SET remaining = remaining + $1 WHERE id = $2`,
				f.Quantity, f.BatchID,
			); err != nil {
				return fmt.Errorf("failed to restore batch %s: %w", f.BatchID, err)
			}
		}

		txn, err = appendTransaction(ctx, tx, applied.ResourceID, applied.Quantity, reason, domain.RestoreReference(d.ID), nil)
		if database.IsUniqueViolation(err) {
			return domain.ErrAlreadyRestored
		}
		return err
	})
	if err != nil {
		if !domain.IsNotFoundError(err) && !errors.Is(err, domain.ErrAlreadyRestored) {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return txn, nil
}

// AddBatch inserts a batch and its transaction
func (r *PostgresInventoryRepository) AddBatch(ctx context.Context, b *domain.Batch, reason domain.TransactionReason) (*domain.InventoryTransaction, error) {
	var txn *domain.InventoryTransaction
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO inventory_batches (id, resource_id, acquired_at, quantity, remaining)
			VALUES ($1, $2, $3, $4, $5)
		`, b.ID, b.ResourceID, b.AcquiredAt, b.Quantity, b.Remaining); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		var err error
		txn, err = appendTransaction(ctx, tx, b.ResourceID, b.Quantity, reason, b.ID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns the newest transactions first
func (r *PostgresInventoryRepository) ListTransactions(ctx context.Context, resourceID string, limit int) ([]*domain.InventoryTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, resource_id, delta, reason, balance_after, reference_id, created_at
		FROM inventory_transactions
		WHERE resource_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.InventoryTransaction
	for rows.Next() {
		t := &domain.InventoryTransaction{}
		var reason string
		if err := rows.Scan(&t.ID, &t.ResourceID, &t.Delta, &reason, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Reason = domain.TransactionReason(reason)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txns, nil
}

func appendTransaction(ctx context.Context, tx pgx.Tx, resourceID string, delta int, reason domain.TransactionReason, ref string, fragments []byte) (*domain.InventoryTransaction, error) {
	after, err := balance(ctx, tx, resourceID)
	if err != nil {
		return nil, err
	}

	txn := &domain.InventoryTransaction{
		ID:           uuid.New().String(),
		ResourceID:   resourceID,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: after,
		ReferenceID:  ref,
		CreatedAt:    time.Now(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_transactions (id, resource_id, delta, reason, balance_after, reference_id, fragments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, txn.ResourceID, txn.Delta, string(txn.Reason), txn.BalanceAfter, txn.ReferenceID, fragments, txn.CreatedAt)
	if err != nil {
		// unique violations are classified by the caller
		if database.IsUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return txn, nil
}

var _ InventoryRepository = (*PostgresInventoryRepository)(nil)
