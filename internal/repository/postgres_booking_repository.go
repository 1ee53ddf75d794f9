package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/database"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const bookingColumns = `
	id, resource_id, requester_id, quantity, window_start, window_end,
	delivery_start, delivery_end, status, payment_status, deduction,
	created_at, updated_at, cancelled_at
`

// PostgresBookingRepository implements BookingRepository using PostgreSQL with pgxpool
type PostgresBookingRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBookingRepository creates a new PostgresBookingRepository
func NewPostgresBookingRepository(pool *pgxpool.Pool) *PostgresBookingRepository {
	return &PostgresBookingRepository{pool: pool}
}

// Create inserts a new booking
func (r *PostgresBookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", booking.ID),
		attribute.String("resource_id", booking.ResourceID),
		attribute.Int("quantity", booking.Quantity),
	)

	deduction, err := marshalDeduction(booking.Deduction)
	if err != nil {
		return err
	}
	deliveryStart, deliveryEnd := deliveryBounds(booking.DeliveryWindow)

	query := `INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.pool.Exec(ctx, query,
		booking.ID,
		booking.ResourceID,
		booking.RequesterID,
		booking.Quantity,
		booking.Window.Start,
		booking.Window.End,
		deliveryStart,
		deliveryEnd,
		string(booking.Status),
		string(booking.PaymentStatus),
		deduction,
		booking.CreatedAt,
		booking.UpdatedAt,
		booking.CancelledAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrBookingExists
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create booking: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a booking by its ID
func (r *PostgresBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.get_by_id")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", id))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	booking, err := scanBooking(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

// Update persists status, payment status and timestamps
func (r *PostgresBookingRepository) Update(ctx context.Context, booking *domain.Booking) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.update")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", booking.ID),
		attribute.String("status", string(booking.Status)),
	)

	query := `
		UPDATE bookings
		SET status = $2, payment_status = $3, updated_at = $4, cancelled_at = $5
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		booking.ID,
		string(booking.Status),
		string(booking.PaymentStatus),
		booking.UpdatedAt,
		booking.CancelledAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return domain.ErrBookingNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListActiveInRange returns active bookings of a resource whose window intersects [from, to)
func (r *PostgresBookingRepository) ListActiveInRange(ctx context.Context, resourceID string, from, to time.Time) ([]*domain.Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.booking.list_active_in_range")
	defer span.End()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE resource_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND window_start < $3
		  AND window_end > $2`

	bookings, err := r.list(ctx, query, resourceID, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(bookings)))
	span.SetStatus(codes.Ok, "")
	return bookings, nil
}

// ListActiveDeliveriesInRange returns active bookings whose delivery window intersects [from, to)
func (r *PostgresBookingRepository) ListActiveDeliveriesInRange(ctx context.Context, from, to time.Time) ([]*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status IN ('pending', 'confirmed')
		  AND delivery_start IS NOT NULL
		  AND delivery_start < $2
		  AND delivery_end > $1`

	return r.list(ctx, query, from, to)
}

func (r *PostgresBookingRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Booking, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return bookings, nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	b := &domain.Booking{}
	var (
		status, paymentStatus      string
		deliveryStart, deliveryEnd *time.Time
		deduction                  []byte
	)

	err := row.Scan(
		&b.ID,
		&b.ResourceID,
		&b.RequesterID,
		&b.Quantity,
		&b.Window.Start,
		&b.Window.End,
		&deliveryStart,
		&deliveryEnd,
		&status,
		&paymentStatus,
		&deduction,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = domain.BookingStatus(status)
	b.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if deliveryStart != nil && deliveryEnd != nil {
		b.DeliveryWindow = &domain.Window{Start: *deliveryStart, End: *deliveryEnd}
	}
	if len(deduction) > 0 {
		b.Deduction = &domain.Deduction{}
		if err := json.Unmarshal(deduction, b.Deduction); err != nil {
			return nil, fmt.Errorf("failed to decode deduction: %w", err)
		}
	}
	return b, nil
}

func marshalDeduction(d *domain.Deduction) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deduction: %w", err)
	}
	return data, nil
}

func deliveryBounds(w *domain.Window) (*time.Time, *time.Time) {
	if w == nil {
		return nil, nil
	}
	return &w.Start, &w.End
}

var _ BookingRepository = (*PostgresBookingRepository)(nil)
