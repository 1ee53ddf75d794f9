package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/dto"
	"github.com/prohmpiriya/booking-core/internal/service"
	"github.com/prohmpiriya/booking-core/pkg/middleware"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// BookingHandler handles booking HTTP requests
type BookingHandler struct {
	bookingService service.BookingService
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(bookingService service.BookingService) *BookingHandler {
	return &BookingHandler{bookingService: bookingService}
}

// SubmitBooking handles POST /bookings.
// Confirmed is 201, queued is 202, rejected maps the reason through handleError.
func (h *BookingHandler) SubmitBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.submit")
	defer span.End()

	userID, ok := middleware.GetUserID(c)
	if !ok {
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error: "unauthorized",
			Code:  "UNAUTHORIZED",
		})
		return
	}

	var req dto.SubmitBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("resource_id", req.ResourceID),
		attribute.String("requester_id", userID),
		attribute.Int("quantity", req.Quantity),
	)

	result, err := h.bookingService.SubmitBooking(ctx, req.ToDomain(userID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	switch result.Outcome {
	case service.OutcomeConfirmed:
		span.SetStatus(codes.Ok, "")
		c.JSON(http.StatusCreated, dto.FromSubmitResult(result))
	case service.OutcomeQueued:
		span.SetStatus(codes.Ok, "")
		c.JSON(http.StatusAccepted, dto.FromSubmitResult(result))
	default:
		span.SetStatus(codes.Error, "rejected")
		h.handleError(c, result.Reason)
	}
}

// GetBooking handles GET /bookings/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.get")
	defer span.End()

	userID, _ := middleware.GetUserID(c)
	bookingID := c.Param("id")
	span.SetAttributes(attribute.String("booking_id", bookingID))

	booking, err := h.bookingService.GetBooking(ctx, bookingID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	if booking.RequesterID != userID {
		// Hide other requesters' bookings
		h.handleError(c, domain.ErrBookingNotFound)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.FromDomain(booking))
}

// CancelBooking handles POST /bookings/:id/cancel
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.cancel")
	defer span.End()

	userID, _ := middleware.GetUserID(c)
	bookingID := c.Param("id")
	span.SetAttributes(attribute.String("booking_id", bookingID))

	if err := h.bookingService.CancelBooking(ctx, bookingID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.MessageResponse{
		ID:      bookingID,
		Status:  string(domain.BookingStatusCancelled),
		Message: "Booking cancelled and stock returned",
	})
}

// CompleteBooking handles POST /bookings/:id/complete
func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.complete")
	defer span.End()

	bookingID := c.Param("id")
	span.SetAttributes(attribute.String("booking_id", bookingID))

	if err := h.bookingService.CompleteBooking(ctx, bookingID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.MessageResponse{
		ID:     bookingID,
		Status: string(domain.BookingStatusCompleted),
	})
}

// UpdatePaymentStatus handles PUT /bookings/:id/payment
func (h *BookingHandler) UpdatePaymentStatus(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.payment")
	defer span.End()

	bookingID := c.Param("id")

	var req dto.PaymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("payment_status", req.Status),
	)

	if err := h.bookingService.UpdatePaymentStatus(ctx, bookingID, domain.PaymentStatus(req.Status)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.MessageResponse{
		ID:     bookingID,
		Status: req.Status,
	})
}

// CancelQueueEntry handles DELETE /queue/:id
func (h *BookingHandler) CancelQueueEntry(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.cancel")
	defer span.End()

	userID, _ := middleware.GetUserID(c)
	entryID := c.Param("id")
	span.SetAttributes(attribute.String("queue_entry_id", entryID))

	if err := h.bookingService.CancelQueueEntry(ctx, entryID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.Status(http.StatusNoContent)
}

// GetAvailability handles GET /resources/:id/availability?quantity=&start=&end=
func (h *BookingHandler) GetAvailability(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.resource.availability")
	defer span.End()

	resourceID := c.Param("id")

	qty := 1
	if q := c.Query("quantity"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil {
			h.invalidQuery(c, "quantity must be an integer")
			return
		}
		qty = parsed
	}

	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		h.invalidQuery(c, "start must be an RFC3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		h.invalidQuery(c, "end must be an RFC3339 timestamp")
		return
	}

	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int("quantity", qty),
	)

	avail, err := h.bookingService.GetAvailability(ctx, resourceID, qty, domain.Window{Start: start, End: end})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.AvailabilityResponse{
		ResourceID:      resourceID,
		Available:       avail.OK,
		AvailableQty:    avail.AvailableQty,
		NextAvailableAt: avail.NextAvailableAt,
	})
}

// ListTransactions handles GET /resources/:id/transactions?limit=
func (h *BookingHandler) ListTransactions(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.resource.transactions")
	defer span.End()

	resourceID := c.Param("id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTransactionLimit)))
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	txns, err := h.bookingService.ListTransactions(ctx, resourceID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.Int("count", len(txns)))
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.FromTransactions(resourceID, txns))
}

// Restock handles POST /resources/:id/batches
func (h *BookingHandler) Restock(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.resource.restock")
	defer span.End()

	resourceID := c.Param("id")

	var req dto.RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.Int("quantity", req.Quantity),
	)

	txn, err := h.bookingService.Restock(ctx, resourceID, req.Quantity, req.AcquiredAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusCreated, dto.FromTransaction(txn))
}

func (h *BookingHandler) invalidQuery(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "invalid request",
		Code:    "INVALID_REQUEST",
		Message: message,
	})
}

// handleError maps domain errors to HTTP responses
func (h *BookingHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrBookingNotFound),
		errors.Is(err, domain.ErrQueueEntryNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})
	case errors.Is(err, domain.ErrResourceNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "RESOURCE_NOT_FOUND",
		})
	case errors.Is(err, domain.ErrNotOwner):
		c.JSON(http.StatusForbidden, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "FORBIDDEN",
		})
	case errors.Is(err, domain.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_QUANTITY",
		})
	case errors.Is(err, domain.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_WINDOW",
		})
	case errors.Is(err, domain.ErrLeadTimeNotMet):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "LEAD_TIME_NOT_MET",
		})
	case errors.Is(err, domain.ErrExceedsCapacity):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "EXCEEDS_CAPACITY",
		})
	case errors.Is(err, domain.ErrInsufficientStock):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INSUFFICIENT_STOCK",
		})
	case errors.Is(err, domain.ErrSlotUnavailable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "SLOT_UNAVAILABLE",
		})
	case errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrInvalidPaymentTransition):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_TRANSITION",
		})
	case errors.Is(err, domain.ErrLockBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   err.Error(),
			Code:    "RESOURCE_BUSY",
			Message: "The resource is being modified, please retry",
		})
	case domain.IsRetryable(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "SERVICE_UNAVAILABLE",
		})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
	}
}
