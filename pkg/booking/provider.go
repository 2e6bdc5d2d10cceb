// Package booking defines the external scheduling provider boundary. Slot
// computation, pricing and calendar logic live behind this interface; the
// pipeline only invokes named operations on it.
package booking

import (
	"context"
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
)

// Operation IDs, used as circuit-breaker keys and binding targets.
const (
	OpSearchAvailability = "booking.search_availability"
	OpCreateReservation  = "booking.create_reservation"
	OpCancelReservation  = "booking.cancel_reservation"
	OpListOfferings      = "booking.list_offerings"
)

// Offering is one bookable service.
type Offering struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DurationMin int    `json:"duration_min"`
	Price       string `json:"price,omitempty"`
}

// Slot is one open availability window.
type Slot struct {
	Service string    `json:"service"`
	Staff   string    `json:"staff,omitempty"`
	Start   time.Time `json:"start"`
}

// Reservation is a confirmed or cancelled booking.
type Reservation struct {
	ID       string        `json:"id"`
	Customer domain.Sender `json:"customer"`
	Service  string        `json:"service"`
	Staff    string        `json:"staff,omitempty"`
	Start    time.Time     `json:"start"`
	Status   string        `json:"status"` // confirmed | cancelled
}

// SearchRequest narrows an availability search.
type SearchRequest struct {
	Service string `json:"service"`
	Date    string `json:"date"`
	Staff   string `json:"staff,omitempty"`
}

// CreateRequest books a slot.
type CreateRequest struct {
	Customer domain.Sender `json:"customer"`
	Service  string        `json:"service"`
	Date     string        `json:"date"`
	Time     string        `json:"time"`
	Staff    string        `json:"staff,omitempty"`
	Notes    string        `json:"notes,omitempty"`
}

// CancelRequest cancels an existing reservation.
type CancelRequest struct {
	ReservationID string `json:"reservation_id"`
}

// Provider is the external scheduling/booking service. Side-effecting
// operations accept a deterministic idempotency key; providers that cannot
// honor it are wrapped by the existence-check fallback in FindByKey.
type Provider interface {
	SearchAvailability(ctx context.Context, tenant string, req SearchRequest) ([]Slot, error)
	CreateReservation(ctx context.Context, tenant string, req CreateRequest, idempotencyKey string) (*Reservation, error)
	CancelReservation(ctx context.Context, tenant string, req CancelRequest, idempotencyKey string) error
	ListOfferings(ctx context.Context, tenant string) ([]Offering, error)

	// FindByKey returns the reservation previously created under the given
	// idempotency key, or nil if none exists. Used as the read-after-write
	// existence check before retrying an ambiguous creation.
	FindByKey(ctx context.Context, tenant, idempotencyKey string) (*Reservation, error)

	// ListUpcoming returns confirmed reservations starting within the
	// window. Consumed by the reminder scheduler.
	ListUpcoming(ctx context.Context, tenant string, within time.Duration) ([]Reservation, error)
}
