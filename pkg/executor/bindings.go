package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glowdesk/concierge/pkg/booking"
	"github.com/glowdesk/concierge/pkg/convo"
)

// Command names the generation capability may emit.
const (
	CmdSearchSlots   = "SEARCH_SLOTS"
	CmdCreateBooking = "CREATE_BOOKING"
	CmdCancelBooking = "CANCEL_BOOKING"
	CmdListServices  = "LIST_SERVICES"
)

// BookingBindings builds the binding table over a scheduling provider.
func BookingBindings(provider booking.Provider, tenant string) map[string]Binding {
	return map[string]Binding{
		CmdSearchSlots: {
			Operation: booking.OpSearchAvailability,
			Required:  []string{convo.FieldService, convo.FieldDate},
			Run: func(ctx context.Context, call Call) (interface{}, error) {
				return provider.SearchAvailability(ctx, tenant, booking.SearchRequest{
					Service: call.Params[convo.FieldService],
					Date:    call.Params[convo.FieldDate],
					Staff:   call.Params[convo.FieldStaff],
				})
			},
			Summarize: summarizeSlots,
		},

		CmdCreateBooking: {
			Operation:         booking.OpCreateReservation,
			Required:          []string{convo.FieldService, convo.FieldDate, convo.FieldTime},
			SideEffecting:     true,
			SelectionBearing:  true,
			DependsOnPrevious: true, // a booking in the same turn rides on the search before it
			Run: func(ctx context.Context, call Call) (interface{}, error) {
				req := booking.CreateRequest{
					Customer: call.Sender,
					Service:  call.Params[convo.FieldService],
					Date:     call.Params[convo.FieldDate],
					Time:     call.Params[convo.FieldTime],
					Staff:    call.Params[convo.FieldStaff],
					Notes:    call.Params["notes"],
				}

				// Read-after-write existence check: a retried attempt first
				// looks for a reservation already created under this key.
				if call.Attempt > 1 && call.IdempotencyKey != "" {
					if existing, err := provider.FindByKey(ctx, tenant, call.IdempotencyKey); err == nil && existing != nil {
						return existing, nil
					}
				}
				return provider.CreateReservation(ctx, tenant, req, call.IdempotencyKey)
			},
			Summarize: summarizeReservation,
		},

		CmdCancelBooking: {
			Operation:     booking.OpCancelReservation,
			Required:      []string{"id"},
			SideEffecting: true,
			Run: func(ctx context.Context, call Call) (interface{}, error) {
				err := provider.CancelReservation(ctx, tenant, booking.CancelRequest{
					ReservationID: call.Params["id"],
				}, call.IdempotencyKey)
				if err != nil {
					return nil, err
				}
				return call.Params["id"], nil
			},
			Summarize: func(payload interface{}) string {
				return fmt.Sprintf("Your reservation %v has been cancelled.", payload)
			},
		},

		CmdListServices: {
			Operation: booking.OpListOfferings,
			Run: func(ctx context.Context, call Call) (interface{}, error) {
				return provider.ListOfferings(ctx, tenant)
			},
			Summarize: summarizeOfferings,
		},
	}
}

// ---------------------------------------------------------------------------
// Reply fragments
// ---------------------------------------------------------------------------

func summarizeSlots(payload interface{}) string {
	slots, ok := payload.([]booking.Slot)
	if !ok || len(slots) == 0 {
		return "No openings match that request."
	}

	const maxShown = 5
	var parts []string
	for i, slot := range slots {
		if i == maxShown {
			parts = append(parts, "…")
			break
		}
		entry := slot.Start.Format("Mon 15:04")
		if slot.Staff != "" {
			entry += " with " + slot.Staff
		}
		parts = append(parts, entry)
	}
	return fmt.Sprintf("Available: %s.", strings.Join(parts, ", "))
}

func summarizeReservation(payload interface{}) string {
	res, ok := payload.(*booking.Reservation)
	if !ok {
		return "Your reservation is confirmed."
	}
	when := ""
	if !res.Start.IsZero() {
		when = " for " + res.Start.Format("Monday, Jan 2 at 15:04")
	}
	return fmt.Sprintf("Booked %s%s — confirmation %s.", res.Service, when, res.ID)
}

func summarizeOfferings(payload interface{}) string {
	offerings, ok := payload.([]booking.Offering)
	if !ok || len(offerings) == 0 {
		return "No services are listed right now."
	}
	names := make([]string, 0, len(offerings))
	for _, o := range offerings {
		name := o.Name
		if o.DurationMin > 0 {
			name += fmt.Sprintf(" (%s)", time.Duration(o.DurationMin)*time.Minute)
		}
		names = append(names, name)
	}
	return "We offer: " + strings.Join(names, ", ") + "."
}
