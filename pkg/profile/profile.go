// Package profile persists long-lived sender profiles in the relational
// store. Profiles are read-mostly from the pipeline's point of view; writes
// come from back-office sync and from reservation completions.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
)

// ErrNotFound is returned when no profile exists for a sender.
var ErrNotFound = errors.New("profile not found")

// Profile is the persistent record for one sender.
type Profile struct {
	Sender       domain.Sender     `json:"sender"`
	DisplayName  string            `json:"display_name,omitempty"`
	VisitSummary string            `json:"visit_summary,omitempty"`
	Preferences  map[string]string `json:"preferences,omitempty"`
	VisitCount   int               `json:"visit_count"`
	LastVisitAt  time.Time         `json:"last_visit_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store is the relational profile lookup used by the context manager.
type Store interface {
	// Find returns the profile for sender, or ErrNotFound.
	Find(ctx context.Context, sender domain.Sender) (*Profile, error)
	// Upsert creates or replaces the profile for its sender.
	Upsert(ctx context.Context, p *Profile) error
}
