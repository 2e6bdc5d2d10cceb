// Package convo assembles the layered conversation context. Each layer
// expires independently; the manager is the only component that touches the
// layer stores, and Resolve is the single place where layer precedence
// lives.
package convo

import (
	"time"

	"github.com/glowdesk/concierge/pkg/domain"
	"github.com/glowdesk/concierge/pkg/profile"
)

// Layer names, in precedence order (highest first).
type Layer string

const (
	LayerSelection Layer = "selection"
	LayerEphemeral Layer = "ephemeral"
	LayerDialog    Layer = "dialog"
	LayerProfile   Layer = "profile"
)

// Well-known field keys resolved across layers.
const (
	FieldService = "service"
	FieldDate    = "date"
	FieldTime    = "time"
	FieldStaff   = "staff"
)

// Fields is one layer's contribution to the resolved view. Empty values are
// treated as absent.
type Fields map[string]string

// ---------------------------------------------------------------------------
// Layers
// ---------------------------------------------------------------------------

// Selection holds the last explicitly confirmed booking parameters. It is
// written only after a successful selection-bearing command, and always as
// a full overwrite — staleness is not tolerated here.
type Selection struct {
	Service     string    `json:"service,omitempty"`
	Date        string    `json:"date,omitempty"`
	Time        string    `json:"time,omitempty"`
	Staff       string    `json:"staff,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Fields returns the selection's contribution to the resolved view.
func (s *Selection) Fields() Fields {
	if s == nil {
		return nil
	}
	return Fields{
		FieldService: s.Service,
		FieldDate:    s.Date,
		FieldTime:    s.Time,
		FieldStaff:   s.Staff,
	}
}

// Ephemeral holds short-lived turn state: the last question the bot asked
// and entities mentioned in the last few turns.
type Ephemeral struct {
	LastQuestion string `json:"last_question,omitempty"`
	Service      string `json:"service,omitempty"`
	Date         string `json:"date,omitempty"`
	Time         string `json:"time,omitempty"`
	Staff        string `json:"staff,omitempty"`
}

// Fields returns the ephemeral layer's contribution to the resolved view.
func (e *Ephemeral) Fields() Fields {
	if e == nil {
		return nil
	}
	return Fields{
		FieldService: e.Service,
		FieldDate:    e.Date,
		FieldTime:    e.Time,
		FieldStaff:   e.Staff,
	}
}

// DialogTurn is one sender/bot text pair element in the rolling window.
type DialogTurn struct {
	Role domain.MessageRole `json:"role"`
	Text string             `json:"text"`
	At   time.Time          `json:"at"`
}

// Dialog is the rolling window of recent turns plus entities gleaned from
// them.
type Dialog struct {
	Turns     []DialogTurn `json:"turns"`
	Mentioned Fields       `json:"mentioned,omitempty"`
}

// Fields returns the dialog layer's contribution to the resolved view.
func (d *Dialog) Fields() Fields {
	if d == nil {
		return nil
	}
	return d.Mentioned
}

// profileFields maps profile preferences into resolvable fields.
func profileFields(p *profile.Profile) Fields {
	if p == nil {
		return nil
	}
	f := Fields{}
	for k, v := range p.Preferences {
		f[k] = v
	}
	return f
}

// ---------------------------------------------------------------------------
// ConversationContext
// ---------------------------------------------------------------------------

// ConversationContext is the layered state loaded for one turn. Any layer
// may be nil; absent means "no information", never an error.
type ConversationContext struct {
	Sender    domain.Sender
	Selection *Selection
	Ephemeral *Ephemeral
	Dialog    *Dialog
	Profile   *profile.Profile
}

// Resolved merges the layers into one field view using the fixed precedence
// Selection > Ephemeral > Dialog > Profile. Pure and side-effect-free.
func (c *ConversationContext) Resolved() Fields {
	return Resolve(
		c.Selection.Fields(),
		c.Ephemeral.Fields(),
		c.Dialog.Fields(),
		profileFields(c.Profile),
	)
}

// Resolve merges layer field sets in precedence order: for each key, the
// first layer carrying a non-empty value wins.
func Resolve(layers ...Fields) Fields {
	out := Fields{}
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i] {
			if v != "" {
				out[k] = v
			}
		}
	}
	return out
}
