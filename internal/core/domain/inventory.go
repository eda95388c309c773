package domain

import (
	"fmt"
	"time"
)

// EventEntityType is the entity type carried by event tokens.
const EventEntityType = "event"

// InventoryLine is one saleable allocation of an event (a price tier, a
// section). Available = Total - Sold - Reserved must never go negative.
type InventoryLine struct {
	ID       string
	Name     string
	Total    int
	Sold     int
	Reserved int
}

func (l InventoryLine) Available() int {
	return l.Total - l.Sold - l.Reserved
}

func (l InventoryLine) Valid() bool {
	return l.Total >= 0 && l.Sold >= 0 && l.Reserved >= 0 && l.Available() >= 0
}

// Event is the inventory aggregate. It owns its lines and a single token
// covering all of them; the event row is the unit of locking.
type Event struct {
	ID        string
	Tenant    string
	Name      string
	Revision  uint64
	Token     VersionToken
	Lines     []InventoryLine
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEvent builds an event at revision zero with a freshly generated token.
func NewEvent(id, tenantID, name string, lines []InventoryLine, now time.Time) (*Event, error) {
	e := &Event{
		ID:        id,
		Tenant:    tenantID,
		Name:      name,
		Lines:     append([]InventoryLine(nil), lines...),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	token, err := GenerateToken(EventEntityType, e.ID, e.tokenState(), now)
	if err != nil {
		return nil, err
	}
	e.Token = token
	return e, nil
}

// Validate checks the aggregate invariants.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id: %w", ErrInvalidInventory)
	}
	seen := make(map[string]struct{}, len(e.Lines))
	for _, l := range e.Lines {
		if l.ID == "" {
			return fmt.Errorf("event %s: empty line id: %w", e.ID, ErrInvalidInventory)
		}
		if _, dup := seen[l.ID]; dup {
			return fmt.Errorf("event %s: duplicate line %s: %w", e.ID, l.ID, ErrInvalidInventory)
		}
		seen[l.ID] = struct{}{}
		if !l.Valid() {
			return fmt.Errorf("event %s line %s: %w", e.ID, l.ID, ErrInvalidInventory)
		}
	}
	return nil
}

// Line returns a pointer into the aggregate's lines so transitions can
// mutate them in place.
func (e *Event) Line(id string) *InventoryLine {
	for i := range e.Lines {
		if e.Lines[i].ID == id {
			return &e.Lines[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Lines = append([]InventoryLine(nil), e.Lines...)
	return &c
}

// CheckUpdate refuses a plain update that touches line counts or the line
// set. Counts change only through conditional updates.
func (e *Event) CheckUpdate(current *Event) error {
	if len(e.Lines) != len(current.Lines) {
		return fmt.Errorf("event %s: line set changed: %w", e.ID, ErrCountsImmutable)
	}
	for i, l := range e.Lines {
		c := current.Lines[i]
		if l.ID != c.ID || l.Total != c.Total || l.Sold != c.Sold || l.Reserved != c.Reserved {
			return fmt.Errorf("event %s line %s: %w", e.ID, l.ID, ErrCountsImmutable)
		}
	}
	return nil
}

func (e *Event) EntityType() string         { return EventEntityType }
func (e *Event) EntityID() string           { return e.ID }
func (e *Event) TenantID() string           { return e.Tenant }
func (e *Event) CurrentToken() VersionToken { return e.Token }

func (e *Event) UpdateToken(at time.Time) error {
	e.Revision++
	token, err := GenerateToken(EventEntityType, e.ID, e.tokenState(), at)
	if err != nil {
		e.Revision--
		return err
	}
	e.Token = token
	e.UpdatedAt = at.UTC()
	return nil
}

func (e *Event) ValidateToken(expected VersionToken) error {
	if Matches(e.Token, expected) {
		return nil
	}
	return &ConflictError{Expected: expected, Actual: e.Token}
}

type lineTokenState struct {
	ID       string `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
	Total    int    `cbor:"3,keyasint"`
	Sold     int    `cbor:"4,keyasint"`
	Reserved int    `cbor:"5,keyasint"`
}

type eventTokenState struct {
	Revision uint64           `cbor:"1,keyasint"`
	Tenant   string           `cbor:"2,keyasint"`
	Name     string           `cbor:"3,keyasint"`
	Lines    []lineTokenState `cbor:"4,keyasint"`
}

func (e *Event) tokenState() eventTokenState {
	lines := make([]lineTokenState, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = lineTokenState{ID: l.ID, Name: l.Name, Total: l.Total, Sold: l.Sold, Reserved: l.Reserved}
	}
	return eventTokenState{Revision: e.Revision, Tenant: e.Tenant, Name: e.Name, Lines: lines}
}

// LineSummary is the read-only view of one line.
type LineSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Sold      int    `json:"sold"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

// InventorySummary is a snapshot clients use to prepare a conditional update.
type InventorySummary struct {
	EventID   string        `json:"event_id"`
	Tenant    string        `json:"tenant_id"`
	Revision  uint64        `json:"revision"`
	Available int           `json:"available"`
	Sold      int           `json:"sold"`
	Reserved  int           `json:"reserved"`
	Lines     []LineSummary `json:"lines"`
	Token     VersionToken  `json:"-"`
}

func (e *Event) Summary() InventorySummary {
	s := InventorySummary{
		EventID:  e.ID,
		Tenant:   e.Tenant,
		Revision: e.Revision,
		Lines:    make([]LineSummary, 0, len(e.Lines)),
		Token:    e.Token,
	}
	for _, l := range e.Lines {
		s.Available += l.Available()
		s.Sold += l.Sold
		s.Reserved += l.Reserved
		s.Lines = append(s.Lines, LineSummary{
			ID:        l.ID,
			Name:      l.Name,
			Total:     l.Total,
			Sold:      l.Sold,
			Reserved:  l.Reserved,
			Available: l.Available(),
		})
	}
	return s
}

// Line returns the summary of one line.
func (s InventorySummary) Line(id string) (LineSummary, bool) {
	for _, l := range s.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return LineSummary{}, false
}
