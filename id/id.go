// Package id defines TypeID-based identifiers for every entitle entity.
//
// An ID is a prefix plus a UUIDv7 suffix ("plan_01h2xcejqtf2nbrexx3vqjhp41"),
// so IDs sort by creation time and carry their entity kind with them.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity kind encoded in a TypeID.
type Prefix string

const (
	PrefixPlan         Prefix = "plan" // catalog plan
	PrefixPlanVersion  Prefix = "pver" // immutable published plan version
	PrefixAssignment   Prefix = "asg"  // tenant to plan-version pin
	PrefixOverride     Prefix = "ovr"  // per-tenant override
	PrefixSubscription Prefix = "sub"  // external subscription mirror
	PrefixUsageEvent   Prefix = "uevt" // metered usage record
	PrefixCreditTx     Prefix = "ctx"  // credit ledger transaction
	PrefixEvent        Prefix = "evt"  // lifecycle event
)

// ID is the identifier type shared by all entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. It panics on an invalid prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string of any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and requires the given prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Aliases
// ──────────────────────────────────────────────────

type (
	PlanID         = ID
	PlanVersionID  = ID
	AssignmentID   = ID
	OverrideID     = ID
	SubscriptionID = ID
	UsageEventID   = ID
	CreditTxID     = ID
	EventID        = ID
)

// ──────────────────────────────────────────────────
// Constructors and parsers
// ──────────────────────────────────────────────────

func NewPlanID() ID         { return New(PrefixPlan) }
func NewPlanVersionID() ID  { return New(PrefixPlanVersion) }
func NewAssignmentID() ID   { return New(PrefixAssignment) }
func NewOverrideID() ID     { return New(PrefixOverride) }
func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewUsageEventID() ID   { return New(PrefixUsageEvent) }
func NewCreditTxID() ID     { return New(PrefixCreditTx) }
func NewEventID() ID        { return New(PrefixEvent) }

func ParsePlanID(s string) (ID, error)         { return ParseWithPrefix(s, PrefixPlan) }
func ParsePlanVersionID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixPlanVersion) }
func ParseAssignmentID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixAssignment) }
func ParseOverrideID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixOverride) }
func ParseSubscriptionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSubscription) }
func ParseUsageEventID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixUsageEvent) }
func ParseCreditTxID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixCreditTx) }
func ParseEventID(s string) (ID, error)        { return ParseWithPrefix(s, PrefixEvent) }

// ──────────────────────────────────────────────────
// Methods
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil

		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
