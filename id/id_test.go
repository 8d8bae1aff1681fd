package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/entitle/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"PlanID", id.NewPlanID, id.ParsePlanID, "plan_"},
		{"PlanVersionID", id.NewPlanVersionID, id.ParsePlanVersionID, "pver_"},
		{"AssignmentID", id.NewAssignmentID, id.ParseAssignmentID, "asg_"},
		{"OverrideID", id.NewOverrideID, id.ParseOverrideID, "ovr_"},
		{"SubscriptionID", id.NewSubscriptionID, id.ParseSubscriptionID, "sub_"},
		{"UsageEventID", id.NewUsageEventID, id.ParseUsageEventID, "uevt_"},
		{"CreditTxID", id.NewCreditTxID, id.ParseCreditTxID, "ctx_"},
		{"EventID", id.NewEventID, id.ParseEventID, "evt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			if !strings.HasPrefix(original.String(), tt.prefix) {
				t.Fatalf("expected prefix %q, got %q", tt.prefix, original.String())
			}

			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"plan rejects pver", id.NewPlanVersionID().String(), id.ParsePlanID},
		{"pver rejects plan", id.NewPlanID().String(), id.ParsePlanVersionID},
		{"uevt rejects ctx", id.NewCreditTxID().String(), id.ParseUsageEventID},
		{"sub rejects evt", id.NewEventID().String(), id.ParseSubscriptionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}

	v, err := i.Value()
	if err != nil || v != nil {
		t.Errorf("expected NULL value, got %v (%v)", v, err)
	}
}

func TestScan(t *testing.T) {
	original := id.NewUsageEventID()

	var fromString id.ID
	if err := fromString.Scan(original.String()); err != nil {
		t.Fatalf("Scan(string) failed: %v", err)
	}
	if fromString.String() != original.String() {
		t.Errorf("mismatch: %q != %q", fromString.String(), original.String())
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan([]byte) failed: %v", err)
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil || !fromNil.IsNil() {
		t.Errorf("Scan(nil) should yield Nil, got %q (%v)", fromNil.String(), err)
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}
