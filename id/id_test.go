package id_test

import (
	"testing"

	"github.com/xraph/metarelay/id"
)

func TestNewAndParse(t *testing.T) {
	opID := id.NewOperationID()
	if opID.Prefix() != id.PrefixOperation {
		t.Fatalf("prefix = %q, want %q", opID.Prefix(), id.PrefixOperation)
	}

	parsed, err := id.ParseOperationID(opID.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.String() != opID.String() {
		t.Fatalf("round trip mismatch: %s != %s", parsed, opID)
	}
}

func TestParseWrongPrefix(t *testing.T) {
	subID := id.NewSubmissionID()
	if _, err := id.ParseAttemptID(subID.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() || nilID.String() != "" {
		t.Fatal("zero ID must be nil and render empty")
	}

	var scanned id.ID
	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Fatalf("Scan(nil) = %v, nil=%v", err, scanned.IsNil())
	}

	v, err := nilID.Value()
	if err != nil || v != nil {
		t.Fatalf("Value() = %v, %v; want nil, nil", v, err)
	}
}

func TestTextRoundTrip(t *testing.T) {
	dlqID := id.NewDLQID()
	text, err := dlqID.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var back id.ID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if back.String() != dlqID.String() {
		t.Fatalf("got %s, want %s", back, dlqID)
	}
}
