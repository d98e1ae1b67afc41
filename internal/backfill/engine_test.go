package backfill

import (
	"encoding/json"
	"testing"
)

func TestMaxCreatedFindsTheLatestTimestamp(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"a","created":100}`),
		json.RawMessage(`{"id":"b","created":300}`),
		json.RawMessage(`{"id":"c","created":200}`),
	}
	if got := maxCreated(raws); got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
}

func TestMaxCreatedEmpty(t *testing.T) {
	if got := maxCreated(nil); got != 0 {
		t.Fatalf("expected 0 for an empty page, got %d", got)
	}
}

func TestLastIDOfReturnsTheFinalItemsID(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"a"}`),
		json.RawMessage(`{"id":"b"}`),
	}
	if got := lastIDOf(raws); got != "b" {
		t.Fatalf("expected %q, got %q", "b", got)
	}
}

func TestLastIDOfEmpty(t *testing.T) {
	if got := lastIDOf(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestPerParentKindsEnumeratesPerCustomer(t *testing.T) {
	if !perParentKinds["payment_methods"] {
		t.Error("expected payment methods to be enumerated per parent")
	}
	if !perParentKinds["tax_ids"] {
		t.Error("expected tax ids to be enumerated per parent")
	}
	if perParentKinds["customers"] {
		t.Error("customers are listed globally, not per parent")
	}
}
