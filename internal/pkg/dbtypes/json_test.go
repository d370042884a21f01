package dbtypes

import "testing"

func TestJSONMapScanNull(t *testing.T) {
	var m JSONMap
	if err := m.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if m == nil || len(m) != 0 {
		t.Fatalf("expected empty map, got %#v", m)
	}
}

func TestJSONMapScanBytes(t *testing.T) {
	var m JSONMap
	if err := m.Scan([]byte(`{"dispatched_at":"2024-01-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if v, ok := m.String("dispatched_at"); !ok || v != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected dispatched_at %q", v)
	}
	if _, ok := m.String("missing"); ok {
		t.Fatal("missing key reported as present")
	}
}

func TestJSONMapScanRejectsGarbage(t *testing.T) {
	var m JSONMap
	if err := m.Scan(42); err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if err := m.Scan([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed json")
	}
}
