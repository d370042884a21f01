package settle

import (
	"errors"
	"testing"
)

func TestReject(t *testing.T) {
	reason := errors.New("insufficient balance")
	res, err := Reject(reason)
	if !errors.Is(err, reason) {
		t.Fatalf("expected reason to be returned, got %v", err)
	}
	if res.Outcome != Rejected || res.OK() {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.String() != "rejected: insufficient balance" {
		t.Fatalf("unexpected string %q", res.String())
	}
}

func TestOK(t *testing.T) {
	if !Apply().OK() || !Already().OK() {
		t.Fatal("applied and already applied must both be ok")
	}
	if !Already().IsNoop() || Apply().IsNoop() {
		t.Fatal("noop flag mismatch")
	}
}
