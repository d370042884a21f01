package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unique", err: &pq.Error{Code: "23505"}, want: true},
		{name: "wrapped unique", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), want: true},
		{name: "fk violation", err: &pq.Error{Code: "23503"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Fatalf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pq.Error{Code: "40001"}) {
		t.Fatal("serialization failure must be retryable")
	}
	if !IsRetryable(&pq.Error{Code: "40P01"}) {
		t.Fatal("deadlock must be retryable")
	}
	if IsRetryable(&pq.Error{Code: "23505"}) {
		t.Fatal("unique violation must not be retryable")
	}
}
