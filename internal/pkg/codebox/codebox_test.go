package codebox

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpen(t *testing.T) {
	b, err := New(testKey)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sealed, err := b.Seal("ABCD-1234-EFGH-5678")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "ABCD") {
		t.Fatal("sealed value leaks plaintext")
	}
	again, _ := b.Seal("ABCD-1234-EFGH-5678")
	if again == sealed {
		t.Fatal("nonce reused")
	}

	plain, err := b.Open(sealed)
	if err != nil || plain != "ABCD-1234-EFGH-5678" {
		t.Fatalf("open = %q, %v", plain, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	b, _ := New(testKey)
	sealed, _ := b.Seal("CODE")

	other, _ := New(strings.Repeat("ff", 32))
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong key: %v", err)
	}
	if _, err := b.Open("not base64!"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("garbage: %v", err)
	}
	if _, err := b.Open(""); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("empty: %v", err)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	for _, k := range []string{"", "abcd", strings.Repeat("zz", 32)} {
		if _, err := New(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("New(%q) = %v", k, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	b, _ := New(testKey)
	if b.Fingerprint("X") != b.Fingerprint("X") {
		t.Fatal("fingerprint not deterministic")
	}
	if b.Fingerprint("X") == b.Fingerprint("Y") {
		t.Fatal("fingerprint collision")
	}
}
