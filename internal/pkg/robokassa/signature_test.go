package robokassa

import "testing"

func TestSignatureBase_SortedShpAndEncoded(t *testing.T) {
	base := signatureBase(map[string]string{
		"shp_user":     "user+1",
		"Shp_pay":      "p/42",
		"IncCurrLabel": "BankCard",
	}, "merchant", "100.50", "42", "pass1")

	expected := "merchant:100.50:42:pass1:Shp_pay=p%2F42:shp_user=user%2B1"
	if base != expected {
		t.Fatalf("unexpected base string:\nwant %s\ngot  %s", expected, base)
	}
	if got := signatureBase(nil, "merchant", "7", "pass2"); got != "merchant:7:pass2" {
		t.Fatalf("unexpected base without shp: %s", got)
	}
}

func TestSameDigest(t *testing.T) {
	if !sameDigest("aBcD", " ABcd") {
		t.Fatal("expected case-insensitive match")
	}
	if sameDigest("abcd", "abce") || sameDigest("abcd", "") {
		t.Fatal("expected mismatch")
	}
}

func TestSign(t *testing.T) {
	tests := []struct {
		algo HashAlgorithm
		want string
	}{
		{HashSHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{HashMD5, "900150983cd24fb0d6963f7d28e17f72"},
	}
	for _, tt := range tests {
		sig, err := tt.algo.Sign(nil, "abc")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.algo, err)
		}
		if sig != tt.want {
			t.Fatalf("%s: unexpected hash: %s", tt.algo, sig)
		}
	}
	if _, err := HashAlgorithm("SHA1").Sign(nil, "abc"); err == nil {
		t.Fatal("expected error for SHA1")
	}
}

func TestParseHashAlgorithm(t *testing.T) {
	tests := map[string]HashAlgorithm{"md5": HashMD5, " sha256 ": HashSHA256, "": HashSHA256}
	for raw, want := range tests {
		got, err := ParseHashAlgorithm(raw)
		if err != nil || got != want {
			t.Fatalf("ParseHashAlgorithm(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParseHashAlgorithm("sha1"); err == nil {
		t.Fatal("expected error for sha1")
	}
}
