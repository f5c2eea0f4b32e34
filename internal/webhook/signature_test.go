package webhook

import (
	"strings"
	"testing"
)

func TestSignFormat(t *testing.T) {
	sig := Sign("whsec_abc", 1756600000, []byte(`{"id":"x"}`))
	if !strings.HasPrefix(sig, "t=1756600000,v1=") {
		t.Fatalf("unexpected signature shape: %s", sig)
	}
	hexPart := strings.TrimPrefix(sig, "t=1756600000,v1=")
	if len(hexPart) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(hexPart))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt","event":"purchase"}`)
	sig := Sign("whsec_abc", 1756600000, payload)
	if !Verify("whsec_abc", sig, payload) {
		t.Fatalf("valid signature rejected")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	payload := []byte(`{"amount":100}`)
	sig := Sign("whsec_abc", 1756600000, payload)

	if Verify("whsec_other", sig, payload) {
		t.Fatalf("wrong secret accepted")
	}
	if Verify("whsec_abc", sig, []byte(`{"amount":999}`)) {
		t.Fatalf("tampered payload accepted")
	}

	// Changing the claimed timestamp invalidates the digest too.
	tampered := strings.Replace(sig, "t=1756600000", "t=1756600001", 1)
	if Verify("whsec_abc", tampered, payload) {
		t.Fatalf("tampered timestamp accepted")
	}
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	for _, header := range []string{
		"",
		"v1=deadbeef",
		"t=123",
		"t=abc,v1=deadbeef",
		"nonsense",
	} {
		if Verify("whsec_abc", header, []byte("x")) {
			t.Fatalf("malformed header %q accepted", header)
		}
	}
}

func TestSignatureIsDeterministic(t *testing.T) {
	payload := []byte(`{"k":"v"}`)
	a := Sign("s", 42, payload)
	b := Sign("s", 42, payload)
	if a != b {
		t.Fatalf("signatures differ: %s vs %s", a, b)
	}
	if c := Sign("s", 43, payload); c == a {
		t.Fatalf("timestamp should change the signature")
	}
}
