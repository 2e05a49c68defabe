package registry

import "testing"

func TestHMACVerifier_RoundTrip(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := v.Sign("u1", "alice")

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestHMACVerifier_RejectsTampering(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := v.Sign("u1", "alice")

	if _, err := v.Verify("u2" + token[2:]); err == nil {
		t.Fatalf("tampered user id must fail verification")
	}
	if _, err := NewHMACVerifier("other").Verify(token); err == nil {
		t.Fatalf("wrong secret must fail verification")
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatalf("malformed token must fail verification")
	}
}
