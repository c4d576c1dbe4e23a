package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

// The normative construction: HMAC-SHA256(secret, timestamp + "." + body)
// with the exact raw body bytes, surfaced as sha256=<hex>.
func TestSignMatchesNormativeConstruction(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"a":1,"b":2}`)
	timestamp := "1700000000"

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("1700000000." + `{"a":1,"b":2}`))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got := Sign(secret, timestamp, body); got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
}

func TestReorderedJSONDoesNotVerify(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"a":1,"b":2}`)
	reordered := []byte(`{"b":2,"a":1}`)
	timestamp := "1700000000"
	sig := Sign(secret, timestamp, body)
	now := time.Unix(1700000000, 0)

	if err := Verify(secret, timestamp, body, sig, now, 0); err != nil {
		t.Fatalf("exact bytes must verify: %v", err)
	}
	if err := Verify(secret, timestamp, reordered, sig, now, 0); err == nil {
		t.Fatal("re-serialized JSON must not verify")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	timestamp := "1700000000"
	sig := Sign(secret, timestamp, body)

	now := time.Unix(1700000000+301, 0)
	if err := Verify(secret, timestamp, body, sig, now, 0); err == nil {
		t.Fatal("timestamp 301s old must be rejected by the default window")
	}
	now = time.Unix(1700000000+299, 0)
	if err := Verify(secret, timestamp, body, sig, now, 0); err != nil {
		t.Fatalf("timestamp 299s old must verify: %v", err)
	}
}

func TestVerifyRejectsFutureSkew(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	timestamp := "1700000600"
	sig := Sign(secret, timestamp, body)
	now := time.Unix(1700000000, 0)
	if err := Verify(secret, timestamp, body, sig, now, 0); err == nil {
		t.Fatal("timestamps far in the future must be rejected")
	}
}

func TestVerifyRejectsBadInputs(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	now := time.Unix(1700000000, 0)

	if err := Verify(secret, "not-a-number", body, Sign(secret, "not-a-number", body), now, 0); err == nil {
		t.Fatal("non-numeric timestamp must be rejected")
	}
	if err := Verify(secret, "1700000000", body, "sha256=deadbeef", now, 0); err == nil {
		t.Fatal("wrong signature must be rejected")
	}
	if err := Verify([]byte("other-secret"), "1700000000", body, Sign(secret, "1700000000", body), now, 0); err == nil {
		t.Fatal("wrong secret must be rejected")
	}
}

func TestVerifyCustomSkewWindow(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	timestamp := "1700000000"
	sig := Sign(secret, timestamp, body)
	now := time.Unix(1700000000+40, 0)
	if err := Verify(secret, timestamp, body, sig, now, 30*time.Second); err == nil {
		t.Fatal("40s age must fail a 30s window")
	}
	if err := Verify(secret, timestamp, body, sig, now, 60*time.Second); err != nil {
		t.Fatalf("40s age must pass a 60s window: %v", err)
	}
}
