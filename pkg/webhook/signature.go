// Package webhook delivers decision events durably to
// tenant-registered endpoints. The enqueue side publishes an event envelope
// to the delivery topic; the sender side serializes each delivery body
// exactly once, signs those raw bytes, and transmits them unmodified, so a
// receiver verifying against the bytes it received always matches.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Headers emitted on every delivery.
const (
	HeaderSignature     = "X-Origin-Signature"
	HeaderTimestamp     = "X-Origin-Timestamp"
	HeaderEvent         = "X-Origin-Event"
	HeaderEventID       = "X-Origin-Event-Id"
	HeaderCorrelationID = "X-Origin-Correlation-Id"
)

// MaxTimestampSkew is the default replay-protection window receivers apply.
const MaxTimestampSkew = 300 * time.Second

// Sign computes the delivery signature over timestamp_bytes + "." +
// raw_body_bytes and returns it in header form, "sha256=<hex>".
func Sign(secret []byte, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify is the receiver-side helper: it checks the signature against the
// exact bytes received (never a re-encoding) and rejects timestamps outside
// the skew window. maxSkew <= 0 applies the 300-second default.
func Verify(secret []byte, timestamp string, rawBody []byte, signatureHeader string, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = MaxTimestampSkew
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("webhook: invalid timestamp %q", timestamp)
	}
	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > maxSkew {
		return fmt.Errorf("webhook: timestamp outside %s replay window", maxSkew)
	}
	want := Sign(secret, timestamp, rawBody)
	if !hmac.Equal([]byte(want), []byte(signatureHeader)) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}
