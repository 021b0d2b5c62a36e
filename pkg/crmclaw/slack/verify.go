// Package slack implements the chat ingress for crmclaw: signed webhook
// events in, threaded Web API replies out. Events are acknowledged
// immediately and processed detached, since the platform retries any
// delivery not answered within seconds.
package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultReplayWindow bounds how stale a signed request timestamp may be.
const DefaultReplayWindow = 5 * time.Minute

// Verifier checks webhook request signatures. The signature covers
// "v0:<timestamp>:<raw body>" with HMAC-SHA256 under the app's signing
// secret.
type Verifier struct {
	secret []byte
	window time.Duration

	clock func() time.Time
}

// NewVerifier creates a signature verifier. A non-positive window falls
// back to the default.
func NewVerifier(signingSecret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{
		secret: []byte(signingSecret),
		window: window,
		clock:  time.Now,
	}
}

// SetClock overrides the time source for tests.
func (v *Verifier) SetClock(fn func() time.Time) { v.clock = fn }

// Verify checks the request timestamp and signature against the raw
// body. Requests outside the replay window are rejected before any MAC
// work.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("slack: signing secret not configured")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("slack: invalid request timestamp %q", timestamp)
	}

	age := v.clock().Sub(time.Unix(ts, 0))
	if age > v.window || age < -v.window {
		return fmt.Errorf("slack: request timestamp outside replay window")
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("slack: signature mismatch")
	}
	return nil
}
