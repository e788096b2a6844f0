// Package signing signs and verifies dispatcher callback requests.
//
// The signature covers the timestamp, the job id header and the raw body:
//
//	v1=hex(hmac_sha256(secret, "v1:<unix-seconds>:<job-id>:<body>"))
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-Gemmie-Timestamp"
	HeaderSignature = "X-Gemmie-Signature"
	HeaderJobID     = "X-Gemmie-Job-Id"

	version = "v1"

	// DefaultMaxSkew bounds how old a signed request may be (replay window).
	DefaultMaxSkew = 5 * time.Minute
)

var (
	ErrMissingSignature  = errors.New("signature missing")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrStaleTimestamp    = errors.New("timestamp outside allowed window")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign returns the signature header value for the job's body at the given time.
func Sign(secret string, ts time.Time, jobID string, body []byte) string {
	return version + "=" + hex.EncodeToString(mac(secret, strconv.FormatInt(ts.Unix(), 10), jobID, body))
}

// Verify checks the timestamp window and the signature. Comparison is
// constant time.
func Verify(secret, timestamp, jobID, signature string, body []byte, now time.Time, maxSkew time.Duration) error {
	if signature == "" {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}

	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > maxSkew || age < -maxSkew {
		return ErrStaleTimestamp
	}

	expected := version + "=" + hex.EncodeToString(mac(secret, timestamp, jobID, body))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureMismatch
	}

	return nil
}

func mac(secret, timestamp, jobID string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(version + ":" + timestamp + ":" + jobID + ":"))
	h.Write(body)
	return h.Sum(nil)
}
