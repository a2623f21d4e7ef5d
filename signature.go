package geoform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	signatureHeader = "X-Webhook-Signature"
	timestampHeader = "X-Webhook-Timestamp"

	// how old a timestamped request can be before we refuse it
	signatureMaxAge = 5 * time.Minute
)

// signing schemes we support, depending on how the sender is configured
const (
	SchemeTimestamped = "timestamped" // HMAC-SHA256 over "{timestamp}:{body}", hex encoded
	SchemeBody        = "body"        // HMAC-SHA256 over the raw body, hex or base64 encoded
)

var (
	// ErrMissingSignature is returned when the signature header, timestamp header or body is absent
	ErrMissingSignature = errors.New("missing signature, timestamp, or body")

	// ErrInvalidSignature is returned when the provided signature doesn't match what we compute
	ErrInvalidSignature = errors.New("invalid request signature")

	// ErrStaleTimestamp is returned when the request timestamp falls outside our freshness window
	ErrStaleTimestamp = errors.New("request timestamp expired")
)

// Verifier checks the authenticity of inbound webhook requests using our shared secret
type Verifier struct {
	secret   string
	scheme   string
	encoding string
}

// NewVerifier creates a new verifier for the passed in secret and scheme. Encoding is only
// used by the body scheme, which senders deliver as either hex or base64.
func NewVerifier(secret, scheme, encoding string) *Verifier {
	return &Verifier{secret: secret, scheme: scheme, encoding: encoding}
}

// Verify checks the passed in signature and timestamp headers against the raw request body,
// failing closed on anything missing, stale or mismatched
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" || len(body) == 0 {
		return ErrMissingSignature
	}

	switch v.scheme {
	case SchemeTimestamped:
		if timestamp == "" {
			return ErrMissingSignature
		}

		expected := calculateSignature(v.secret, []byte(fmt.Sprintf("%s:%s", timestamp, body)))
		if err := compareSignatures(hex.EncodeToString(expected), signature); err != nil {
			return err
		}

		// sender timestamps are epoch milliseconds
		requestTime, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil || time.Since(time.UnixMilli(requestTime)) > signatureMaxAge {
			return ErrStaleTimestamp
		}
		return nil

	case SchemeBody:
		expected := calculateSignature(v.secret, body)
		if v.encoding == "base64" {
			return compareSignatures(base64.StdEncoding.EncodeToString(expected), signature)
		}
		return compareSignatures(hex.EncodeToString(expected), signature)
	}

	return ErrInvalidSignature
}

func calculateSignature(secret string, data []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return mac.Sum(nil)
}

// compares encoded signatures in a way that isn't sensitive to a timing attack, checking
// length first so differing lengths can't be probed against the comparison itself
func compareSignatures(expected, actual string) error {
	if len(expected) != len(actual) || !hmac.Equal([]byte(expected), []byte(actual)) {
		return ErrInvalidSignature
	}
	return nil
}
