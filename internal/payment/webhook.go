package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the processor's signature over the raw event
// body: comma-separated `t=<unix>` and one or more `v1=<hex hmac>`
// elements, where the HMAC-SHA256 input is `<t>.<raw body>`.
const SignatureHeader = "Stripe-Signature"

// EventPaymentSucceeded marks a completed authorization.
const EventPaymentSucceeded = "payment_intent.succeeded"

// DefaultTolerance bounds how stale a signed timestamp may be before
// the event is rejected as a possible replay.
const DefaultTolerance = 5 * time.Minute

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Event is the processor notification after signature verification.
// Data.Object.ID is the payment intent the event refers to.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// ConstructEvent verifies the signature over the raw body and only then
// parses it. Any verification failure returns ErrSignatureInvalid with
// no further detail; callers must not leak why verification failed.
func ConstructEvent(payload []byte, header, secret string) (Event, error) {
	var event Event
	if err := verifySignature(payload, header, secret, DefaultTolerance, time.Now()); err != nil {
		return event, err
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("parse event: %w", err)
	}
	return event, nil
}

func verifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var timestamp int64
	var candidates []string

	for _, element := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(element), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrSignatureInvalid
			}
			timestamp = parsed
		case "v1":
			candidates = append(candidates, value)
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return ErrSignatureInvalid
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return ErrSignatureInvalid
	}

	expected := computeSignature(payload, secret, timestamp)
	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}

	return ErrSignatureInvalid
}

func computeSignature(payload []byte, secret string, timestamp int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign produces a valid signature header for payload. Used by tests and
// local event simulation.
func Sign(payload []byte, secret string, at time.Time) string {
	timestamp := at.Unix()
	signature := computeSignature(payload, secret, timestamp)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(signature))
}
