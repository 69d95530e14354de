package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Webhook notification headers defined by the EventSub transport.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"

	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"

	// SignatureFreshness bounds how far a message timestamp may drift from
	// the bridge clock in either direction.
	SignatureFreshness = 10 * time.Minute
)

// ComputeSignature returns the "sha256=<hex>" signature Twitch sends for
// a webhook message: HMAC-SHA256 over message id, timestamp, and the raw
// body, keyed with the subscription secret.
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret, messageID, timestamp string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, messageID, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// TimestampFresh reports whether the message timestamp parses as RFC3339
// and lies within the freshness window around now.
func TimestampFresh(timestamp string, now time.Time) bool {
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return false
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	return drift <= SignatureFreshness
}
