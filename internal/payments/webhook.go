package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
)

var (
	ErrMalformedCallback = errors.New("callback payload carries no usable reference")
	ErrBadSignature      = errors.New("callback signature is missing or invalid")
)

// StatusUnknown marks a callback status outside the fixed vocabulary. It is
// handled as a logged no-op, never as a state transition.
const StatusUnknown = "unknown"

// referenceFields is the ordered list of payload fields that may carry the
// gateway reference, tried top-level first and then nested under
// "transaction". Gateways disagree on naming; the order is fixed so the same
// payload always resolves the same way.
var referenceFields = []string{
	"transaction_id",
	"reference",
	"transaction_reference",
	"id",
	"payment_reference",
	"checkout_request_id",
	"merchant_reference",
}

// statusVocabulary maps the gateways' status words onto the payment state
// machine's three statuses.
var statusVocabulary = map[string]string{
	"completed":  "completed",
	"success":    "completed",
	"successful": "completed",
	"paid":       "completed",
	"confirmed":  "completed",
	"failed":     "failed",
	"error":      "failed",
	"rejected":   "failed",
	"cancelled":  "failed",
	"pending":    "pending",
	"processing": "pending",
	"initiated":  "pending",
}

// ExtractReference pulls the gateway reference out of a decoded callback
// payload.
func ExtractReference(payload map[string]interface{}) (string, bool) {
	if ref, ok := findReference(payload); ok {
		return ref, true
	}
	if nested, ok := payload["transaction"].(map[string]interface{}); ok {
		return findReference(nested)
	}
	return "", false
}

func findReference(m map[string]interface{}) (string, bool) {
	for _, field := range referenceFields {
		if raw, ok := m[field]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
			// Some gateways send numeric ids.
			if n, ok := raw.(float64); ok {
				return strconv.FormatFloat(n, 'f', -1, 64), true
			}
		}
	}
	return "", false
}

// ExtractStatus resolves the payload's status word, top-level first, then
// nested under "transaction".
func ExtractStatus(payload map[string]interface{}) (raw string, mapped string) {
	if s, ok := payload["status"].(string); ok {
		return s, MapStatus(s)
	}
	if nested, ok := payload["transaction"].(map[string]interface{}); ok {
		if s, ok := nested["status"].(string); ok {
			return s, MapStatus(s)
		}
	}
	return "", StatusUnknown
}

// MapStatus translates a gateway status word through the fixed vocabulary.
// Anything outside the vocabulary maps to StatusUnknown.
func MapStatus(raw string) string {
	if mapped, ok := statusVocabulary[raw]; ok {
		return mapped
	}
	return StatusUnknown
}

// VerifySignature checks the optional HMAC-SHA256 signature over the raw
// callback body. The MAC covers the JSON object minus the signature member,
// with keys sorted and every other value kept byte-identical to what the
// gateway sent, so the gateway never has to reproduce Go's number formatting.
// No signature member means nothing to check; a present signature must verify
// against the shared secret or the callback is rejected outright.
func VerifySignature(body []byte, secret string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ErrBadSignature
	}
	raw, ok := fields["signature"]
	if !ok {
		return nil
	}
	var provided string
	if err := json.Unmarshal(raw, &provided); err != nil || provided == "" {
		return ErrBadSignature
	}
	if secret == "" {
		// A signed callback with no configured secret cannot be trusted.
		return ErrBadSignature
	}

	delete(fields, "signature")
	// json.RawMessage values marshal verbatim; only key order changes.
	unsigned, err := json.Marshal(fields)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(unsigned)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrBadSignature
	}
	return nil
}
