package reconciler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrReplayTooOld     = errors.New("signature timestamp too old")
)

// replayWindow bounds how old a timestamped signature may be.
const replayWindow = 5 * time.Minute

// verifySignature checks the HMAC-SHA256 webhook signature. The primary
// format is "t=<unix>,v1=<hex>" signing "<timestamp>.<body>"; a bare hex
// header signs the raw body and carries no replay protection beyond the
// purchase claim. Verification fails closed: missing header or secret,
// malformed format, stale timestamp, and mismatched digests all reject.
func verifySignature(secret string, header string, body []byte, nowUnixUTC int64) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: secret not configured", ErrSignatureInvalid)
	}
	trimmedHeader := strings.TrimSpace(header)
	if trimmedHeader == "" {
		return fmt.Errorf("%w: missing header", ErrSignatureInvalid)
	}

	if !strings.Contains(trimmedHeader, "=") {
		return verifyBareSignature(secret, trimmedHeader, body)
	}

	timestamp, signatures, err := parseSignatureHeader(trimmedHeader)
	if err != nil {
		return err
	}
	if nowUnixUTC-timestamp > int64(replayWindow/time.Second) {
		return fmt.Errorf("%w: timestamp %d", ErrReplayTooOld, timestamp)
	}

	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(body))
	expected := computeHMAC(secret, []byte(signedPayload))
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
}

func verifyBareSignature(secret string, header string, body []byte) error {
	expected := computeHMAC(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(header)), []byte(expected)) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestampRaw string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
		}
		switch key {
		case "t":
			timestampRaw = value
		case "v1":
			signatures = append(signatures, strings.ToLower(strings.TrimSpace(value)))
		}
	}
	if timestampRaw == "" || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: malformed timestamp", ErrSignatureInvalid)
	}
	return timestamp, signatures, nil
}

func computeHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
