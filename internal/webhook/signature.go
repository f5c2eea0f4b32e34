package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Sign produces the delivery signature header value for a payload:
//
//	t=<unix>,v1=<hex hmac-sha256 over "<unix>.<payload>">
//
// The timestamp is bound into the signed string so receivers can reject
// replayed deliveries.
func Sign(secret string, unix int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", unix, digest(secret, unix, payload))
}

// Verify checks a signature header against a payload. Receivers use this
// (or the equivalent in their own stack) to authenticate deliveries; the
// dispatcher uses it in tests to pin the wire format.
func Verify(secret, header string, payload []byte) bool {
	var unix int64
	var v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return false
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			unix = parsed
		case "v1":
			v1 = v
		}
	}
	if unix == 0 || v1 == "" {
		return false
	}
	return hmac.Equal([]byte(v1), []byte(digest(secret, unix, payload)))
}

func digest(secret string, unix int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", unix)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
