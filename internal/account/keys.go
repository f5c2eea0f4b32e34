package account

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	apiKeyTokenPrefix  = "bot_"
	apiKeyPrefixLength = 12 // "bot_" + 8 hex chars, kept for identification
	signingSecretPrefix = "whsec_"
)

// NewKey mints an API key and derives its storage form.
// The token is 32 random bytes hex-encoded; only the keyed hash is stored.
func NewKey(pepper string) (token, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	token = apiKeyTokenPrefix + hex.EncodeToString(buf)
	prefix = token[:apiKeyPrefixLength]
	hash = HashKey(pepper, token)
	return token, hash, prefix, nil
}

// HashKey computes the lookup hash for a presented key. The hash is keyed
// with a store-level pepper so a leaked table cannot be cracked offline, while
// staying deterministic so keys can be found by indexed lookup.
func HashKey(pepper, token string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSigningSecret mints the per-account HMAC secret used to sign webhook
// envelopes. Unlike API keys it is stored in the clear: the dispatcher needs
// the raw secret on every delivery.
func NewSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return signingSecretPrefix + hex.EncodeToString(buf), nil
}

// LooksLikeKey reports whether a presented credential has the API key shape.
func LooksLikeKey(token string) bool {
	return strings.HasPrefix(token, apiKeyTokenPrefix)
}
