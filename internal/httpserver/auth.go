package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/botmeter/botmeter/internal/account"
)

type principalContextKey struct{}

// principal is the authenticated caller attached to the request context.
type principal struct {
	acct    *account.Account
	sandbox bool
}

func principalFromContext(ctx context.Context) *principal {
	p, _ := ctx.Value(principalContextKey{}).(*principal)
	return p
}

// isSandbox reports whether the request opted into the ephemeral sandbox.
func isSandbox(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Sandbox-Mode")), "true")
}

// authMiddleware resolves X-API-Key/X-Bot-ID to an account, or fabricates a
// synthetic principal when X-Sandbox-Mode is set. Sandbox traffic never
// touches the account store.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSandbox(r) {
			p := &principal{acct: sandboxAccount(r.Header.Get("X-Bot-ID")), sandbox: true}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey{}, p)))
			return
		}

		apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if apiKey == "" {
			s.respondError(w, http.StatusUnauthorized, codeInvalidAPIKey, "missing X-API-Key header", nil)
			return
		}
		acct, err := s.accounts.Verify(r.Context(), apiKey)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if acct == nil {
			s.respondError(w, http.StatusUnauthorized, codeInvalidAPIKey, "invalid api key", nil)
			return
		}
		// A mismatched X-Bot-ID gets the same answer as a bad key so callers
		// cannot probe for other bots' ids.
		if claimed := strings.TrimSpace(r.Header.Get("X-Bot-ID")); claimed != "" {
			id, err := uuid.Parse(claimed)
			if err != nil || id != acct.ID {
				s.respondError(w, http.StatusUnauthorized, codeInvalidAPIKey, "invalid api key", nil)
				return
			}
		}

		p := &principal{acct: acct}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey{}, p)))
	})
}

// sandboxAccount builds the synthetic enterprise identity for a sandbox
// caller. The id is stable per supplied bot id so repeated sandbox calls see
// the same ephemeral balance.
func sandboxAccount(claimed string) *account.Account {
	name := strings.TrimSpace(claimed)
	if name == "" {
		name = "sandbox"
	}
	return &account.Account{
		ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte("botmeter-sandbox:"+name)),
		Name:   "sandbox",
		Tier:   account.TierEnterprise,
		Active: true,
	}
}

// adminMiddleware guards the admin bundle with a bearer token.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			s.respondError(w, http.StatusUnauthorized, codeInvalidAPIKey, "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
