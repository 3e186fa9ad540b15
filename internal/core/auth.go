package core

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"quotaledger/internal/types"
)

// authPublicPaths lists URL paths that are exempt from authentication.
var authPublicPaths = map[string]bool{
	"/health": true,
}

// APIKeyVerifier verifies service-to-service API keys against bcrypt hashes
// provisioned in configuration. Keys are presented as "key_id.secret" and
// only the bcrypt hash of the secret is ever stored.
type APIKeyVerifier struct {
	hashes map[string][]byte // key_id -> bcrypt hash of the secret
}

// NewAPIKeyVerifier parses a comma-separated list of "key_id:bcrypt_hash"
// entries. An empty input yields a verifier that rejects every key, which
// fails closed when auth is enabled but no keys are provisioned.
func NewAPIKeyVerifier(entries string) (*APIKeyVerifier, error) {
	hashes := make(map[string][]byte)
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		keyID, hash, ok := strings.Cut(entry, ":")
		if !ok || keyID == "" || hash == "" {
			return nil, fmt.Errorf("malformed API key entry %q: expected key_id:bcrypt_hash", entry)
		}
		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key entry %q does not carry a bcrypt hash", keyID)
		}
		hashes[keyID] = []byte(hash)
	}
	return &APIKeyVerifier{hashes: hashes}, nil
}

// Verify checks a presented "key_id.secret" token. On success it returns the
// caller identity; otherwise an auth AppError.
func (v *APIKeyVerifier) Verify(token string) (*types.Caller, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, types.NewAppError(types.ErrCodeAuthKeyInvalid, "API key must be in key_id.secret format", nil)
	}

	hash, found := v.hashes[keyID]
	if !found {
		// Burn a bcrypt comparison anyway so unknown and known key IDs take
		// the same time.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, types.NewAppError(types.ErrCodeAuthKeyInvalid, "unknown API key", nil)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthKeyInvalid, "invalid API key", nil)
	}

	return &types.Caller{KeyID: keyID, Name: keyID}, nil
}

// dummyHash is a bcrypt hash of an unguessable value, used to equalize timing
// for unknown key IDs.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("quotaledger-timing-pad"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// AuthMiddleware verifies the Bearer API key on every request and injects the
// resolved Caller into the request context. Public paths and servers without
// a configured verifier (tests, DISABLE_AUTH in local) pass through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKeys == nil {
			next.ServeHTTP(w, r)
			return
		}

		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "Authorization header is required", nil))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "Bearer API key is required", nil))
			return
		}

		caller, err := s.APIKeys.Verify(token)
		if err != nil {
			Error(w, r, err)
			return
		}

		ctx := types.WithCaller(r.Context(), *caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses the Authorization header value and returns the
// token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
