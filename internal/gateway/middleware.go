package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/jail"
)

// allowlistMiddleware enforces the source IP allowlist on every request.
// A stale allowlist denies everything: an operator who stops refreshing
// the list loses intake, not safety.
func (s *Server) allowlistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srcIP := clientIP(r)

		if s.allow == nil {
			s.audit.Append("IP_DENIED", srcIP, "N/A", actorHash(r),
				audit.OutcomeDenied, "no allowlist configured")
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}

		if s.allow.Stale() {
			s.audit.Append("ALLOWLIST_STALE", srcIP, "N/A", actorHash(r),
				audit.OutcomeDenied, "allowlist exceeded max age; denying all traffic")
			writeError(w, http.StatusForbidden, "source verification unavailable")
			return
		}

		allowed, reason := s.allow.IsAllowed(srcIP)
		if !allowed {
			s.audit.Append("IP_DENIED", srcIP, "N/A", actorHash(r),
				audit.OutcomeDenied, reason)
			s.log.Warn("gateway", "request denied by allowlist",
				"src_ip", srcIP, "reason", reason)
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actorHash derives a stable, non-reversible actor label from the bearer
// token so the audit log never stores credentials.
func actorHash(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "no-token"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16] + "…"
}

// readBody reads up to the jail's patch size limit and returns the bytes
// together with their hex SHA-256. Oversized bodies are an error, not a
// truncation.
func readBody(r *http.Request) ([]byte, string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, jail.MaxPatchBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(body) > jail.MaxPatchBytes {
		return nil, "", fmt.Errorf("body exceeds %d bytes", jail.MaxPatchBytes)
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}
