// Package gateway is the intake surface for patch proposals. It is the
// only component reachable from outside, and it can do exactly two
// things with a proposal: refuse it, or write it into the jail for the
// validator to judge. It holds no signing keys and applies nothing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/patchgate/patchgate/internal/allowlist"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/config"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/observability/logging"
	"github.com/patchgate/patchgate/internal/proposal"
	"github.com/patchgate/patchgate/internal/store"
)

// patchIDRE matches UUID-shaped ids in status queries. Anything else is
// rejected before touching the filesystem.
var patchIDRE = regexp.MustCompile(`^[a-f0-9-]{32,36}$`)

// Server wires the intake HTTP surface together.
type Server struct {
	cfg   config.GatewayConfig
	jail  *jail.Jail
	index *store.Store
	audit *audit.Chain
	allow *allowlist.Allowlist
	log   logging.Logger
}

// New builds a Server from its dependencies.
func New(cfg config.GatewayConfig, j *jail.Jail, index *store.Store, chain *audit.Chain, allow *allowlist.Allowlist, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{cfg: cfg, jail: j, index: index, audit: chain, allow: allow, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.allowlistMiddleware)

	r.Route("/patch", func(r chi.Router) {
		r.Post("/propose", s.handlePropose)
		r.Get("/status/{patchID}", s.handleStatus)
		r.Get("/list", s.handleList)
	})
	return r
}

// Run serves until ctx is cancelled, running the TTL sweeper alongside.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("gateway", "listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type proposeResponse struct {
	PatchID                string   `json:"patch_id"`
	Status                 string   `json:"status"`
	Message                string   `json:"message"`
	RequiresManualOverride bool     `json:"requires_manual_override"`
	Warnings               []string `json:"warnings"`
	CreatedAt              string   `json:"created_at"`
}

type statusResponse struct {
	PatchID                string `json:"patch_id"`
	Status                 string `json:"status"`
	CreatedAt              string `json:"created_at"`
	SizeBytes              int    `json:"size_bytes"`
	RequiresManualOverride bool   `json:"requires_manual_override"`
}

type listResponse struct {
	Count      int      `json:"count"`
	Patches    []string `json:"patches"`
	MaxAllowed int      `json:"max_allowed"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	srcIP := clientIP(r)
	actor := actorHash(r)

	if s.rateLimited(srcIP) {
		s.audit.Append("PATCH_RATE_LIMITED", srcIP, "N/A", actor,
			audit.OutcomeDenied, "hourly patch rate limit reached")
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("patch rate limit reached: at most %d proposals per hour per IP", s.cfg.RateLimitPerHour))
		return
	}

	body, payloadHash, err := readBody(r)
	if err != nil {
		s.audit.Append("PATCH_BODY_TOO_LARGE", srcIP, "N/A", actor,
			audit.OutcomeDenied, err.Error())
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		s.audit.Append("PATCH_INVALID_JSON", srcIP, payloadHash, actor,
			audit.OutcomeDenied, "body is not valid json")
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	p, result := proposal.Validate(body)
	if !result.Valid {
		s.audit.Append("PATCH_SCHEMA_INVALID", srcIP, payloadHash, actor,
			audit.OutcomeDenied, fmt.Sprintf("schema errors: %v", result.Errors))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "proposal does not satisfy the required schema",
			"errors":  result.Errors,
		})
		return
	}

	patchID := uuid.NewString()
	createdAt := time.Now().UTC().Format("2006-01-02T15:04:05Z")

	enriched, err := enrich(doc, proposal.Meta{
		PatchID:                patchID,
		CreatedAt:              createdAt,
		SrcIP:                  srcIP,
		PayloadHash:            payloadHash,
		RequiresManualOverride: result.RequiresManualOverride,
		SchemaWarnings:         result.Warnings,
		ProtectedPaths:         result.ProtectedPaths,
		Status:                 proposal.StatusPending,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not prepare patch")
		return
	}

	if _, err := s.jail.WritePatch(patchID+".json", enriched); err != nil {
		var quota *jail.QuotaError
		var violation *jail.Violation
		switch {
		case errors.As(err, &quota):
			s.audit.Append("PATCH_QUOTA_EXCEEDED", srcIP, payloadHash, actor,
				audit.OutcomeDenied, err.Error())
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.As(err, &violation):
			s.audit.Append("PATCH_JAIL_VIOLATION", srcIP, payloadHash, actor,
				audit.OutcomeDenied, err.Error())
			writeError(w, http.StatusForbidden, "security violation: "+err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "could not store patch")
		}
		return
	}

	if err := s.index.Insert(store.Record{
		PatchID:                patchID,
		CreatedAt:              time.Now().UTC(),
		SrcIP:                  srcIP,
		ActorHash:              actor,
		PayloadHash:            payloadHash,
		Status:                 proposal.StatusPending,
		RequiresManualOverride: result.RequiresManualOverride,
	}); err != nil {
		s.log.Error("gateway", "index insert failed", "patch_id", patchID, "error", err.Error())
	}

	s.audit.Append("PATCH_PROPOSED", srcIP, payloadHash, actor,
		audit.OutcomePending,
		fmt.Sprintf("patch_id=%s files=%d requires_manual=%t",
			patchID, len(p.TargetFiles), result.RequiresManualOverride))

	s.log.Info("gateway", "patch proposed",
		"patch_id", patchID, "src_ip", srcIP,
		"files", len(p.TargetFiles), "manual", result.RequiresManualOverride)

	warnings := result.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, proposeResponse{
		PatchID: patchID,
		Status:  proposal.StatusPending,
		Message: "Proposal received. It will pass automatic validation (SAST, secret scan, " +
			"dependency gate) before becoming eligible for human approval.",
		RequiresManualOverride: result.RequiresManualOverride,
		Warnings:               warnings,
		CreatedAt:              createdAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	patchID := chi.URLParam(r, "patchID")
	if !patchIDRE.MatchString(patchID) {
		writeError(w, http.StatusBadRequest, "invalid patch_id")
		return
	}

	raw, err := s.jail.ReadPatch(patchID)
	if err == nil {
		var doc proposal.Proposal
		meta := proposal.Meta{Status: proposal.StatusPending}
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil && doc.Meta != nil {
			meta = *doc.Meta
		}
		writeJSON(w, http.StatusOK, statusResponse{
			PatchID:                patchID,
			Status:                 meta.Status,
			CreatedAt:              meta.CreatedAt,
			SizeBytes:              len(raw),
			RequiresManualOverride: meta.RequiresManualOverride,
		})
		return
	}

	// not live in the jail; the index remembers archived patches
	if rec, err := s.index.Get(patchID); err == nil {
		writeJSON(w, http.StatusOK, statusResponse{
			PatchID:                patchID,
			Status:                 rec.Status,
			CreatedAt:              rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
			SizeBytes:              0,
			RequiresManualOverride: rec.RequiresManualOverride,
		})
		return
	}

	writeError(w, http.StatusNotFound, "patch not found")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pending, err := s.jail.ListPatches()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list patches")
		return
	}
	if pending == nil {
		pending = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Count:      len(pending),
		Patches:    pending,
		MaxAllowed: jail.MaxPendingPatches,
	})
}

// rateLimited consults the durable index so limits survive restarts.
func (s *Server) rateLimited(srcIP string) bool {
	n, err := s.index.CountRecentBySrcIP(srcIP, time.Now().Add(-time.Hour))
	if err != nil {
		s.log.Error("gateway", "rate limit query failed", "error", err.Error())
		// fail closed
		return true
	}
	return n >= s.cfg.RateLimitPerHour
}

// enrich re-encodes the decoded proposal with the gateway's _meta block.
func enrich(doc map[string]any, meta proposal.Meta) ([]byte, error) {
	doc["_meta"] = meta
	return json.MarshalIndent(doc, "", "  ")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
