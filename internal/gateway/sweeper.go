package gateway

import (
	"context"
	"time"

	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/proposal"
)

const sweepInterval = 10 * time.Minute

// sweepLoop expires pending patches that the validator never picked up.
// Expired patches are archived, not deleted, so the trail survives.
func (s *Server) sweepLoop(ctx context.Context) {
	s.sweepOnce()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	cutoff := time.Now().UTC().Add(-s.cfg.PatchTTL)
	expired, err := s.index.ExpiredPending(cutoff)
	if err != nil {
		s.log.Error("gateway", "expiry sweep failed", "error", err.Error())
		return
	}
	for _, id := range expired {
		if err := s.jail.ArchivePatch(id, "expired"); err != nil {
			s.log.Warn("gateway", "could not archive expired patch",
				"patch_id", id, "error", err.Error())
		}
		if err := s.index.SetStatus(id, proposal.StatusArchived, "expired"); err != nil {
			s.log.Warn("gateway", "could not mark patch archived",
				"patch_id", id, "error", err.Error())
			continue
		}
		s.audit.Append("PATCH_EXPIRED", "N/A", "N/A", "system",
			audit.OutcomeDenied, "patch_id="+id+" exceeded pending ttl")
		s.log.Info("gateway", "expired pending patch archived", "patch_id", id)
	}
}
