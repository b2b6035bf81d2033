package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchgate/patchgate/internal/proposal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "patches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, ip string, created time.Time) Record {
	return Record{
		PatchID:     id,
		CreatedAt:   created,
		SrcIP:       ip,
		ActorHash:   "abcd1234…",
		PayloadHash: "deadbeef",
		Status:      proposal.StatusPending,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	r := record("id-1", "10.0.0.1", now)
	r.RequiresManualOverride = true
	require.NoError(t, s.Insert(r))

	got, err := s.Get("id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.PatchID)
	assert.Equal(t, "10.0.0.1", got.SrcIP)
	assert.True(t, got.RequiresManualOverride)
	assert.True(t, got.CreatedAt.Equal(now))

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInsert_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Insert(record("id-1", "10.0.0.1", now)))
	assert.Error(t, s.Insert(record("id-1", "10.0.0.2", now)))
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(record("id-1", "10.0.0.1", time.Now())))

	require.NoError(t, s.SetStatus("id-1", proposal.StatusArchived, "expired"))
	got, err := s.Get("id-1")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusArchived, got.Status)
	assert.Equal(t, "expired", got.ArchivedReason)

	assert.ErrorIs(t, s.SetStatus("missing", proposal.StatusArchived, ""), sql.ErrNoRows)
}

func TestListByStatus(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Insert(record("id-1", "10.0.0.1", base.Add(-2*time.Hour))))
	require.NoError(t, s.Insert(record("id-2", "10.0.0.1", base.Add(-1*time.Hour))))
	require.NoError(t, s.Insert(record("id-3", "10.0.0.2", base)))
	require.NoError(t, s.SetStatus("id-1", proposal.StatusValidated, ""))

	pending, err := s.ListByStatus(proposal.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "id-3", pending[0].PatchID) // newest first
	assert.Equal(t, "id-2", pending[1].PatchID)
}

func TestCountRecentBySrcIP(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	require.NoError(t, s.Insert(record("id-1", "10.0.0.1", base.Add(-30*time.Minute))))
	require.NoError(t, s.Insert(record("id-2", "10.0.0.1", base.Add(-90*time.Minute))))
	require.NoError(t, s.Insert(record("id-3", "10.0.0.2", base)))

	n, err := s.CountRecentBySrcIP("10.0.0.1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExpiredPending(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	require.NoError(t, s.Insert(record("old", "10.0.0.1", base.Add(-48*time.Hour))))
	require.NoError(t, s.Insert(record("fresh", "10.0.0.1", base)))
	require.NoError(t, s.Insert(record("old-validated", "10.0.0.1", base.Add(-48*time.Hour))))
	require.NoError(t, s.SetStatus("old-validated", proposal.StatusValidated, ""))

	ids, err := s.ExpiredPending(base.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}
