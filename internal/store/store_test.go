package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orgboot/internal/event"
	"github.com/roach88/orgboot/internal/schema"
	"github.com/roach88/orgboot/internal/testutil"
)

const testOrgID = "0190f3a2-7c4e-7a10-8000-000000000001"

// stubRouter writes one scratch row per dispatched event so tests can see
// whether projection writes survived.
type stubRouter struct {
	failing atomic.Bool
	mu      sync.Mutex
	applied []string
}

func (r *stubRouter) Routable(streamType, eventType string) bool {
	return streamType == event.StreamOrganization && eventType == event.OrganizationActivated
}

func (r *stubRouter) Owner(streamType string, data event.Data) string {
	return data.String("organization_id")
}

func (r *stubRouter) Dispatch(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	if _, err := tx.ExecContext(ctx, "INSERT INTO scratch (event_id) VALUES (?)", ev.ID); err != nil {
		return err
	}
	if r.failing.Load() {
		return errors.New("projection unavailable")
	}
	r.mu.Lock()
	r.applied = append(r.applied, ev.ID)
	r.mu.Unlock()
	return nil
}

func (r *stubRouter) Reset(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM scratch")
	return err
}

func createTestStore(t *testing.T, router Router) *Store {
	t.Helper()
	registry, err := schema.Load()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithRouter(router),
		WithValidator(registry),
		WithClock(testutil.NewDeterministicClock().Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec("CREATE TABLE scratch (event_id TEXT NOT NULL)")
	require.NoError(t, err)
	return s
}

func activation(version int64) AppendRequest {
	return AppendRequest{
		StreamType:      event.StreamOrganization,
		StreamID:        testOrgID,
		ExpectedVersion: version,
		EventType:       event.OrganizationActivated,
		Data:            event.Data{"organization_id": testOrgID},
		Metadata:        event.Metadata{CorrelationID: "corr-1", Source: "test"},
	}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"events", "organizations", "contacts", "addresses", "phones", "invitations", "role_assignments"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestAppend_StoresAndProcesses(t *testing.T) {
	router := &stubRouter{}
	s := createTestStore(t, router)
	ctx := context.Background()

	ev, err := s.Append(ctx, activation(1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, int64(1), ev.StreamVersion)
	assert.True(t, ev.Processed())
	assert.Equal(t, testutil.Epoch, ev.CreatedAt)
	assert.Equal(t, event.FormatTime(testutil.Epoch), ev.Metadata.Timestamp)

	stored, err := s.ReadStream(ctx, event.StreamOrganization, testOrgID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)
	assert.Equal(t, "corr-1", stored[0].Metadata.CorrelationID)
	assert.Equal(t, testOrgID, stored[0].Data.String("organization_id"))
	assert.True(t, stored[0].Processed())
	assert.Equal(t, 1, countRows(t, s, "scratch"))
}

func TestAppend_UnroutableWritesNothing(t *testing.T) {
	s := createTestStore(t, &stubRouter{})

	req := activation(1)
	req.EventType = event.OrganizationDeactivated
	_, err := s.Append(context.Background(), req)

	require.ErrorIs(t, err, ErrUnroutable)
	assert.Equal(t, 0, countRows(t, s, "events"))
}

func TestAppend_InvalidPayloadWritesNothing(t *testing.T) {
	s := createTestStore(t, &stubRouter{})

	req := activation(1)
	req.Data = event.Data{"organization_id": "not-a-uuid"}
	_, err := s.Append(context.Background(), req)

	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, 0, countRows(t, s, "events"))
	assert.Equal(t, 0, countRows(t, s, "scratch"))
}

func TestAppend_RequiresCorrelationID(t *testing.T) {
	s := createTestStore(t, &stubRouter{})

	req := activation(1)
	req.Metadata.CorrelationID = ""
	_, err := s.Append(context.Background(), req)

	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "metadata.correlation_id", ve.Field)
}

func TestAppend_VersionConflictWritesNothing(t *testing.T) {
	s := createTestStore(t, &stubRouter{})
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.NoError(t, err)

	for _, version := range []int64{1, 3} {
		_, err = s.Append(ctx, activation(version))
		require.True(t, IsVersionConflict(err), "version %d: got %v", version, err)

		var vc *VersionConflict
		require.True(t, errors.As(err, &vc))
		assert.Equal(t, version, vc.Expected)
		assert.Equal(t, int64(1), vc.Actual)
	}

	assert.Equal(t, 1, countRows(t, s, "events"))
	assert.Equal(t, 1, countRows(t, s, "scratch"))
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	s := createTestStore(t, &stubRouter{})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, activation(1))
			switch {
			case err == nil:
				wins.Add(1)
			case IsVersionConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
	assert.Equal(t, 1, countRows(t, s, "events"))
}

func TestAppend_HandlerFailureKeepsEventAndDiscardsProjection(t *testing.T) {
	router := &stubRouter{}
	router.failing.Store(true)
	s := createTestStore(t, router)
	ctx := context.Background()

	ev, err := s.Append(ctx, activation(1))
	require.True(t, IsProcessingError(err), "got %v", err)
	assert.False(t, ev.Processed())
	assert.Equal(t, 1, ev.RetryCount)

	assert.Equal(t, 0, countRows(t, s, "scratch"), "projection writes must be rolled back")

	stored, err := s.ReadStream(ctx, event.StreamOrganization, testOrgID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Processed())
	assert.Equal(t, "projection unavailable", stored[0].ProcessingError)
	assert.Equal(t, 1, stored[0].RetryCount)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, stats)
}

func TestAppend_ForeignStreamWritesNothing(t *testing.T) {
	s := createTestStore(t, &stubRouter{})
	ctx := context.Background()

	req := activation(1)
	req.StreamID = "0190f3a2-7c4e-7a10-8000-000000000002"
	_, err := s.Append(ctx, req)

	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "stream_id", ve.Field)
	assert.Contains(t, ve.Message, testOrgID)
	assert.Equal(t, 0, countRows(t, s, "events"))
	assert.Equal(t, 0, countRows(t, s, "scratch"))
}

func TestAppend_WaitsForUnprocessedPredecessor(t *testing.T) {
	router := &stubRouter{}
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.NoError(t, err)

	router.failing.Store(true)
	_, err = s.Append(ctx, activation(2))
	require.True(t, IsProcessingError(err))
	router.failing.Store(false)

	ev, err := s.Append(ctx, activation(3))
	require.True(t, IsProcessingError(err), "got %v", err)
	assert.ErrorIs(t, err, ErrPredecessorUnprocessed)
	assert.False(t, ev.Processed())
	assert.Equal(t, 1, countRows(t, s, "scratch"), "version 3 must not overtake version 2")

	report, err := s.Reprocess(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, ReprocessReport{Attempted: 2, Succeeded: 2}, report)
	assert.Equal(t, 3, countRows(t, s, "scratch"))

	applied, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
}

func TestAppend_ProcessedEventsAreImmutable(t *testing.T) {
	s := createTestStore(t, &stubRouter{})
	_, err := s.Append(context.Background(), activation(1))
	require.NoError(t, err)

	_, err = s.db.Exec("UPDATE events SET event_type = 'organization.deactivated'")
	assert.Error(t, err)

	_, err = s.db.Exec("DELETE FROM events")
	assert.Error(t, err)
}

func TestReprocess_RetriesFailedEvents(t *testing.T) {
	router := &stubRouter{}
	router.failing.Store(true)
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.True(t, IsProcessingError(err))

	report, err := s.Reprocess(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, ReprocessReport{Attempted: 1, Failed: 1}, report)

	router.failing.Store(false)
	report, err = s.Reprocess(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, ReprocessReport{Attempted: 1, Succeeded: 1}, report)

	stored, err := s.ReadStream(ctx, event.StreamOrganization, testOrgID)
	require.NoError(t, err)
	assert.True(t, stored[0].Processed())
	assert.Empty(t, stored[0].ProcessingError)
	assert.Equal(t, 2, stored[0].RetryCount)
	assert.Equal(t, 1, countRows(t, s, "scratch"))

	report, err = s.Reprocess(ctx, 5, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestReprocess_SkipsExhaustedEvents(t *testing.T) {
	router := &stubRouter{}
	router.failing.Store(true)
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.True(t, IsProcessingError(err))

	report, err := s.Reprocess(ctx, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestRebuild_ReappliesProcessedEventsOnly(t *testing.T) {
	router := &stubRouter{}
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.NoError(t, err)
	_, err = s.Append(ctx, activation(2))
	require.NoError(t, err)

	router.failing.Store(true)
	_, err = s.Append(ctx, activation(3))
	require.True(t, IsProcessingError(err))
	router.failing.Store(false)

	applied, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, 2, countRows(t, s, "scratch"))
}

func TestRebuild_FailureLeavesProjectionsUntouched(t *testing.T) {
	router := &stubRouter{}
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.NoError(t, err)

	router.failing.Store(true)
	_, err = s.Rebuild(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, countRows(t, s, "scratch"))
}

func TestQuery_Filters(t *testing.T) {
	s := createTestStore(t, &stubRouter{})
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		req := activation(v)
		if v == 3 {
			req.Metadata.CorrelationID = "corr-2"
		}
		_, err := s.Append(ctx, req)
		require.NoError(t, err)
	}

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

	byCorr, err := s.ReadByCorrelation(ctx, "corr-2")
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
	assert.Equal(t, int64(3), byCorr[0].StreamVersion)

	after, err := s.Query(ctx, Filter{AfterSeq: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(2), after[0].Seq)

	none, err := s.Query(ctx, Filter{EventType: event.ContactCreated})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	v, err := s.StreamVersion(ctx, event.StreamOrganization, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestSweeper_ReprocessesInBackground(t *testing.T) {
	router := &stubRouter{}
	router.failing.Store(true)
	s := createTestStore(t, router)
	ctx := context.Background()

	_, err := s.Append(ctx, activation(1))
	require.True(t, IsProcessingError(err))
	router.failing.Store(false)

	sweeper := NewSweeper(s, 10*time.Millisecond, time.Second, 10, 5)
	require.NoError(t, sweeper.Start(ctx))
	require.Error(t, sweeper.Start(ctx), "second start must fail")

	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		return err == nil && stats.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sweeper.Shutdown(shutdownCtx))
}
