package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/session"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveSession(ctx, &SessionRow{ID: "s1", UserID: 7, ChatID: 70, Name: "api", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	row, err := db2.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if row == nil || row.Name != "api" || row.UserID != 7 {
		t.Errorf("Unexpected data: %+v", row)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)
	v, err := db.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	missing, err := db.GetMeta("nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: "a", UserID: 1, ChatID: 10, Name: "api", WorkDir: "/src/api", CreatedAt: created}))
	require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: "a", UserID: 1, ChatID: 10, Name: "api-renamed", CreatedAt: created.Add(time.Hour)}))

	row, err := db.Session(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "api-renamed", row.Name)
	assert.True(t, created.Equal(row.CreatedAt), "creation time is kept on update")
	assert.True(t, row.EndedAt.IsZero())

	ended := created.Add(2 * time.Hour)
	require.NoError(t, db.EndSession(ctx, "a", ended, "killed"))
	require.NoError(t, db.EndSession(ctx, "a", ended.Add(time.Hour), "ended"))

	row, err = db.Session(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ended.Equal(row.EndedAt))
	assert.Equal(t, "killed", row.EndReason, "first end wins")

	missing, err := db.Session(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSessionsForUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: id, UserID: 1, Name: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: "other", UserID: 2, Name: "other", CreatedAt: base}))

	rows, err := db.SessionsForUser(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "mid", rows[1].ID)
}

func TestEventsChronologicalWithLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: "a", UserID: 1, Name: "a", CreatedAt: time.Now()}))

	for _, kind := range []string{"created", "phase", "phase", "ended"} {
		_, err := db.AppendEvent(ctx, &EventRow{SessionID: "a", Kind: kind, At: time.Now()})
		require.NoError(t, err)
	}

	events, err := db.Events(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "phase", events[0].Kind)
	assert.Equal(t, "ended", events[2].Kind)
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestEventRequiresSession(t *testing.T) {
	db := newTestDB(t)
	_, err := db.AppendEvent(context.Background(), &EventRow{SessionID: "ghost", Kind: "phase", At: time.Now()})
	assert.Error(t, err)
}

func TestPruneAndOrphans(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, db.SaveSession(ctx, &SessionRow{ID: "a", UserID: 1, Name: "a", CreatedAt: now}))
	_, err := db.AppendEvent(ctx, &EventRow{SessionID: "a", Kind: "created", At: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = db.AppendEvent(ctx, &EventRow{SessionID: "a", Kind: "phase", At: now})
	require.NoError(t, err)

	n, err := db.PruneEvents(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.MarkOrphansEnded(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	row, err := db.Session(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "relay restarted", row.EndReason)
}

func testEvent(kind session.EventKind) session.Event {
	return session.Event{
		SessionID: "s1",
		UserID:    1,
		ChatID:    10,
		Name:      "api",
		WorkDir:   "/src/api",
		Kind:      kind,
		At:        time.Now(),
	}
}

func TestRecorderWritesEvents(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, 16)

	rec.RecordSessionEvent(testEvent(session.EventCreated))
	phaseEv := testEvent(session.EventPhase)
	phaseEv.From, phaseEv.To = "dormant", "thinking"
	rec.RecordSessionEvent(phaseEv)
	killed := testEvent(session.EventKilled)
	killed.Detail = "killed from chat"
	rec.RecordSessionEvent(killed)
	require.NoError(t, rec.Close())

	ctx := context.Background()
	events, err := rec.Events(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "created", events[0].Kind)
	assert.Equal(t, "dormant", events[1].FromPhase)
	assert.Equal(t, "thinking", events[1].ToPhase)

	sessions, err := rec.Sessions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "killed from chat", sessions[0].EndReason)
	assert.False(t, sessions[0].EndedAt.IsZero())
}

func TestRecorderNeverBlocks(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, 1)

	const total = 500
	done := make(chan struct{})
	go func() {
		for range total {
			rec.RecordSessionEvent(testEvent(session.EventPhase))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RecordSessionEvent blocked")
	}
	require.NoError(t, rec.Close())

	events, err := db.Events(context.Background(), "s1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(total), int64(len(events))+rec.Dropped())
}

func TestRecorderAfterClose(t *testing.T) {
	rec := NewRecorder(newTestDB(t), 4)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	rec.RecordSessionEvent(testEvent(session.EventPhase))
	assert.Zero(t, rec.Dropped())
}
