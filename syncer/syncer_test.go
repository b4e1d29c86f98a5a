package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vaultsync/vaultsync/docsync"
	"github.com/vaultsync/vaultsync/hub"
	"github.com/vaultsync/vaultsync/reach"
	"github.com/vaultsync/vaultsync/remote"
)

// memStorage is a minimal in-memory docsync.Storage.
type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (s *memStorage) Read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (s *memStorage) Write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *memStorage) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

func (s *memStorage) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok, nil
}

func (s *memStorage) CreateFolder(string) error { return nil }

// memEntries is a minimal in-memory docsync.EntryStore.
type memEntries struct {
	mu      sync.Mutex
	applied map[string]string
}

func newMemEntries() *memEntries {
	return &memEntries{applied: make(map[string]string)}
}

func (e *memEntries) GetFullEntry(context.Context, docsync.ChangeRecord, bool, bool) (*docsync.FullEntry, error) {
	return nil, nil
}

func (e *memEntries) AppliedRev(_ context.Context, id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied[id], nil
}

func (e *memEntries) MarkApplied(_ context.Context, id, rev string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied[id] = rev
	return nil
}

func (e *memEntries) EntryCount(context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.applied)), nil
}

// fakeSession is a scripted Session.
type fakeSession struct {
	mu         sync.Mutex
	batches    []*remote.ChangesBatch
	changesErr error
	bulkErr    error // consumed by the next BulkDocs call
	bulkCalls  [][]docsync.ChangeRecord
	closed     int
}

func (f *fakeSession) Info() *remote.StoreInfo {
	return &remote.StoreInfo{Name: "vault", DocCount: 3}
}

func (f *fakeSession) Changes(_ context.Context, since string, limit int) (*remote.ChangesBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if len(f.batches) == 0 {
		return &remote.ChangesBatch{LastSeq: since}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSession) BulkDocs(_ context.Context, records []docsync.ChangeRecord) ([]remote.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		err := f.bulkErr
		f.bulkErr = nil
		return nil, err
	}
	f.bulkCalls = append(f.bulkCalls, records)
	results := make([]remote.BulkResult, len(records))
	for i, r := range records {
		results[i] = remote.BulkResult{ID: r.ID, Rev: "1-new"}
	}
	return results, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type harness struct {
	hub      *hub.Hub
	tracker  *reach.Tracker
	storage  *memStorage
	entries  *memEntries
	pipeline *docsync.Pipeline
	session  *fakeSession
	connects int
}

func newHarness(t *testing.T, opts ...Option) (*harness, *Syncer) {
	t.Helper()
	env := &harness{
		hub:     hub.New(),
		tracker: reach.New(),
		storage: newMemStorage(),
		entries: newMemEntries(),
		session: &fakeSession{},
	}
	env.pipeline = docsync.NewPipeline(env.storage, env.entries)
	if err := DefineHooks(env.hub); err != nil {
		t.Fatalf("define hooks: %v", err)
	}

	opts = append([]Option{WithConnector(func(ctx context.Context) (Session, error) {
		env.connects++
		return env.session, nil
	})}, opts...)
	return env, New(env.hub, env.tracker, env.pipeline, opts...)
}

func TestSync_PullFeedsPipeline(t *testing.T) {
	env, s := newHarness(t)
	env.session.batches = []*remote.ChangesBatch{{
		Records: []docsync.ChangeRecord{
			{ID: "h:chunk", Type: docsync.TypeLeaf, Rev: "1-x", Data: "x"},
			{ID: "note.md", Type: docsync.TypePlain, Rev: "1-a", Path: "note.md", Data: "# hi"},
		},
		LastSeq: "2-seq",
	}}

	var observed int
	env.hub.Register(HookProcessSyncResult, func(ctx context.Context, args ...any) (any, error) {
		if records, ok := args[0].([]docsync.ChangeRecord); ok {
			observed += len(records)
		}
		return nil, nil
	})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	env.pipeline.Wait()

	if data, _ := env.storage.Read("note.md"); string(data) != "# hi" {
		t.Fatalf("note not applied: %q", data)
	}
	if _, err := env.storage.Read("h:chunk"); err == nil {
		t.Fatal("chunk record must be filtered")
	}
	if observed != 2 {
		t.Fatalf("processSyncResult saw %d records, want 2", observed)
	}
	if st := s.Status(); st["since"] != "2-seq" {
		t.Fatalf("since not advanced: %v", st)
	}
	if env.tracker.ServerReachable() != reach.Reachable {
		t.Fatal("successful pull must mark server reachable")
	}
}

func TestSync_VetoAborts(t *testing.T) {
	env, s := newHarness(t)
	env.hub.Register(HookBeforeReplicate, func(ctx context.Context, args ...any) (any, error) {
		return false, nil
	})

	err := s.Sync(context.Background())
	var veto *VetoedError
	if !errors.As(err, &veto) {
		t.Fatalf("expected VetoedError, got %v", err)
	}
	if env.connects != 0 {
		t.Fatalf("connector called %d times despite veto", env.connects)
	}
}

func TestSync_ConnectionFailure(t *testing.T) {
	env, s := newHarness(t, WithConnector(func(ctx context.Context) (Session, error) {
		return nil, &remote.TransportError{Message: "connection refused"}
	}))

	var notified []error
	env.hub.Register(HookConnectionHasFailure, func(ctx context.Context, args ...any) (any, error) {
		if err, ok := args[0].(error); ok {
			notified = append(notified, err)
		}
		return nil, nil
	})

	err := s.Sync(context.Background())
	var te *remote.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if env.tracker.ConsecutiveFailures() != 1 {
		t.Fatalf("failures = %d, want 1", env.tracker.ConsecutiveFailures())
	}
	if len(notified) != 1 {
		t.Fatalf("connectionHasFailure fired %d times, want 1", len(notified))
	}
}

func TestSync_EmptyURI_NotAReachabilitySignal(t *testing.T) {
	env, s := newHarness(t, WithConnector(func(ctx context.Context) (Session, error) {
		return nil, &remote.EmptyURIError{}
	}))

	err := s.Sync(context.Background())
	var empty *remote.EmptyURIError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptyURIError, got %v", err)
	}
	if env.tracker.ConsecutiveFailures() != 0 {
		t.Fatal("configuration error must not count as a connectivity failure")
	}
}

func TestSync_DeviceOffline_NoConnectAttempt(t *testing.T) {
	env, s := newHarness(t)
	env.tracker.SetOnline(false)

	err := s.Sync(context.Background())
	var te *remote.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if env.connects != 0 {
		t.Fatalf("connector called %d times while offline", env.connects)
	}
	if env.tracker.ConsecutiveFailures() != 1 {
		t.Fatalf("failures = %d, want 1", env.tracker.ConsecutiveFailures())
	}
}

func TestSync_ReusesSession(t *testing.T) {
	env, s := newHarness(t)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.connects != 1 {
		t.Fatalf("connected %d times, want 1", env.connects)
	}
	if s.SessionID() == "" {
		t.Fatal("missing session id")
	}
}

func TestSync_PushesLocalChanges(t *testing.T) {
	storage := newMemStorage()
	storage.Write("local.md", []byte("local content"))
	// removed.md does not exist: becomes a deletion record.
	src := &staticChanges{paths: []string{"local.md", "removed.md"}}

	h := hub.New()
	if err := DefineHooks(h); err != nil {
		t.Fatal(err)
	}
	session := &fakeSession{}
	s := New(h, reach.New(), docsync.NewPipeline(storage, newMemEntries()),
		WithConnector(func(ctx context.Context) (Session, error) { return session, nil }),
		WithPush(storage, src),
	)

	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	calls := session.bulkCalls
	if len(calls) != 1 {
		t.Fatalf("got %d bulk calls, want 1", len(calls))
	}
	records := calls[0]
	if len(records) != 2 {
		t.Fatalf("got %d records: %+v", len(records), records)
	}
	byID := map[string]docsync.ChangeRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}
	if byID["local.md"].Data != "local content" || byID["local.md"].Binary {
		t.Fatalf("unexpected pushed record: %+v", byID["local.md"])
	}
	if !byID["removed.md"].Deleted {
		t.Fatalf("missing deletion record: %+v", byID["removed.md"])
	}
}

type staticChanges struct {
	mu    sync.Mutex
	paths []string
}

func (s *staticChanges) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.paths
	s.paths = nil
	return out
}

func (s *staticChanges) Requeue(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, paths...)
}

func TestSync_PushRequeuesOnTransientFailure(t *testing.T) {
	storage := newMemStorage()
	storage.Write("local.md", []byte("local content"))
	src := &staticChanges{paths: []string{"local.md"}}

	h := hub.New()
	if err := DefineHooks(h); err != nil {
		t.Fatal(err)
	}
	session := &fakeSession{bulkErr: &remote.TransportError{Message: "connection reset"}}
	s := New(h, reach.New(), docsync.NewPipeline(storage, newMemEntries()),
		WithConnector(func(ctx context.Context) (Session, error) { return session, nil }),
		WithPush(storage, src),
	)

	var te *remote.TransportError
	if err := s.Sync(context.Background()); !errors.As(err, &te) {
		t.Fatalf("expected TransportError from failed push, got %v", err)
	}
	if len(session.bulkCalls) != 0 {
		t.Fatalf("failed push recorded %d bulk calls", len(session.bulkCalls))
	}

	// The next healthy cycle must push the change the failed one drained.
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(session.bulkCalls) != 1 {
		t.Fatalf("got %d bulk calls after recovery, want 1", len(session.bulkCalls))
	}
	records := session.bulkCalls[0]
	if len(records) != 1 || records[0].ID != "local.md" || records[0].Data != "local content" {
		t.Fatalf("requeued change not pushed: %+v", records)
	}
}

func TestRun_PersistentFailure(t *testing.T) {
	_, s := newHarness(t,
		WithConnector(func(ctx context.Context) (Session, error) {
			return nil, &remote.TransportError{Message: "down"}
		}),
		WithBackoff(Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}),
		WithMaxAttempts(3),
	)

	err := s.Run(context.Background())
	var pe *PersistentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistentError, got %v", err)
	}
	if pe.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", pe.Attempts)
	}
	var te *remote.TransportError
	if !errors.As(err, &te) {
		t.Fatal("cause not preserved")
	}
}

func TestRun_VetoSurfacesImmediately(t *testing.T) {
	env, s := newHarness(t)
	env.hub.Register(HookBeforeReplicate, func(ctx context.Context, args ...any) (any, error) {
		return false, nil
	})
	err := s.Run(context.Background())
	var veto *VetoedError
	if !errors.As(err, &veto) {
		t.Fatalf("expected VetoedError, got %v", err)
	}
}

func TestGetNewReplicatorHook(t *testing.T) {
	custom := &fakeSession{}
	env, s := newHarness(t)
	env.hub.Register(HookGetNewReplicator, func(ctx context.Context, args ...any) (any, error) {
		return Session(custom), nil
	})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.connects != 0 {
		t.Fatal("default connector used despite getNewReplicator answer")
	}
}

func TestClose_Idempotent(t *testing.T) {
	env, s := newHarness(t)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if env.session.closed != 1 {
		t.Fatalf("session closed %d times, want 1", env.session.closed)
	}
	if err := s.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStatusHandler(t *testing.T) {
	env, s := newHarness(t)
	h := StatusHandler(s, env.hub, env.tracker, env.pipeline, env.entries)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"syncer", "hub", "reach", "pipeline", "entries"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in status: %v", key, body)
		}
	}

	health, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", health.StatusCode)
	}
}

func TestStatusHandler_HealthIsReadOnly(t *testing.T) {
	env, s := newHarness(t)
	env.tracker.SetOnline(false)
	h := StatusHandler(s, env.hub, env.tracker, env.pipeline, nil)

	srv := httptest.NewServer(h)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("health while offline = %d, want 503", resp.StatusCode)
		}
	}
	if got := env.tracker.ConsecutiveFailures(); got != 0 {
		t.Fatalf("health polling inflated the failure counter to %d", got)
	}
	if env.tracker.ServerReachable() != reach.Unknown {
		t.Fatal("health polling mutated the server axis")
	}
}
