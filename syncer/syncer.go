// Package syncer coordinates replication: it fires the pre-check hooks,
// opens the remote session, pulls change batches into the pipeline, pushes
// locally changed files back, and converts the reach tracker's failure
// counter into bounded exponential backoff.
//
// All extension behavior flows through the capability hub — the orchestrator
// invokes hooks without knowing which provider answers them:
//
//	beforeReplicate       first-failure  any pre-check can veto a sync
//	processSyncResult     broadcast      observe each pulled batch
//	connectionHasFailure  broadcast      observe connection failures
//	getNewReplicator      first          supply a replacement session factory
package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/vaultsync/vaultsync/docsync"
	"github.com/vaultsync/vaultsync/hub"
	"github.com/vaultsync/vaultsync/idgen"
	"github.com/vaultsync/vaultsync/reach"
	"github.com/vaultsync/vaultsync/remote"
)

// Hook names the orchestrator dispatches through the hub.
const (
	HookBeforeReplicate      = "beforeReplicate"
	HookProcessSyncResult    = "processSyncResult"
	HookConnectionHasFailure = "connectionHasFailure"
	HookGetNewReplicator     = "getNewReplicator"
)

// DefineHooks declares the orchestrator's hooks on a hub with their fixed
// dispatch policies. Call once at process start, before registration.
func DefineHooks(h *hub.Hub) error {
	for _, def := range []struct {
		name   string
		policy hub.Policy
	}{
		{HookBeforeReplicate, hub.FirstFailure},
		{HookProcessSyncResult, hub.Broadcast},
		{HookConnectionHasFailure, hub.Broadcast},
		{HookGetNewReplicator, hub.First},
	} {
		if err := h.Define(def.name, def.policy); err != nil {
			return err
		}
	}
	return nil
}

// Session is the open replication session the orchestrator drives.
// *remote.Store implements it.
type Session interface {
	Info() *remote.StoreInfo
	Changes(ctx context.Context, since string, limit int) (*remote.ChangesBatch, error)
	BulkDocs(ctx context.Context, records []docsync.ChangeRecord) ([]remote.BulkResult, error)
	Close() error
}

// Connector opens a new Session. The default connector wraps remote.Connect
// with the configured URI and credentials.
type Connector func(ctx context.Context) (Session, error)

// ChangeSource yields vault-relative paths modified locally since the last
// push, and takes them back when a push attempt never reached the remote
// store. *vault.Watcher implements it.
type ChangeSource interface {
	Drain() []string
	Requeue(paths []string)
}

// Syncer is the orchestrator. Construct with New, then call Sync for a
// single cycle or Run for a retrying loop.
type Syncer struct {
	hub      *hub.Hub
	tracker  *reach.Tracker
	pipeline *docsync.Pipeline
	logger   *slog.Logger
	genID    idgen.Generator

	connect     Connector
	storage     docsync.Storage
	changes     ChangeSource
	backoff     Backoff
	interval    time.Duration
	batchLimit  int
	maxAttempts int

	mu        sync.Mutex
	session   Session
	since     string
	sessionID string
	closed    bool

	pulls     atomic.Int64
	pushes    atomic.Int64
	conflicts atomic.Int64
	lastSync  atomic.Int64
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithRemote configures the default connector against a store URI.
func WithRemote(uri string, creds remote.Credentials, opts ...remote.Option) Option {
	return func(s *Syncer) {
		s.connect = func(ctx context.Context) (Session, error) {
			return remote.Connect(ctx, uri, creds, opts...)
		}
	}
}

// WithConnector replaces the session factory entirely.
func WithConnector(c Connector) Option {
	return func(s *Syncer) { s.connect = c }
}

// WithPush enables push replication: paths drained from source are read
// from storage and sent to the remote store each cycle.
func WithPush(storage docsync.Storage, source ChangeSource) Option {
	return func(s *Syncer) {
		s.storage = storage
		s.changes = source
	}
}

// WithBackoff sets the retry schedule for Run.
func WithBackoff(b Backoff) Option {
	return func(s *Syncer) { s.backoff = b }
}

// WithInterval sets the idle delay between successful cycles in Run.
// Default: 30s.
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) { s.interval = d }
}

// WithBatchLimit caps how many change records one pull requests.
// Default: 100.
func WithBatchLimit(n int) Option {
	return func(s *Syncer) { s.batchLimit = n }
}

// WithMaxAttempts makes Run give up with a PersistentError after n
// consecutive failed cycles. 0 (default) retries forever.
func WithMaxAttempts(n int) Option {
	return func(s *Syncer) { s.maxAttempts = n }
}

// WithLogger sets a custom logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Syncer) { s.genID = gen }
}

// New creates a Syncer. The hub must already have the hooks defined (see
// DefineHooks); the tracker is the shared connectivity state handed to
// every consumer.
func New(h *hub.Hub, tracker *reach.Tracker, pipeline *docsync.Pipeline, opts ...Option) *Syncer {
	s := &Syncer{
		hub:        h,
		tracker:    tracker,
		pipeline:   pipeline,
		logger:     slog.Default(),
		genID:      idgen.Prefixed("sync_", idgen.Default),
		interval:   30 * time.Second,
		batchLimit: 100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync runs one replication cycle: pre-check hooks, connect if needed, pull
// all outstanding batches into the pipeline, then push local changes.
//
// Failures come back as typed errors, not panics: VetoedError when a
// pre-check declined, remote.EmptyURIError / TransportError / InfoFetchError
// from the connection. The caller (or Run) decides backoff vs. abort.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if !s.hub.Allow(ctx, HookBeforeReplicate) {
		s.logger.InfoContext(ctx, "sync vetoed by pre-check")
		return &VetoedError{Hook: HookBeforeReplicate}
	}

	// Device offline: no network call is worth attempting. A server-side
	// cache of "unreachable" does not short-circuit — the connection attempt
	// below is what corrects it.
	if !s.tracker.Online() {
		s.tracker.CheckActualConnectivity()
		err := &remote.TransportError{Message: "device offline"}
		s.notifyConnectionFailure(ctx, err)
		return err
	}

	sess, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}

	if err := s.pull(ctx, sess); err != nil {
		return err
	}
	if err := s.push(ctx, sess); err != nil {
		return err
	}

	s.lastSync.Store(time.Now().Unix())
	return nil
}

// ensureSession returns the open session, connecting if none is active.
// The connection outcome feeds the reach tracker either way.
func (s *Syncer) ensureSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	if s.session != nil {
		sess := s.session
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	sess, err := s.openSession(ctx)
	if err != nil {
		// A blank URI is a configuration error, not a reachability signal.
		var empty *remote.EmptyURIError
		if !errors.As(err, &empty) {
			s.tracker.SetServerReachable(false)
		}
		s.notifyConnectionFailure(ctx, err)
		return nil, err
	}
	s.tracker.SetServerReachable(true)

	id := s.genID()
	s.mu.Lock()
	s.session = sess
	s.sessionID = id
	s.mu.Unlock()

	if info := sess.Info(); info != nil {
		s.logger.InfoContext(ctx, "replication session opened",
			"session", id, "store", info.Name, "doc_count", info.DocCount,
			"first_time_setup", info.DocCount == 0)
	} else {
		s.logger.InfoContext(ctx, "replication session opened", "session", id)
	}
	return sess, nil
}

// openSession asks the getNewReplicator hook first, so a capability provider
// can supply a replacement session factory; otherwise the configured
// connector is used.
func (s *Syncer) openSession(ctx context.Context) (Session, error) {
	if res, err := s.hub.Invoke(ctx, HookGetNewReplicator); err == nil {
		if factory, ok := res.(Connector); ok {
			return factory(ctx)
		}
		if sess, ok := res.(Session); ok {
			return sess, nil
		}
	}
	if s.connect == nil {
		return nil, &remote.EmptyURIError{}
	}
	return s.connect(ctx)
}

// pull drains the remote changes feed batch by batch, handing survivors to
// the pipeline. One outstanding remote request at a time.
func (s *Syncer) pull(ctx context.Context, sess Session) error {
	for {
		s.mu.Lock()
		since := s.since
		s.mu.Unlock()

		batch, err := sess.Changes(ctx, since, s.batchLimit)
		if err != nil {
			s.tracker.SetServerReachable(false)
			s.notifyConnectionFailure(ctx, err)
			s.dropSession()
			return err
		}
		s.tracker.SetServerReachable(true)

		if len(batch.Records) > 0 {
			s.pipeline.SubmitBatch(ctx, batch.Records)
			s.pulls.Add(int64(len(batch.Records)))
			s.hub.Invoke(ctx, HookProcessSyncResult, batch.Records) //nolint:errcheck // broadcast
		}

		s.mu.Lock()
		s.since = batch.LastSeq
		s.mu.Unlock()

		if len(batch.Records) == 0 || len(batch.Records) < s.batchLimit {
			return nil
		}
	}
}

// push sends locally changed files to the remote store. Per-document
// conflicts are aggregated and logged once, not surfaced individually.
func (s *Syncer) push(ctx context.Context, sess Session) error {
	if s.changes == nil || s.storage == nil {
		return nil
	}
	paths := s.changes.Drain()
	if len(paths) == 0 {
		return nil
	}

	records := make([]docsync.ChangeRecord, 0, len(paths))
	for _, p := range paths {
		rec, ok := s.recordFor(ctx, p)
		if ok {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return nil
	}

	results, err := sess.BulkDocs(ctx, records)
	if err != nil {
		// Drained paths go back to the source so the next healthy cycle
		// pushes them; a transient failure must not lose local changes.
		s.changes.Requeue(paths)
		s.tracker.SetServerReachable(false)
		s.notifyConnectionFailure(ctx, err)
		s.dropSession()
		return err
	}

	var conflicts int
	for _, r := range results {
		if r.Error != "" {
			conflicts++
		}
	}
	s.pushes.Add(int64(len(records) - conflicts))
	s.conflicts.Add(int64(conflicts))
	s.logger.InfoContext(ctx, "pushed local changes",
		"sent", len(records), "conflicts", conflicts)
	return nil
}

// recordFor builds the outbound change record for one local path. A missing
// file becomes a deletion record.
func (s *Syncer) recordFor(ctx context.Context, path string) (docsync.ChangeRecord, bool) {
	exists, err := s.storage.Exists(path)
	if err != nil {
		s.logger.WarnContext(ctx, "skipping unpushable path", "path", path, "error", err)
		return docsync.ChangeRecord{}, false
	}
	if !exists {
		return docsync.ChangeRecord{ID: path, Path: path, Deleted: true}, true
	}

	data, err := s.storage.Read(path)
	if err != nil {
		s.logger.WarnContext(ctx, "skipping unreadable path", "path", path, "error", err)
		return docsync.ChangeRecord{}, false
	}

	rec := docsync.ChangeRecord{
		ID:    path,
		Path:  path,
		Type:  docsync.TypePlain,
		MTime: time.Now().UnixMilli(),
	}
	if utf8.Valid(data) {
		rec.Data = string(data)
	} else {
		rec.Binary = true
		rec.Data = base64.StdEncoding.EncodeToString(data)
	}
	return rec, true
}

// Run repeats Sync until ctx is cancelled. A failed cycle waits out the
// backoff derived from the tracker's consecutive-failure counter; with
// WithMaxAttempts the loop surfaces a PersistentError instead of retrying
// forever. A veto aborts immediately — it is a decision, not an outage.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		err := s.Sync(ctx)
		switch {
		case err == nil:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.interval):
			}
			continue

		case errors.Is(err, ErrClosed) || ctx.Err() != nil:
			return err

		default:
			var veto *VetoedError
			if errors.As(err, &veto) {
				return err
			}

			failures := s.tracker.ConsecutiveFailures()
			if s.maxAttempts > 0 && failures >= s.maxAttempts {
				return &PersistentError{Attempts: failures, Cause: err}
			}
			delay := s.backoff.Delay(failures)
			s.logger.WarnContext(ctx, "sync failed, backing off",
				"consecutive_failures", failures,
				"delay", delay.String(),
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// notifyConnectionFailure surfaces a single summarized notice per failure
// and broadcasts it to interested providers.
func (s *Syncer) notifyConnectionFailure(ctx context.Context, err error) {
	s.logger.ErrorContext(ctx, "remote connection failed", "error", err)
	s.hub.Invoke(ctx, HookConnectionHasFailure, err) //nolint:errcheck // broadcast
}

// dropSession closes and forgets the current session so the next cycle
// reconnects.
func (s *Syncer) dropSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.sessionID = ""
	s.mu.Unlock()
	if sess != nil {
		sess.Close() //nolint:errcheck // best effort
	}
}

// Close shuts the orchestrator down. Idempotent; safe when no session is
// active. An in-flight pipeline drain finishes its current record.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Close() //nolint:errcheck // best effort
	}
	s.pipeline.Wait()
	return nil
}

// SessionID returns the active replication session ID, or "".
func (s *Syncer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status returns a JSON-serializable summary.
func (s *Syncer) Status() map[string]any {
	s.mu.Lock()
	sessionID := s.sessionID
	since := s.since
	connected := s.session != nil
	closed := s.closed
	s.mu.Unlock()

	return map[string]any{
		"session":   sessionID,
		"connected": connected,
		"closed":    closed,
		"since":     since,
		"pulled":    s.pulls.Load(),
		"pushed":    s.pushes.Load(),
		"conflicts": s.conflicts.Load(),
		"last_sync": s.lastSync.Load(),
	}
}
