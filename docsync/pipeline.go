package docsync

import (
	"context"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
)

// Pipeline classifies incoming change records and serially applies the
// survivors to local storage.
//
// Concurrent submissions are safe: they only append to the queue. At most
// one drain runs at a time — a submission arriving while a drain is active
// extends the current pass instead of starting a second one. A single
// record's failure is caught, counted, and never stalls the queue.
type Pipeline struct {
	storage Storage
	entries EntryStore
	logger  *slog.Logger

	mu         sync.Mutex
	queue      []ChangeRecord
	processing bool
	wg         sync.WaitGroup

	applied atomic.Int64
	deleted atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets a custom logger for the pipeline.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a Pipeline writing to storage and hydrating payloads
// through entries.
func NewPipeline(storage Storage, entries EntryStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		storage: storage,
		entries: entries,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SubmitBatch filters records and appends the survivors to the queue in
// arrival order, starting a drain if none is active. It returns without
// waiting for the drain; call Wait to block until the queue is empty.
//
// The drain honors ctx between records: an in-flight record finishes its
// write before a stop request takes effect, so no file is left half-written.
func (p *Pipeline) SubmitBatch(ctx context.Context, records []ChangeRecord) {
	kept := make([]ChangeRecord, 0, len(records))
	for _, rec := range records {
		if reason := Classify(rec); reason != "" {
			p.dropped.Add(1)
			p.logger.DebugContext(ctx, "record filtered",
				"id", rec.ID, "type", string(rec.Type), "reason", string(reason))
			continue
		}
		kept = append(kept, rec)
	}

	p.mu.Lock()
	p.queue = append(p.queue, kept...)
	start := !p.processing && len(p.queue) > 0
	if start {
		p.processing = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if start {
		go p.drain(ctx)
	}
}

// Wait blocks until no drain is active. Intended for tests and orderly
// shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// QueueLen returns the number of records awaiting application.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// drain pops records FIFO and applies each one until the queue is empty,
// then resets the processing flag so a future submission starts fresh.
func (p *Pipeline) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || ctx.Err() != nil {
			p.processing = false
			p.mu.Unlock()
			return
		}
		rec := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := p.apply(ctx, rec); err != nil {
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "record apply failed",
				"id", rec.ID, "path", rec.Path, "error", err)
		}
	}
}

// apply writes one record to local storage. Errors are returned as
// *RecordApplyError and absorbed by the drain loop.
func (p *Pipeline) apply(ctx context.Context, rec ChangeRecord) error {
	// A revision we already applied is a no-op, so the remote re-sending
	// outstanding diffs never produces duplicate writes.
	if rec.Rev != "" {
		last, err := p.entries.AppliedRev(ctx, rec.ID)
		if err == nil && last == rec.Rev {
			p.skipped.Add(1)
			p.logger.DebugContext(ctx, "record already applied", "id", rec.ID, "rev", rec.Rev)
			return nil
		}
	}

	if rec.Deleted {
		return p.applyDelete(ctx, rec)
	}

	payload, ok, err := p.payload(ctx, rec)
	if err != nil {
		return &RecordApplyError{ID: rec.ID, Path: rec.Path, Op: "hydrate", Cause: err}
	}
	if !ok {
		// The next replication cycle resends outstanding diffs; do not
		// retry within this drain pass.
		p.skipped.Add(1)
		p.logger.WarnContext(ctx, "payload unavailable, skipped until next cycle",
			"id", rec.ID, "path", rec.Path)
		return nil
	}

	if dir := path.Dir(rec.Path); dir != "." && dir != "/" {
		if err := p.storage.CreateFolder(dir); err != nil {
			return &RecordApplyError{ID: rec.ID, Path: rec.Path, Op: "create folder", Cause: err}
		}
	}

	// Overwrite an existing file, create otherwise.
	if err := p.storage.Write(rec.Path, payload); err != nil {
		return &RecordApplyError{ID: rec.ID, Path: rec.Path, Op: "write", Cause: err}
	}
	p.applied.Add(1)
	p.markApplied(ctx, rec)
	p.logger.InfoContext(ctx, "record applied", "id", rec.ID, "path", rec.Path, "bytes", len(payload))
	return nil
}

// applyDelete removes the local file for a deletion record. Absence of the
// local file is not an error — it is already gone.
func (p *Pipeline) applyDelete(ctx context.Context, rec ChangeRecord) error {
	target := rec.Path
	if target == "" {
		entry, err := p.entries.GetFullEntry(ctx, rec, true, false)
		if err != nil {
			return &RecordApplyError{ID: rec.ID, Op: "resolve path", Cause: err}
		}
		if entry == nil {
			p.markApplied(ctx, rec)
			return nil
		}
		target = entry.Path
	}

	exists, err := p.storage.Exists(target)
	if err != nil {
		return &RecordApplyError{ID: rec.ID, Path: target, Op: "stat", Cause: err}
	}
	if exists {
		if err := p.storage.Delete(target); err != nil {
			return &RecordApplyError{ID: rec.ID, Path: target, Op: "delete", Cause: err}
		}
		p.deleted.Add(1)
		p.logger.InfoContext(ctx, "record deleted locally", "id", rec.ID, "path", target)
	}
	p.markApplied(ctx, rec)
	return nil
}

// payload returns the record's content, preferring the inline copy and
// falling back to the entry database. ok=false means the content is not
// available yet.
func (p *Pipeline) payload(ctx context.Context, rec ChangeRecord) ([]byte, bool, error) {
	inline, err := rec.InlinePayload()
	if err != nil {
		return nil, false, err
	}
	if inline != nil {
		return inline, true, nil
	}

	entry, err := p.entries.GetFullEntry(ctx, rec, false, true)
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.Data == nil {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// markApplied records the revision ledger entry; a failure here only costs
// one redundant re-apply on the next cycle, so it is logged and dropped.
func (p *Pipeline) markApplied(ctx context.Context, rec ChangeRecord) {
	if rec.Rev == "" {
		return
	}
	if err := p.entries.MarkApplied(ctx, rec.ID, rec.Rev); err != nil {
		p.logger.WarnContext(ctx, "mark applied failed", "id", rec.ID, "error", err)
	}
}

// Status returns a JSON-serializable summary with aggregated counters —
// per-record failures are counted here rather than surfaced individually.
func (p *Pipeline) Status() map[string]any {
	return map[string]any{
		"queued":  p.QueueLen(),
		"applied": p.applied.Load(),
		"deleted": p.deleted.Load(),
		"skipped": p.skipped.Load(),
		"failed":  p.failed.Load(),
		"dropped": p.dropped.Load(),
	}
}
