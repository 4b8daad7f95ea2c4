// Package orchestrator drives ingestion end to end: poll the source, queue
// work under backpressure, and run the parse → persist → verify → audit → ack
// pipeline on a fixed worker pool.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/ingest/audit"
	"github.com/acme/claims/internal/ingest/model"
	"github.com/acme/claims/internal/ingest/persist"
)

type Config struct {
	Workers       int
	QueueCapacity int
	PollInterval  time.Duration
	RetryMax      int
	RetryBackoff  time.Duration
	AckEnabled    bool
}

// runRef ties a queued entry to the run it was discovered under, so the run
// row closes only after its last file settles.
type runRef struct {
	run *audit.Run
	wg  *sync.WaitGroup
}

type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	parser    Parser
	persister Persister
	verifier  Verifier
	store     Store
	rec       *audit.Recorder
	ack       Acker
	log       zerolog.Logger

	queue *Queue
	pool  pond.Pool
	sched *cron.Cron

	mu       sync.Mutex
	inflight map[string]struct{}
	failed   map[string]struct{}
}

func New(cfg Config, fetcher Fetcher, parser Parser, persister Persister, verifier Verifier, store Store, rec *audit.Recorder, ack Acker, log zerolog.Logger) *Orchestrator {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		parser:    parser,
		persister: persister,
		verifier:  verifier,
		store:     store,
		rec:       rec,
		ack:       ack,
		log:       log.With().Str("component", "orchestrator").Logger(),
		queue:     NewQueue(cfg.QueueCapacity),
		inflight:  make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// Start launches the worker pool and the polling schedule, then runs an
// immediate first poll. Cancel ctx before calling Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.pool = pond.NewPool(o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		o.pool.Submit(func() { o.workerLoop(ctx) })
	}

	o.sched = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := o.sched.AddFunc(fmt.Sprintf("@every %s", o.cfg.PollInterval), func() {
		o.PollOnce(ctx, "scheduled")
	}); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	o.sched.Start()

	o.log.Info().Int("workers", o.cfg.Workers).Int("queue_capacity", o.cfg.QueueCapacity).
		Dur("poll_interval", o.cfg.PollInterval).Msg("orchestrator started")

	o.PollOnce(ctx, "startup")
	return nil
}

func (o *Orchestrator) Stop() {
	if o.sched != nil {
		<-o.sched.Stop().Done()
	}
	if o.pool != nil {
		o.pool.StopAndWait()
	}
	o.log.Info().Msg("orchestrator stopped")
}

// PollOnce runs one fetch cycle. The queue takes what it can hold; everything
// else stays at the source and reappears on the next poll.
func (o *Orchestrator) PollOnce(ctx context.Context, reason string) {
	run := o.rec.StartRun(ctx, reason)
	wg := &sync.WaitGroup{}

	items, err := o.fetcher.Poll(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("poll failed")
		o.rec.RecordError(ctx, audit.ErrorRecord{Stage: "fetch", Message: err.Error(), Retryable: true})
		o.rec.EndRun(ctx, run)
		return
	}
	run.AddDiscovered(len(items))

	held := 0
	for _, it := range items {
		if !o.admit(it.FileID) {
			continue
		}
		wg.Add(1)
		if o.queue.TryEnqueue(entry{work: it, run: runRef{run: run, wg: wg}}) {
			run.AddPulled(1)
			continue
		}
		wg.Done()
		o.release(it.FileID)
		held++
	}
	if held > 0 {
		o.log.Info().Int("held", held).Int("queued", o.queue.Len()).
			Msg("queue full, files held for next poll")
	}

	go func() {
		wg.Wait()
		o.rec.EndRun(context.WithoutCancel(ctx), run)
	}()
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		e, ok := o.queue.Dequeue(ctx)
		if !ok {
			return
		}
		o.handle(ctx, e)
	}
}

func (o *Orchestrator) handle(ctx context.Context, e entry) {
	out, retryable := o.processOne(ctx, e)

	if out.Status == audit.FileFailed {
		// Each failed attempt leaves its reason in the audit trail, not just
		// the final one.
		e.reasons = append(e.reasons, out.Reason)
		o.rec.RecordError(ctx, audit.ErrorRecord{
			IngestionFileID: out.IngestionFileID,
			Stage:           out.ErrorClass,
			ObjectKey:       e.work.FileName,
			Message:         out.Reason,
			Retryable:       retryable,
		})

		if retryable && e.attempt < o.cfg.RetryMax {
			e.attempt++
			o.log.Warn().Str("file_id", e.work.FileID).Int("attempt", e.attempt).
				Str("reason", out.Reason).Msg("attempt failed, retrying")
			backoff := time.Duration(e.attempt) * o.cfg.RetryBackoff
			time.AfterFunc(backoff, func() {
				if !o.queue.Enqueue(ctx, e) {
					out.Reason = "shutdown during retry: " + out.Reason
					o.settle(context.WithoutCancel(ctx), e, out)
				}
			})
			return
		}
	}

	o.settle(ctx, e, out)
}

// settle records the terminal outcome, archives finished files, offers the
// acknowledgement, and frees the in-flight slot.
func (o *Orchestrator) settle(ctx context.Context, e entry, out audit.FileOutcome) {
	out.RetryReasons = e.reasons

	switch out.Status {
	case audit.FileFailed:
		o.markFailed(e.work.FileID)
		o.log.Error().Str("file_id", e.work.FileID).Str("reason", out.Reason).
			Str("error_class", out.ErrorClass).Int("attempts", out.RetryCount+1).
			Msg("file failed terminally")
	default:
		if err := o.fetcher.Archive(ctx, e.work); err != nil {
			o.log.Warn().Err(err).Str("file_id", e.work.FileID).Msg("archive failed, file will redeliver")
			o.rec.RecordError(ctx, audit.ErrorRecord{
				IngestionFileID: out.IngestionFileID,
				Stage:           "archive",
				ObjectKey:       e.work.FileName,
				Message:         err.Error(),
				Retryable:       true,
			})
		}
	}

	// Every terminal outcome is offered to the acker, failures included.
	o.tryAck(ctx, &out)

	o.rec.RecordFile(ctx, e.run.run, out)
	o.release(e.work.FileID)
	e.run.wg.Done()
}

// processOne runs the pipeline for a single file. The bool reports whether a
// FAILED outcome is worth another attempt.
func (o *Orchestrator) processOne(ctx context.Context, e entry) (audit.FileOutcome, bool) {
	start := time.Now()
	out := audit.FileOutcome{FileID: e.work.FileID, RetryCount: e.attempt}
	defer func() { out.Duration = time.Since(start) }()

	already, err := o.store.AlreadyProjected(ctx, e.work.FileID)
	if err != nil {
		out.Status = audit.FileFailed
		out.Reason = fmt.Sprintf("projection lookup: %v", err)
		out.ErrorClass = "store"
		return out, true
	}
	if already {
		out.Status = audit.FileAlready
		o.log.Info().Str("file_id", e.work.FileID).Msg("file already projected, skipped")
		return out, false
	}

	f, err := o.parser.Parse(e.work.FileID, e.work.FileName, bytes.NewReader(e.work.Data))
	if err != nil {
		// Malformed input does not heal on retry.
		out.Status = audit.FileFailed
		out.Reason = err.Error()
		out.ErrorClass = "parse"
		return out, false
	}
	out.ParsedClaims = f.RecordCount()
	out.ParsedActivities = countActivities(f)

	rowID, err := o.store.RegisterFile(ctx, f)
	if err != nil {
		out.Status = audit.FileFailed
		out.Reason = fmt.Sprintf("register file: %v", err)
		out.ErrorClass = "store"
		return out, true
	}
	out.IngestionFileID = &rowID

	counts, err := o.persister.PersistFile(ctx, rowID, f)
	if err != nil {
		out.Status = audit.FileFailed
		out.Reason = err.Error()
		out.ErrorClass = "persist"
		if persist.IsIntegrity(err) {
			out.ErrorClass = "integrity"
		}
		// Projection is idempotent, so another attempt converges on the
		// committed rows instead of duplicating them.
		return out, true
	}
	out.PersistedClaims = counts.Claims + counts.RemittanceClaims
	out.PersistedActs = counts.Activities + counts.RemittanceActivities
	out.PersistedEvents = counts.Events

	report := o.verifier.VerifyFile(ctx, rowID, f, counts)
	passed := report.Passed
	out.VerificationPassed = &passed

	out.Status = audit.FileOK
	return out, false
}

func (o *Orchestrator) tryAck(ctx context.Context, out *audit.FileOutcome) {
	if !o.cfg.AckEnabled {
		return
	}
	out.AckAttempted = true
	a := Ack{
		FileID:             out.FileID,
		Success:            out.Status != audit.FileFailed,
		VerificationPassed: out.VerificationPassed != nil && *out.VerificationPassed,
	}
	if err := o.ack.Ack(ctx, a); err != nil {
		o.log.Warn().Err(err).Str("file_id", out.FileID).Msg("ack failed")
		o.rec.RecordError(ctx, audit.ErrorRecord{
			IngestionFileID: out.IngestionFileID,
			Stage:           "ack",
			ObjectKey:       out.FileID,
			Message:         err.Error(),
			Retryable:       true,
		})
		return
	}
	out.AckSent = true
}

// admit reserves the in-flight slot for a file id. Files already queued,
// processing, or terminally failed are not admitted.
func (o *Orchestrator) admit(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.failed[fileID]; ok {
		return false
	}
	if _, ok := o.inflight[fileID]; ok {
		return false
	}
	o.inflight[fileID] = struct{}{}
	return true
}

func (o *Orchestrator) release(fileID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, fileID)
}

func (o *Orchestrator) markFailed(fileID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[fileID] = struct{}{}
}

func countActivities(f *model.ParsedFile) int {
	n := 0
	for i := range f.Claims {
		n += len(f.Claims[i].Activities)
	}
	for i := range f.RemittanceClaims {
		n += len(f.RemittanceClaims[i].Activities)
	}
	return n
}
