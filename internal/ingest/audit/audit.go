// Package audit records the operational trail of ingestion: one row per
// polling run, one row per file outcome, one row per notable error. Recording
// is strictly best-effort; an unreachable audit store never affects pipeline
// outcomes.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type FileStatus int16

const (
	FileOK      FileStatus = 1
	FileFailed  FileStatus = 2
	FileAlready FileStatus = 3
)

// Run is one polling cycle. Counters are updated concurrently by workers and
// flushed when the run ends.
type Run struct {
	rowID   int64
	RunID   uuid.UUID
	started time.Time

	discovered atomic.Int64
	pulled     atomic.Int64
	ok         atomic.Int64
	failed     atomic.Int64
	already    atomic.Int64
}

func (r *Run) AddDiscovered(n int) { r.discovered.Add(int64(n)) }
func (r *Run) AddPulled(n int)     { r.pulled.Add(int64(n)) }

// RunCounters is the flushed snapshot of a run's tallies.
type RunCounters struct {
	Discovered int
	Pulled     int
	OK         int
	Failed     int
	Already    int
}

// FileOutcome is the per-file audit record written after a processing attempt.
type FileOutcome struct {
	IngestionFileID    *int64
	FileID             string
	Status             FileStatus
	Reason             string
	ErrorClass         string
	RetryCount         int
	RetryReasons       []string
	VerificationPassed *bool
	ParsedClaims       int
	ParsedActivities   int
	PersistedClaims    int
	PersistedActs      int
	PersistedEvents    int
	AckAttempted       bool
	AckSent            bool
	Duration           time.Duration
}

// ErrorRecord is a notable error attached to the trail outside the per-file
// outcome, e.g. a fetch or archive failure with no file row yet.
type ErrorRecord struct {
	IngestionFileID *int64
	Stage           string
	ObjectKey       string
	Message         string
	Retryable       bool
}

type Store interface {
	InsertRun(ctx context.Context, runID uuid.UUID, profile, fetcher, acker, reason string) (int64, error)
	CloseRun(ctx context.Context, rowID int64, c RunCounters) error
	UpsertFileAudit(ctx context.Context, runRowID int64, o FileOutcome) error
	InsertError(ctx context.Context, e ErrorRecord) error
}

// Recorder is the write-side facade. Every method absorbs store failures
// after logging them.
type Recorder struct {
	store   Store
	log     zerolog.Logger
	profile string
	fetcher string
	acker   string
}

func NewRecorder(store Store, log zerolog.Logger, profile, fetcher, acker string) *Recorder {
	return &Recorder{
		store:   store,
		log:     log.With().Str("component", "audit").Logger(),
		profile: profile,
		fetcher: fetcher,
		acker:   acker,
	}
}

// StartRun opens a run row. On store failure the returned Run still works as
// an in-memory tally so the pipeline can proceed; only persistence is lost.
func (a *Recorder) StartRun(ctx context.Context, reason string) *Run {
	run := &Run{RunID: uuid.New(), started: time.Now()}
	rowID, err := a.store.InsertRun(ctx, run.RunID, a.profile, a.fetcher, a.acker, reason)
	if err != nil {
		a.log.Warn().Err(err).Stringer("run_id", run.RunID).Msg("audit run not recorded")
		return run
	}
	run.rowID = rowID
	return run
}

// EndRun flushes the run's counters and closes it.
func (a *Recorder) EndRun(ctx context.Context, run *Run) {
	c := RunCounters{
		Discovered: int(run.discovered.Load()),
		Pulled:     int(run.pulled.Load()),
		OK:         int(run.ok.Load()),
		Failed:     int(run.failed.Load()),
		Already:    int(run.already.Load()),
	}
	a.log.Info().Stringer("run_id", run.RunID).
		Int("discovered", c.Discovered).Int("pulled", c.Pulled).
		Int("ok", c.OK).Int("failed", c.Failed).Int("already", c.Already).
		Dur("elapsed", time.Since(run.started)).Msg("run finished")

	if run.rowID == 0 {
		return
	}
	if err := a.store.CloseRun(ctx, run.rowID, c); err != nil {
		a.log.Warn().Err(err).Stringer("run_id", run.RunID).Msg("audit run not closed")
	}
}

// RecordFile writes one file outcome and bumps the run tally for its status.
func (a *Recorder) RecordFile(ctx context.Context, run *Run, o FileOutcome) {
	switch o.Status {
	case FileOK:
		run.ok.Add(1)
	case FileFailed:
		run.failed.Add(1)
	case FileAlready:
		run.already.Add(1)
	}
	if run.rowID == 0 {
		return
	}
	if err := a.store.UpsertFileAudit(ctx, run.rowID, o); err != nil {
		a.log.Warn().Err(err).Str("file_id", o.FileID).Msg("file audit not recorded")
	}
}

// RecordError writes a standalone error record.
func (a *Recorder) RecordError(ctx context.Context, e ErrorRecord) {
	if err := a.store.InsertError(ctx, e); err != nil {
		a.log.Warn().Err(err).Str("stage", e.Stage).Msg("error audit not recorded")
	}
}
