package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stemmix/internal/database"
	"stemmix/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of an export job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job has finished
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is one export request. Fields are only read through Snapshot.
type Job struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	Options     Options    `json:"options"`
	Status      Status     `json:"status"`
	Stage       Stage      `json:"stage"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the job reaches a terminal status
func (j *Job) Done() <-chan struct{} { return j.done }

// JobRecorder persists job state
type JobRecorder interface {
	UpsertExportJob(rec database.ExportJobRecord) error
}

// Manager runs export jobs in the background and tracks them by ID
type Manager struct {
	exporter *Exporter
	recorder JobRecorder
	logger   *logrus.Logger

	// OnProgress is called after every stage or percent change
	OnProgress func(Job)
	// OnFinished is called exactly once per job when it reaches a terminal status
	OnFinished func(Job)

	jobs    map[string]*Job
	jobsMux sync.RWMutex
	wg      sync.WaitGroup
}

// NewManager creates a job manager. recorder may be nil.
func NewManager(exporter *Exporter, recorder JobRecorder, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Manager{
		exporter: exporter,
		recorder: recorder,
		logger:   logger,
		jobs:     make(map[string]*Job),
	}
}

// Start validates the request and begins rendering in the background. A mix
// with no active tracks is rejected before a job is created.
func (m *Manager) Start(sessionID string, tracks []models.Track, masterVolume float64, opts Options) (Job, error) {
	if err := opts.Validate(); err != nil {
		return Job{}, err
	}
	if len(ActiveTracks(tracks)) == 0 {
		return Job{}, ErrNoActiveTracks
	}

	snapshot := make([]models.Track, len(tracks))
	copy(snapshot, tracks)

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Options:   opts,
		Status:    StatusPending,
		Stage:     StagePreparing,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.jobsMux.Lock()
	m.jobs[job.ID] = job
	m.jobsMux.Unlock()
	m.persist(job)

	m.wg.Add(1)
	go m.processExport(ctx, job, snapshot, masterVolume)

	m.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"session_id": sessionID,
		"format":     opts.Format,
		"quality":    opts.Quality,
	}).Info("Export started")

	return m.snapshot(job), nil
}

// processExport runs one job to completion
func (m *Manager) processExport(ctx context.Context, job *Job, tracks []models.Track, masterVolume float64) {
	defer m.wg.Done()
	defer job.cancel()

	m.updateJob(job.ID, func(j *Job) { j.Status = StatusRunning })

	res, err := m.exporter.Export(ctx, tracks, masterVolume, job.Options, func(p Progress) {
		m.updateJob(job.ID, func(j *Job) {
			j.Stage = p.Stage
			j.Progress = OverallProgress(p)
		})
	})

	now := time.Now()
	m.updateJob(job.ID, func(j *Job) {
		j.CompletedAt = &now
		switch {
		case err == nil:
			j.Status, j.Stage, j.Progress, j.Result = StatusSucceeded, StageDone, 100, res
		case errors.Is(err, ErrCancelled):
			j.Status = StatusCancelled
		default:
			j.Status, j.Error = StatusFailed, err.Error()
		}
	})

	final := m.finish(job)
	entry := m.logger.WithFields(logrus.Fields{"job_id": job.ID, "status": final.Status})
	if final.Status == StatusFailed {
		entry.WithError(err).Error("Export failed")
	} else {
		entry.Info("Export job finished")
	}
}

// OverallProgress maps a stage-local percent onto the whole job
func OverallProgress(p Progress) int {
	var lo, hi int
	switch p.Stage {
	case StagePreparing:
		lo, hi = 0, 5
	case StageRendering:
		lo, hi = 5, 70
	case StageMastering:
		lo, hi = 70, 80
	case StageEncoding:
		lo, hi = 80, 95
	case StageDelivering:
		lo, hi = 95, 99
	default:
		return 100
	}
	return lo + (hi-lo)*p.Percent/100
}

// updateJob applies fn under the lock and reports progress
func (m *Manager) updateJob(jobID string, fn func(*Job)) {
	m.jobsMux.Lock()
	job, exists := m.jobs[jobID]
	if !exists {
		m.jobsMux.Unlock()
		return
	}
	before := job.Stage
	beforePct := job.Progress
	fn(job)
	changed := job.Stage != before || job.Progress != beforePct
	snap := *job
	m.jobsMux.Unlock()

	if changed && !snap.Status.Terminal() && m.OnProgress != nil {
		m.OnProgress(snap)
	}
}

// finish persists the terminal state, closes Done and fires OnFinished once
func (m *Manager) finish(job *Job) Job {
	m.jobsMux.RLock()
	snap := m.snapshotLocked(job)
	m.jobsMux.RUnlock()

	m.persist(job)
	close(job.done)
	if m.OnFinished != nil {
		m.OnFinished(snap)
	}
	return snap
}

func (m *Manager) persist(job *Job) {
	if m.recorder == nil {
		return
	}
	m.jobsMux.RLock()
	rec := database.ExportJobRecord{
		ID:          job.ID,
		SessionID:   job.SessionID,
		Format:      string(job.Options.Format),
		Quality:     string(job.Options.Quality),
		Status:      string(job.Status),
		Stage:       string(job.Stage),
		Progress:    job.Progress,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Result != nil {
		rec.URL = job.Result.URL
		rec.OutputPath = job.Result.Path
		rec.Warnings = job.Result.Warnings
	}
	m.jobsMux.RUnlock()

	if err := m.recorder.UpsertExportJob(rec); err != nil {
		m.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to persist export job")
	}
}

func (m *Manager) snapshot(job *Job) Job {
	m.jobsMux.RLock()
	defer m.jobsMux.RUnlock()
	return m.snapshotLocked(job)
}

func (m *Manager) snapshotLocked(job *Job) Job {
	snap := *job
	snap.cancel = nil
	if job.Result != nil {
		r := *job.Result
		snap.Result = &r
	}
	return snap
}

// GetJob returns a copy of a job by ID
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.jobsMux.RLock()
	defer m.jobsMux.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return Job{}, false
	}
	return m.snapshotLocked(job), true
}

// GetAllJobs returns copies of every job, newest first
func (m *Manager) GetAllJobs() []Job {
	m.jobsMux.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, m.snapshotLocked(job))
	}
	m.jobsMux.RUnlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs
}

// Cancel stops a running job. The job finishes as cancelled without
// leaving a file behind.
func (m *Manager) Cancel(jobID string) error {
	m.jobsMux.RLock()
	job, exists := m.jobs[jobID]
	m.jobsMux.RUnlock()
	if !exists {
		return fmt.Errorf("export job %s not found", jobID)
	}
	job.cancel()
	return nil
}

// Wait blocks until the job finishes or ctx ends
func (m *Manager) Wait(ctx context.Context, jobID string) (Job, error) {
	m.jobsMux.RLock()
	job, exists := m.jobs[jobID]
	m.jobsMux.RUnlock()
	if !exists {
		return Job{}, fmt.Errorf("export job %s not found", jobID)
	}

	select {
	case <-job.done:
		return m.snapshot(job), nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// CleanupCompletedJobs removes finished jobs older than maxAge
func (m *Manager) CleanupCompletedJobs(maxAge time.Duration) int {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Close cancels every running job and waits for them to stop
func (m *Manager) Close() {
	m.jobsMux.RLock()
	for _, job := range m.jobs {
		job.cancel()
	}
	m.jobsMux.RUnlock()
	m.wg.Wait()
}
