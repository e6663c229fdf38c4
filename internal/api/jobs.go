package api

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kotoba/internal/importer"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
)

// ImportJob tracks one background import run that the frontend polls.
type ImportJob struct {
	ID        string           `json:"jobId"`
	FileName  string           `json:"fileName"`
	Level     string           `json:"level,omitempty"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Result    *importer.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (j *ImportJob) clone() *ImportJob {
	copied := *j
	if j.Result != nil {
		result := *j.Result
		result.NewIDs = append([]int64(nil), j.Result.NewIDs...)
		result.Errors = append([]string(nil), j.Result.Errors...)
		copied.Result = &result
	}
	return &copied
}

type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*ImportJob
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*ImportJob),
	}
}

func (m *JobManager) CreateJob(fileName, level string) (string, *ImportJob) {
	job := &ImportJob{
		ID:        uuid.NewString(),
		FileName:  fileName,
		Level:     level,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.ID, job.clone()
}

func (m *JobManager) GetJob(id string) (*ImportJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns all jobs, newest first.
func (m *JobManager) ListJobs() []*ImportJob {
	m.mu.RLock()
	jobs := make([]*ImportJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.clone())
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *ImportJob) {
		job.Status = JobStatusProcessing
	})
}

func (m *JobManager) MarkComplete(id string, result *importer.Result) {
	m.withJob(id, func(job *ImportJob) {
		job.Status = JobStatusComplete
		job.Result = result
	})
}

func (m *JobManager) MarkFailed(id string, msg string) {
	m.withJob(id, func(job *ImportJob) {
		job.Status = JobStatusFailed
		job.Error = strings.TrimSpace(msg)
	})
}

func (m *JobManager) withJob(id string, fn func(job *ImportJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}
