package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vidproc/config"
	"vidproc/metrics"
	"vidproc/processor"

	"github.com/hashicorp/go-hclog"
	"github.com/lithammer/shortuuid/v4"
)

type Processor interface {
	Start(ctx context.Context, job processor.Job) error
}

type Manager struct {
	cfg            *config.Config
	log            hclog.Logger
	tasks          sync.Map // id -> *Task
	mu             sync.Mutex // guards the fields of stored tasks
	taskQueue      chan *Task
	concurrencySem chan struct{}
	processor      Processor
	running        sync.WaitGroup
}

func NewManager(cfg *config.Config, p Processor, log hclog.Logger) (*Manager, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("invalid MAX_CONCURRENCY: %d", cfg.MaxConcurrency)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	m := &Manager{
		cfg:            cfg,
		log:            log,
		taskQueue:      make(chan *Task, 100), // Buffered queue
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		processor:      p,
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Info("task manager started", "concurrency", m.cfg.MaxConcurrency, "max_retries", m.cfg.MaxRetryCount, "retry_delay", m.cfg.RetryDelay)
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// Wait blocks until every running attempt has returned.
func (m *Manager) Wait() {
	m.running.Wait()
}

// workerLoop pulls tasks from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.log.Info("worker loop shutting down")
			return
		case t := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m.running.Add(1)
			go func(t *Task) {
				defer m.running.Done()
				defer func() { <-m.concurrencySem }() // Release slot
				m.processTask(ctx, t)
			}(t)
		}
	}
}

// processTask runs one attempt and decides what happens next.
func (m *Manager) processTask(ctx context.Context, t *Task) {
	var job processor.Job
	var attempt int
	m.update(t, func(t *Task) {
		t.Status = StatusProcessing
		t.Attempts++
		t.StartedAt = time.Now()
		t.NextAttemptAt = time.Time{}
		job, attempt = t.Job, t.Attempts
	})
	log := m.log.With("task_id", t.ID, "video_id", job.VideoID, "attempt", attempt)
	log.Info("processing task")

	err := m.processor.Start(ctx, job)

	switch {
	case err == nil:
		log.Info("task completed")
		m.finish(t, StatusCompleted, "")
	case errors.Is(err, processor.ErrCanceled):
		log.Info("task canceled")
		m.finish(t, StatusCanceled, err.Error())
	case ctx.Err() != nil:
		log.Warn("task interrupted by shutdown", "error", err)
		m.finish(t, StatusFailed, err.Error())
	case attempt < m.cfg.MaxRetryCount:
		log.Warn("task failed, retrying", "error", err, "delay", m.cfg.RetryDelay)
		metrics.Retries.Inc()
		m.update(t, func(t *Task) {
			t.Status = StatusRetrying
			t.Error = err.Error()
			t.NextAttemptAt = time.Now().Add(m.cfg.RetryDelay)
		})
		go m.retryAfter(ctx, t)
	default:
		log.Error("task dropped after final attempt", "error", err)
		m.finish(t, StatusDropped, err.Error())
	}
}

// retryAfter requeues t after the fixed retry delay without holding a slot.
func (m *Manager) retryAfter(ctx context.Context, t *Task) {
	timer := time.NewTimer(m.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	m.update(t, func(t *Task) { t.Status = StatusQueued })
	select {
	case m.taskQueue <- t:
	case <-ctx.Done():
	}
}

func (m *Manager) finish(t *Task, status Status, errMsg string) {
	m.update(t, func(t *Task) {
		t.Status = status
		t.Error = errMsg
		t.CompletedAt = time.Now()
	})
}

func (m *Manager) update(t *Task, fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(t)
}

// cleanupLoop periodically forgets finished tasks older than TASK_RETENTION.
func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.TaskRetention <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.TaskRetention / 4) // Check 4 times per retention period
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			m.prune(time.Now())
		}
	}
}

func (m *Manager) prune(now time.Time) int {
	removed := 0
	m.tasks.Range(func(key, value interface{}) bool {
		t := value.(*Task)
		m.mu.Lock()
		expired := t.finished() && now.Sub(t.CompletedAt) > m.cfg.TaskRetention
		m.mu.Unlock()
		if expired {
			m.tasks.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		m.log.Debug("pruned finished tasks", "count", removed)
	}
	return removed
}

// Submit queues a job and returns a snapshot of its new task.
func (m *Manager) Submit(job processor.Job) (*Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	t := &Task{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Job:       job,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}

	m.tasks.Store(t.ID, t)
	snapshot := m.snapshot(t)
	m.taskQueue <- t
	m.log.Info("task submitted to queue", "task_id", t.ID, "video_id", job.VideoID)
	return snapshot, nil
}

func (m *Manager) snapshot(t *Task) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	return &c
}

func (m *Manager) Get(taskID string) (*Task, bool) {
	if val, ok := m.tasks.Load(taskID); ok {
		return m.snapshot(val.(*Task)), true
	}
	return nil, false
}

// List returns snapshots of all known tasks, oldest first.
func (m *Manager) List() []*Task {
	taskList := []*Task{}
	m.tasks.Range(func(key, value interface{}) bool {
		taskList = append(taskList, m.snapshot(value.(*Task)))
		return true
	})
	sort.Slice(taskList, func(i, j int) bool { return taskList[i].CreatedAt.Before(taskList[j].CreatedAt) })
	return taskList
}
