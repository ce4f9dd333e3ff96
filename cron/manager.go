package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// Manager schedules the gateway's maintenance jobs on a second-granularity
// cron. Every job runs with a timeout, panic recovery and per-job stats.
type Manager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	cron       *cron.Cron
	timezone   *time.Location
	mu         sync.RWMutex
	jobs       map[string]*types.JobEntry
	running    atomic.Bool
	jobTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, health types.HealthManager) (types.CronManager, error) {
	timezone, err := time.LoadLocation(config.GetConfig().Cron.Timezone)
	if err != nil {
		timezone = time.UTC
	}

	managerCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:        managerCtx,
		cancel:     cancel,
		logger:     logger,
		metrics:    metrics,
		timezone:   timezone,
		jobs:       make(map[string]*types.JobEntry),
		jobTimeout: 30 * time.Minute,
	}

	m.cron = cron.New(
		cron.WithLocation(timezone),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(zapCronLogger{logger})),
	)

	return m, nil
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrCronExpressionInvalid
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return types.ErrCronSchedulerStopped
	}
	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, job))
	if err != nil {
		return types.WrapError(err, "failed to add cron job")
	}

	entry := &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		Job:     job,
		AddedAt: time.Now(),
	}
	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))
	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return types.ErrCronJobNotFound
	}

	m.cron.Remove(entry.ID)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

// Jobs returns a snapshot of every registered job and its run stats.
func (m *Manager) Jobs() map[string]*types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make(map[string]*types.JobEntry, len(m.jobs))
	for name, entry := range m.jobs {
		copied := *entry
		jobs[name] = &copied
	}
	return jobs
}

func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setGauge("cron_scheduler_running", 1)
	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	defer m.cancel()

	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron scheduler stopped gracefully")
	case <-time.After(10 * time.Second):
		m.logger.Warn("Cron scheduler stop timeout, running jobs were abandoned")
	}

	m.setGauge("cron_scheduler_running", 0)
	m.setGauge("cron_active_jobs", 0)
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// wrapJob gives the job a timeout, panic recovery, metrics and stats
// bookkeeping. The job body runs in its own goroutine so a timeout can be
// reported even while the job is stuck.
func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		if !m.IsRunning() {
			m.logger.Info("Job skipped, scheduler is shutting down",
				zap.String("job_name", jobName))
			return
		}

		start := time.Now()
		m.statsStart(jobName, start)
		m.gaugeAdd("cron_active_jobs", 1)
		defer m.gaugeAdd("cron_active_jobs", -1)

		jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
		defer cancel()

		var jobErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					jobErr = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
					m.logger.Error("Cron job panicked",
						zap.String("job_name", jobName),
						zap.Any("panic", r))
				}
			}()
			job()
		}()

		select {
		case <-done:
		case <-jobCtx.Done():
			if types.IsError(jobCtx.Err(), context.DeadlineExceeded) {
				jobErr = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
			} else {
				jobErr = types.WrapError(jobCtx.Err(), "job canceled")
			}
			m.logger.Error("Cron job interrupted",
				zap.String("job_name", jobName),
				zap.Error(jobErr))
		}

		duration := time.Since(start)
		result := "success"
		if jobErr != nil {
			result = "error"
			m.counterInc("cron_job_errors_total", map[string]string{"job_name": jobName})
		}
		m.counterInc("cron_job_executions_total", map[string]string{
			"job_name": jobName,
			"result":   result,
		})
		m.observeDuration(jobName, duration.Seconds())
		m.statsFinish(jobName, duration, jobErr)

		if jobErr != nil {
			m.logger.Error("Cron job failed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration),
				zap.Error(jobErr))
		} else {
			m.logger.Info("Cron job completed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration))
		}
	}
}

func (m *Manager) statsStart(jobName string, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}
	entry.LastRun = start
	entry.Error = nil
	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

func (m *Manager) statsFinish(jobName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastDuration = duration
	entry.TotalDuration += duration
	entry.RunCount++
	entry.Error = err
	entry.AvgDuration = entry.TotalDuration / time.Duration(entry.RunCount)
	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

func (m *Manager) counterInc(name string, labels map[string]string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Counter(name, labels).Inc()
}

func (m *Manager) observeDuration(jobName string, seconds float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.1, 1.0, 10.0, 60.0, 300.0, 1800.0},
		map[string]string{"job_name": jobName},
	).Observe(seconds)
}

func (m *Manager) setGauge(name string, value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Set(value)
}

func (m *Manager) gaugeAdd(name string, delta float64) {
	if m.metrics == nil {
		return
	}
	if delta >= 0 {
		m.metrics.Gauge(name, nil).Inc()
	} else {
		m.metrics.Gauge(name, nil).Dec()
	}
}

// zapCronLogger adapts the structured logger to the cron library's
// key/value logging interface.
type zapCronLogger struct {
	logger types.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, cronFields(keysAndValues)...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
