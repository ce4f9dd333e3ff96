package cron

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type staticConfig struct {
	cfg *types.ServiceConfig
}

func (c *staticConfig) Load() error                     { return nil }
func (c *staticConfig) GetConfig() *types.ServiceConfig { return c.cfg }
func (c *staticConfig) Start() error                    { return nil }
func (c *staticConfig) Stop() error                     { return nil }
func (c *staticConfig) IsRunning() bool                 { return true }
func (c *staticConfig) GetAs(string, interface{}) error { return nil }
func (c *staticConfig) GetValue(_ string, def interface{}) interface{} {
	return def
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &staticConfig{cfg: &types.ServiceConfig{
		Cron: &types.CronConfig{Enabled: true, Timezone: "UTC"},
	}}
	m, err := NewManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()), nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m.(*Manager)
}

func TestAddValidatesArguments(t *testing.T) {
	m := newTestManager(t)

	if err := m.Add("", "* * * * * *", func() {}); err != types.ErrCronJobNameIsEmpty {
		t.Fatalf("empty name = %v, want ErrCronJobNameIsEmpty", err)
	}
	if err := m.Add("job", "", func() {}); err != types.ErrCronExpressionInvalid {
		t.Fatalf("empty spec = %v, want ErrCronExpressionInvalid", err)
	}
	if err := m.Add("job", "* * * * * *", nil); err != types.ErrCronJobIsNil {
		t.Fatalf("nil job = %v, want ErrCronJobIsNil", err)
	}
	if err := m.Add("job", "not a cron spec", func() {}); err == nil {
		t.Fatal("malformed spec accepted")
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)

	if err := m.Add("sweep", "0 */5 * * * *", func() {}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := m.Add("sweep", "0 */5 * * * *", func() {}); err != types.ErrCronJobExists {
		t.Fatalf("duplicate Add = %v, want ErrCronJobExists", err)
	}
}

func TestRemoveDropsJob(t *testing.T) {
	m := newTestManager(t)

	if err := m.Add("snapshot", "0 0 * * * *", func() {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Remove("snapshot"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove("snapshot"); err != types.ErrCronJobNotFound {
		t.Fatalf("second Remove = %v, want ErrCronJobNotFound", err)
	}
	if len(m.Jobs()) != 0 {
		t.Fatalf("jobs left after Remove: %d", len(m.Jobs()))
	}
}

func TestWrappedJobRecordsStats(t *testing.T) {
	m := newTestManager(t)

	ran := make(chan struct{}, 1)
	if err := m.Add("stats", "0 0 0 1 1 *", func() { ran <- struct{}{} }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	m.wrapJob("stats", func() { ran <- struct{}{} })()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job body never ran")
	}

	entry := m.Jobs()["stats"]
	if entry.RunCount != 1 {
		t.Fatalf("RunCount = %d, want 1", entry.RunCount)
	}
	if entry.Error != nil {
		t.Fatalf("Error = %v, want nil", entry.Error)
	}
	if entry.LastRun.IsZero() {
		t.Fatal("LastRun not recorded")
	}
}

func TestWrappedJobRecoversFromPanic(t *testing.T) {
	m := newTestManager(t)

	if err := m.Add("panicky", "0 0 0 1 1 *", func() { panic("boom") }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	m.wrapJob("panicky", func() { panic("boom") })()

	entry := m.Jobs()["panicky"]
	if entry.Error == nil {
		t.Fatal("panicking job left no error in stats")
	}
	if !types.IsError(entry.Error, types.ErrCronJobFailed) {
		t.Fatalf("Error = %v, want ErrCronJobFailed", entry.Error)
	}
}

func TestJobSkippedWhenStopped(t *testing.T) {
	m := newTestManager(t)

	ran := false
	if err := m.Add("idle", "0 0 0 1 1 *", func() { ran = true }); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m.wrapJob("idle", func() { ran = true })()
	if ran {
		t.Fatal("job ran while the scheduler was stopped")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(t)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != types.ErrCronIsRunning {
		t.Fatalf("second Start = %v, want ErrCronIsRunning", err)
	}
	if !m.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); err != types.ErrServerNotRunning {
		t.Fatalf("second Stop = %v, want ErrServerNotRunning", err)
	}
}
