// Package scheduler implements cron-triggered recurring resubmission of
// user instructions — grounded on the teacher's scheduler.go almost
// directly (the cron.Cron wrapper, ScheduleConfig, BoltDB-backed schedule
// persistence, RestoreSchedules on boot), with the event-trigger half
// (TriggerEvent/EventHandler/matchesFilter) dropped: this module's
// workflow manager is purely instruction-driven, not event-driven, and no
// SPEC_FULL.md component produces the kind of arbitrary keyed event the
// teacher's EventHandler filters on.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/types"
	"github.com/lumenforge/agentflow/internal/workflowmgr"
)

var bucketSchedules = []byte("schedules")

// ScheduleConfig defines a recurring instruction re-submission.
type ScheduleConfig struct {
	Name        string                `json:"name"`
	CronExpr    string                `json:"cronExpr"` // e.g. "0 */5 * * * *"
	Instruction types.UserInstruction `json:"instruction"`
	Enabled     bool                  `json:"enabled"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

// Scheduler drives a Workflow Manager from cron-triggered re-submissions.
type Scheduler struct {
	cron     *cron.Cron
	db       *bbolt.DB
	workflow *workflowmgr.Manager

	mu      sync.RWMutex
	entries map[string]cron.EntryID

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	tracer        trace.Tracer
	log           *slog.Logger
}

// Open opens (or creates) the schedules BoltDB file at dbPath/schedules.db
// and constructs a Scheduler driving wf.
func Open(dbPath string, wf *workflowmgr.Manager) (*Scheduler, error) {
	db, err := bbolt.Open(dbPath+"/schedules.db", 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schedules bucket: %w", err)
	}

	meter := otel.Meter("agentflow")
	scheduleRuns, _ := meter.Int64Counter("agentflow_scheduler_runs_total")
	scheduleFails, _ := meter.Int64Counter("agentflow_scheduler_failures_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		db:            db,
		workflow:      wf,
		entries:       make(map[string]cron.EntryID),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		tracer:        otel.Tracer("agentflow-scheduler"),
		log:           slog.Default().With("component", "scheduler"),
	}, nil
}

// Start begins running the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler: started")
}

// Stop gracefully drains in-flight cron jobs, then closes the database.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler: stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler: stop timed out")
	}
	return s.db.Close()
}

// AddSchedule registers a cron-triggered instruction re-submission and
// persists it for RestoreSchedules.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule", trace.WithAttributes(
		attribute.String("name", cfg.Name),
		attribute.String("cron", cfg.CronExpr),
	))
	defer span.End()

	entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.run(context.Background(), cfg)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[cfg.Name] = entryID
	s.mu.Unlock()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.Name), data)
	}); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	s.log.Info("scheduler: schedule added", "name", cfg.Name, "cron", cfg.CronExpr)
	return nil
}

// RemoveSchedule cancels a cron entry and deletes its persisted record.
func (s *Scheduler) RemoveSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	}); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.log.Info("scheduler: schedule removed", "name", name)
	return nil
}

// ListSchedules returns every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]ScheduleConfig, error) {
	var out []ScheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

// RestoreSchedules re-registers every enabled persisted schedule with the
// cron runtime, for use on process startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			s.log.Error("scheduler: failed to restore schedule", "name", cfg.Name, "error", err)
			failed++
			continue
		}
		restored++
	}
	s.log.Info("scheduler: schedules restored", "restored", restored, "failed", failed)
	return nil
}

// run re-submits cfg's instruction through the workflow manager.
func (s *Scheduler) run(ctx context.Context, cfg ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(attribute.String("name", cfg.Name)))
	defer span.End()

	if _, err := s.workflow.Process(ctx, cfg.Instruction); err != nil {
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name)))
		s.log.Error("scheduler: scheduled instruction failed", "name", cfg.Name, "error", err)
		return
	}
	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("name", cfg.Name)))
}

// Stats reports basic scheduler state.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"cron_entries": len(s.cron.Entries()),
	}
}
