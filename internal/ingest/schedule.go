package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/events"
	"github.com/scholar-graph-pipeline/internal/sources"
)

// ScheduleConfig declares a recurring ingestion.
type ScheduleConfig struct {
	Name    string `json:"name" yaml:"name"`
	Cron    string `json:"cron" yaml:"cron"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Source is "arxiv" (default) or "semantic_scholar".
	Source  string  `json:"source,omitempty" yaml:"source"`
	Options Options `json:"options" yaml:"options"`
}

// Status is the service-level view the status endpoint serves.
type Status struct {
	IsRunning        bool       `json:"is_running"`
	QueueDepth       int64      `json:"queue_depth"`
	LastResult       *Result    `json:"last_result,omitempty"`
	ActiveSchedules  []string   `json:"active_schedules"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
}

// ScheduleIngestion registers a recurring ingestion job and starts it
// when enabled.
func (s *Service) ScheduleIngestion(cfg ScheduleConfig) error {
	if cfg.Name == "" || cfg.Cron == "" {
		return errors.New("ingest: schedule needs a name and cron expression")
	}

	run := s.IngestFromArxiv
	if cfg.Source == sources.SourceSemanticScholar {
		run = s.IngestFromSemanticScholar
	}
	job := func(ctx context.Context) error {
		res, err := run(ctx, cfg.Options)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			s.logger.Warn("Scheduled ingestion finished with errors",
				zap.String("schedule", cfg.Name),
				zap.Int("errors", len(res.Errors)))
		}
		return nil
	}

	if err := s.runner.Register(cfg.Name, cfg.Cron, job); err != nil {
		return err
	}
	s.publishSchedule(cfg.Name, "registered", cfg.Cron)

	if cfg.Enabled {
		return s.StartSchedule(cfg.Name)
	}
	return nil
}

// StartSchedule begins running a registered schedule.
func (s *Service) StartSchedule(name string) error {
	if err := s.runner.Start(name); err != nil {
		return err
	}
	s.publishSchedule(name, "started", "")
	return nil
}

// StopSchedule halts a running schedule, waiting for an in-flight run.
func (s *Service) StopSchedule(name string) error {
	if err := s.runner.Stop(name); err != nil {
		return err
	}
	s.publishSchedule(name, "stopped", "")
	return nil
}

// RemoveSchedule stops and deletes a schedule.
func (s *Service) RemoveSchedule(name string) error {
	if err := s.runner.Remove(name); err != nil {
		return err
	}
	s.publishSchedule(name, "removed", "")
	return nil
}

// StopAllSchedules halts every schedule; used during shutdown.
func (s *Service) StopAllSchedules() {
	s.runner.StopAll()
}

// GetStatus reports the run state, queue depth, last result, and
// schedule outlook.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	st := Status{
		IsRunning:  s.activeRuns > 0,
		LastResult: s.lastResult,
	}
	s.mu.Unlock()

	st.QueueDepth = s.queueDepth.Load()
	st.ActiveSchedules = s.runner.ActiveSchedules()
	for _, js := range s.runner.Status() {
		if !js.Started || js.NextRun.IsZero() {
			continue
		}
		if st.NextScheduledRun == nil || js.NextRun.Before(*st.NextScheduledRun) {
			next := js.NextRun
			st.NextScheduledRun = &next
		}
	}
	return st
}

func (s *Service) publishSchedule(name, action, detail string) {
	_ = s.publisher.PublishScheduleEvent(context.Background(), events.ScheduleEvent{
		Name:   name,
		Action: action,
		Detail: detail,
	})
}
