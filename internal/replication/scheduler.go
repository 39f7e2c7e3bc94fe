package replication

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"presenter-sync-service/internal/config"
	"presenter-sync-service/internal/logger"
)

// Scheduler runs periodic catch-up replication for installations that do
// not follow the remote live, plus any housekeeping jobs added to it.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

// AddJob registers a named housekeeping job on its own schedule.
func (s *Scheduler) AddJob(name, spec string, job func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		logger.Log.Debug("Running scheduled job", zap.String("job", name))
		job()
	})
	return err
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		s.cron.Start()
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync()
	})

	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
	} else {
		s.entryID = id
	}
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	logger.Log.Info("Triggering scheduled sync")

	if s.manager.Running() {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	if err := s.manager.RunOnce(); err != nil {
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
	}
}
