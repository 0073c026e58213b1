// Package scheduler drives a periodic refresh(repo_id) sweep across every
// live repository using a cron expression, an optional convenience layered
// on top of the Lifecycle Engine's on-demand Refresh (spec §4.5.7).
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nrazumov/grove-fleet/internal/catalog"
	"github.com/nrazumov/grove-fleet/internal/engine"
	"github.com/nrazumov/grove-fleet/internal/obslog"
)

var log = obslog.WithComponent("scheduler")

// Config configures the refresh sweep.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // standard 5-field cron expression
}

// DefaultConfig refreshes every repository every 15 minutes.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Schedule: "*/15 * * * *"}
}

// Scheduler periodically refreshes every live repository on a cron
// schedule (grounded on the teacher's brief-delivery scheduler idiom).
type Scheduler struct {
	catalog *catalog.Store
	engine  *engine.Engine
	config  *Config
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// New constructs a Scheduler sweeping catalog's repositories through eng.
func New(catalog *catalog.Store, eng *engine.Engine, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		catalog: catalog,
		engine:  eng,
		config:  config,
		cron:    cron.New(),
	}
}

// Start begins the scheduled sweep. A no-op if disabled or already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || !s.config.Enabled {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.config.Schedule, s.runSweep)
	if err != nil {
		return err
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	log.Info("refresh scheduler started", "schedule", s.config.Schedule)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	log.Info("refresh scheduler stopped")
}

// NextRun reports when the next sweep is scheduled to fire.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunNow triggers an immediate sweep, bypassing the schedule.
func (s *Scheduler) RunNow() {
	s.runSweep()
}

func (s *Scheduler) runSweep() {
	repos, err := s.catalog.ListRepositories()
	if err != nil {
		log.Warn("refresh sweep: failed to list repositories", "error", err)
		return
	}

	for _, repo := range repos {
		ack := s.engine.Refresh(repo.ID)
		if !ack.Started {
			log.Warn("refresh sweep: refresh rejected", "repo_id", repo.ID, "error", ack.Err)
		}
	}
	log.Info("refresh sweep completed", "repos", len(repos))
}
