// Package retention evicts snapshots of items that no user has seen for a long time.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep once a day at midnight.
const DefaultSchedule = "@daily"

// Snapshots drops entries last seen before a cutoff.
type Snapshots interface {
	Evict(ctx context.Context, cutoff time.Time) (int, error)
	Len() int
}

// Config controls the sweep.
type Config struct {
	Location *time.Location
	Schedule string        // Cron spec, five fields or a descriptor such as @daily
	MaxAge   time.Duration // Snapshots unseen for longer are removed; 0 disables the sweeper
}

// Sweeper periodically evicts stale snapshots.
type Sweeper struct {
	snapshots Snapshots
	logger    *slog.Logger
	parser    cron.Parser
	now       func() time.Time
	cfg       Config
}

// New creates a sweeper. The schedule is validated here so a bad spec fails at startup.
func New(snapshots Snapshots, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		snapshots: snapshots,
		logger:    logger,
		parser:    parser,
		now:       time.Now,
		cfg:       cfg,
	}, nil
}

// Sweep evicts every snapshot last seen more than MaxAge ago.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.cfg.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed, err := s.snapshots.Evict(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict snapshots: %w", err)
	}
	s.logger.Info("Retention sweep completed",
		"removed", removed,
		"remaining", s.snapshots.Len(),
		"cutoff", cutoff.UTC().Format(time.RFC3339))
	return removed, nil
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.MaxAge <= 0 {
		s.logger.Info("Snapshot retention disabled")
		return
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Retention sweep failed", "error", err)
		}
	}); err != nil {
		s.logger.Error("Failed to schedule retention sweep", "schedule", s.cfg.Schedule, "error", err)
		return
	}

	s.logger.Info("Snapshot retention scheduled", "schedule", s.cfg.Schedule, "max_age", s.cfg.MaxAge.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Retention sweeper stopped")
}
