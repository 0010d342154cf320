// Package compliance houses the tamper-evident audit trail, anomaly
// detection and response, and the retention housekeeping around them.
package compliance

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/audit-service/internal/client"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/util/logger"
)

const sweeperStatsKey = "retention:sweeper:stats"

// SweeperConfig holds retention sweep tunables.
type SweeperConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`       // default 1h
	OTPRetention  time.Duration `yaml:"otp_retention"`  // expired codes linger this long, default 24h
	FlagRetention time.Duration `yaml:"flag_retention"` // reviewed flags, default 90d
	SweepTimeout  time.Duration `yaml:"sweep_timeout"`  // per-pass budget, default 5m
}

// SweepResult is the outcome of one sweep pass.
type SweepResult struct {
	Sessions int64 `json:"sessions"`
	OTPs     int64 `json:"otps"`
	Flags    int64 `json:"flags"`
}

// SweeperStats accumulates across passes. Persisted to Redis when
// available so counters survive restarts.
type SweeperStats struct {
	Runs            int64     `json:"runs"`
	Failures        int64     `json:"failures"`
	SessionsDeleted int64     `json:"sessions_deleted"`
	OTPsDeleted     int64     `json:"otps_deleted"`
	FlagsDeleted    int64     `json:"flags_deleted"`
	LastRun         time.Time `json:"last_run"`
	LastDurationMs  int64     `json:"last_duration_ms"`
}

// Sweeper periodically purges expired sessions, superseded OTP records,
// and reviewed flags past their retention. Audit entries and security
// events are never touched.
type Sweeper struct {
	config   SweeperConfig
	sessions repository.SessionRepository
	otps     repository.OTPRepository
	flags    repository.ReviewFlagRepository
	redis    *client.RedisClient // nil when Redis is disabled

	stats    SweeperStats
	statsMu  sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewSweeper builds a Sweeper with clamped defaults. redis may be nil.
func NewSweeper(
	cfg SweeperConfig,
	sessions repository.SessionRepository,
	otps repository.OTPRepository,
	flags repository.ReviewFlagRepository,
	redis *client.RedisClient,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.OTPRetention <= 0 {
		cfg.OTPRetention = 24 * time.Hour
	}
	if cfg.FlagRetention <= 0 {
		cfg.FlagRetention = 90 * 24 * time.Hour
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}
	return &Sweeper{
		config:   cfg,
		sessions: sessions,
		otps:     otps,
		flags:    flags,
		redis:    redis,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start launches the sweep loop. No-op when disabled.
func (s *Sweeper) Start() {
	if !s.config.Enabled {
		logger.Info("Retention sweeper disabled")
		return
	}
	s.loadStats()
	go s.loop()
	logger.Info("Retention sweeper started",
		"interval", s.config.Interval,
		"otp_retention", s.config.OTPRetention,
		"flag_retention", s.config.FlagRetention)
}

// Stop halts the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error("Retention sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Sweep runs one pass. Each purge runs even when an earlier one fails;
// the first failure is returned after the pass completes.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	started := s.now()
	now := started.UTC()

	var result SweepResult
	var firstErr error
	fail := func(op string, err error) {
		logger.Error("Retention purge failed", "op", op, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		fail("sessions", err)
	} else {
		result.Sessions = n
	}

	n, err = s.otps.DeleteExpired(ctx, now.Add(-s.config.OTPRetention))
	if err != nil {
		fail("otps", err)
	} else {
		result.OTPs = n
	}

	n, err = s.flags.DeleteReviewedBefore(ctx, now.Add(-s.config.FlagRetention))
	if err != nil {
		fail("flags", err)
	} else {
		result.Flags = n
	}

	duration := s.now().Sub(started)
	s.updateStats(func(st *SweeperStats) {
		st.Runs++
		if firstErr != nil {
			st.Failures++
		}
		st.SessionsDeleted += result.Sessions
		st.OTPsDeleted += result.OTPs
		st.FlagsDeleted += result.Flags
		st.LastRun = now
		st.LastDurationMs = duration.Milliseconds()
	})
	s.persistStats(ctx)

	if result.Sessions+result.OTPs+result.Flags > 0 {
		logger.Info("Retention sweep completed",
			"sessions", result.Sessions,
			"otps", result.OTPs,
			"flags", result.Flags,
			"duration", duration)
	}
	return result, firstErr
}

// Stats returns a copy of the accumulated counters.
func (s *Sweeper) Stats() SweeperStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Sweeper) updateStats(fn func(*SweeperStats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	fn(&s.stats)
}

// loadStats restores persisted counters so restarts do not zero them.
func (s *Sweeper) loadStats() {
	if s.redis == nil {
		return
	}
	var persisted SweeperStats
	if err := s.redis.GetJSON(context.Background(), sweeperStatsKey, &persisted); err != nil {
		return
	}
	s.updateStats(func(st *SweeperStats) { *st = persisted })
}

func (s *Sweeper) persistStats(ctx context.Context) {
	if s.redis == nil {
		return
	}
	stats := s.Stats()
	if err := s.redis.SetJSON(ctx, sweeperStatsKey, stats, 0); err != nil {
		logger.Warn("Failed to persist sweeper stats", "error", err)
	}
}
