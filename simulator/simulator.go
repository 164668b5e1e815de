package simulator

import (
	"context"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gator-threads/internal/config"
	"gator-threads/internal/database"
	"gator-threads/internal/engine"
	"gator-threads/internal/logging"
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

type SimConfig struct {
	NumViewers     int
	NumThreads     int
	SimulationTime time.Duration
	OpsPerSecond   float64 // Shared across all viewers
	Burst          int
	MaxDepth       int
	PageSize       int
	MaxLatency     time.Duration // Upper bound of the random backend delay
	FailureRate    float64       // Fraction of submissions the backend rejects
	ZipfS          float64       // Skew of thread popularity, must be > 1
	Seed           int64
}

// DefaultSimConfig returns a short, moderately hostile run.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		NumViewers:     20,
		NumThreads:     5,
		SimulationTime: 30 * time.Second,
		OpsPerSecond:   200,
		Burst:          20,
		MaxDepth:       2,
		PageSize:       10,
		MaxLatency:     25 * time.Millisecond,
		FailureRate:    0.05,
		ZipfS:          1.07,
		Seed:           1,
	}
}

type SimulationStats struct {
	mu         sync.RWMutex
	StartTime  time.Time
	Commands   int
	Rejected   int // Refused before anything was applied
	Confirmed  int
	RolledBack int
	Refreshes  int
	Events     int
	ByKind     map[models.MutationKind]int
}

// SimulationMetrics is a point-in-time copy of the stats.
type SimulationMetrics struct {
	Elapsed    time.Duration
	Commands   int
	Rejected   int
	Confirmed  int
	RolledBack int
	Refreshes  int
	Events     int
	ByKind     map[models.MutationKind]int
}

// Simulator drives many concurrent viewers against an in-process engine
// backed by a slow and unreliable memory backend.
type Simulator struct {
	config   SimConfig
	stats    *SimulationStats
	backend  *database.MemoryBackend
	registry *engine.Registry
	limiter  *rate.Limiter
	threads  []string
	log      *slog.Logger

	awaits sync.WaitGroup
}

func NewSimulator(cfg SimConfig, logger *slog.Logger) (*Simulator, error) {
	if cfg.NumViewers <= 0 || cfg.NumThreads <= 0 {
		return nil, fmt.Errorf("need at least one viewer and one thread")
	}
	if cfg.ZipfS <= 1 {
		return nil, fmt.Errorf("zipf parameter must be greater than 1, got %v", cfg.ZipfS)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	backend := database.NewMemoryBackend(database.MemoryOptions{
		MaxDepth: cfg.MaxDepth,
		Latency: func() time.Duration {
			if cfg.MaxLatency <= 0 {
				return 0
			}
			return rand.N(cfg.MaxLatency)
		},
	})
	backend.OnSubmit(func(req *models.MutationRequest) error {
		if rand.Float64() < cfg.FailureRate {
			return utils.NewTransportError("simulated outage", nil)
		}
		return nil
	})

	engineCfg := config.DefaultEngineConfig()
	engineCfg.MaxDepth = cfg.MaxDepth
	engineCfg.PageSize = cfg.PageSize
	engineCfg.SweepInterval = 100 * time.Millisecond
	engineCfg.MutationTimeout = 2 * time.Second
	engineCfg.OrphanGrace = time.Second

	s := &Simulator{
		config:  cfg,
		stats:   &SimulationStats{StartTime: time.Now(), ByKind: make(map[models.MutationKind]int)},
		backend: backend,
		registry: engine.NewRegistry(actor.NewActorSystem(), engine.Options{
			Config:  engineCfg,
			Backend: backend,
			Logger:  logger,
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), max(cfg.Burst, 1)),
		log:     logger,
	}
	s.seed()
	return s, nil
}

// seed gives every thread a root post and an open poll. The last thread's
// poll is closed so votes on it are refused.
func (s *Simulator) seed() {
	base := time.Now().Add(-time.Hour)
	for i := range s.config.NumThreads {
		threadID := fmt.Sprintf("thread-%d", i)
		s.threads = append(s.threads, threadID)
		s.backend.Seed(threadID,
			&models.Node{ID: threadID + "-root", AuthorID: "seed", Content: "Welcome to " + threadID, CreatedAt: base},
			&models.Node{ID: threadID + "-poll", AuthorID: "seed", Content: "Pick one", CreatedAt: base.Add(time.Minute),
				Poll: &models.Poll{Options: []models.PollOption{
					{ID: "A", Label: "Alpha"}, {ID: "B", Label: "Bravo"}, {ID: "C", Label: "Charlie"},
				}}},
		)
	}
	if s.config.NumThreads > 1 {
		last := s.threads[len(s.threads)-1]
		if err := s.backend.ClosePoll(last, last+"-poll"); err != nil {
			s.log.Warn("Failed to close seeded poll", "thread", last, "error", err)
		}
	}
}

// Run simulates activity until ctx is done or SimulationTime elapses, waits
// for every outstanding mutation to settle and then verifies the threads.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	s.log.Info("Starting simulation", "viewers", s.config.NumViewers, "threads", s.config.NumThreads,
		"duration", s.config.SimulationTime, "failureRate", s.config.FailureRate)

	runCtx, cancel := context.WithTimeout(ctx, s.config.SimulationTime)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for i := range s.config.NumViewers {
		v := s.newViewer(i)
		g.Go(func() error { return v.run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.log.Info("Activity finished, waiting for outstanding mutations")
	s.awaits.Wait()

	report, err := s.Verify(context.WithoutCancel(ctx))
	if err != nil {
		return report, err
	}
	m := s.GetMetrics()
	s.log.Info("Simulation completed", "commands", m.Commands, "confirmed", m.Confirmed,
		"rolledBack", m.RolledBack, "rejected", m.Rejected, "nodes", report.Nodes)
	return report, nil
}

// Close stops every thread actor the simulation started.
func (s *Simulator) Close() {
	s.registry.Close()
}

func (s *Simulator) newViewer(i int) *viewer {
	rng := mrand.New(mrand.NewSource(s.config.Seed + int64(i)))
	return &viewer{
		id:     fmt.Sprintf("viewer-%d", i),
		sim:    s,
		engine: s.registry.For(fmt.Sprintf("viewer-%d", i)),
		rng:    rng,
		zipf:   mrand.NewZipf(rng, s.config.ZipfS, 1, uint64(len(s.threads)-1)),
	}
}

// GetMetrics returns a copy of the current stats.
func (s *Simulator) GetMetrics() SimulationMetrics {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	byKind := make(map[models.MutationKind]int, len(s.stats.ByKind))
	for k, v := range s.stats.ByKind {
		byKind[k] = v
	}
	return SimulationMetrics{
		Elapsed:    time.Since(s.stats.StartTime),
		Commands:   s.stats.Commands,
		Rejected:   s.stats.Rejected,
		Confirmed:  s.stats.Confirmed,
		RolledBack: s.stats.RolledBack,
		Refreshes:  s.stats.Refreshes,
		Events:     s.stats.Events,
		ByKind:     byKind,
	}
}

func (s *Simulator) record(update func(st *SimulationStats)) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	update(s.stats)
}
