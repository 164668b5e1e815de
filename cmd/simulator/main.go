package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gator-threads/internal/logging"
	"gator-threads/simulator"
)

var (
	simConfig = simulator.DefaultSimConfig()
	logLevel  string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Drive concurrent viewers against an in-process thread engine",
	Long: `Runs many viewers that page, reply, like, vote, edit and delete against
an in-memory backend with random latency and failures, then reloads every
thread and checks the depth and vote-total invariants.`,
	SilenceUsage: true,
	RunE:         runSimulation,
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&simConfig.NumViewers, "viewers", simConfig.NumViewers, "number of concurrent viewers")
	flags.IntVar(&simConfig.NumThreads, "threads", simConfig.NumThreads, "number of seeded threads")
	flags.DurationVar(&simConfig.SimulationTime, "duration", simConfig.SimulationTime, "how long viewers stay active")
	flags.Float64Var(&simConfig.OpsPerSecond, "rate", simConfig.OpsPerSecond, "operations per second across all viewers")
	flags.IntVar(&simConfig.Burst, "burst", simConfig.Burst, "rate limiter burst")
	flags.IntVar(&simConfig.MaxDepth, "max-depth", simConfig.MaxDepth, "deepest allowed reply depth")
	flags.IntVar(&simConfig.PageSize, "page-size", simConfig.PageSize, "nodes per page")
	flags.DurationVar(&simConfig.MaxLatency, "latency", simConfig.MaxLatency, "upper bound of the backend delay")
	flags.Float64Var(&simConfig.FailureRate, "failure-rate", simConfig.FailureRate, "fraction of submissions the backend rejects")
	flags.Float64Var(&simConfig.ZipfS, "zipf", simConfig.ZipfS, "thread popularity skew, must be > 1")
	flags.Int64Var(&simConfig.Seed, "seed", simConfig.Seed, "random seed for viewer behaviour")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flags.BoolVar(&noColor, "no-color", false, "disable colored log output")
}

func runSimulation(cmd *cobra.Command, args []string) error {
	logger := logging.New(os.Stderr, logLevel, noColor)

	sim, err := simulator.NewSimulator(simConfig, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sim.Run(ctx)
	m := sim.GetMetrics()
	fmt.Printf("\nSimulation finished after %v\n", m.Elapsed.Round(time.Millisecond))
	fmt.Printf("- Commands: %d (rejected %d)\n", m.Commands, m.Rejected)
	fmt.Printf("- Confirmed: %d\n", m.Confirmed)
	fmt.Printf("- Rolled back: %d\n", m.RolledBack)
	fmt.Printf("- Refreshes: %d\n", m.Refreshes)
	fmt.Printf("- Events delivered: %d\n", m.Events)
	for kind, n := range m.ByKind {
		fmt.Printf("  - %s: %d\n", kind, n)
	}
	if report != nil {
		fmt.Printf("- Threads: %d, nodes: %d, polls: %d\n", report.Threads, report.Nodes, report.Polls)
		for _, v := range report.Violations {
			fmt.Printf("  ! %s\n", v)
		}
	}
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
