// Command broker runs the message bus broker (spec §6): broker [port],
// defaulting to 19000, with exit codes 0 normal shutdown, -1 thread
// creation failure, non-zero bind/listen failure.
//
// Grounded on the teacher library's cobra-based CLI packages for flag
// parsing and on github.com/fatih/color for the single colorized
// bind-failure warn line spec §7 requires ("CLI prints a single warn
// line on bind failure").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sabouaram/msgbus/broker"
	"github.com/sabouaram/msgbus/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		loops           int
		forwardWorkers  int
		poolConcurrency int
		idleQuit        bool
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "broker [port]",
		Short: "Message bus broker: service registry, routing, and forwarding",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().IntVar(&loops, "loops", 4, "number of read/write event loops")
	cmd.Flags().IntVar(&forwardWorkers, "forward-workers", 2, "number of forwarding engine workers")
	cmd.Flags().IntVar(&poolConcurrency, "pool-concurrency", 8, "bounded worker-pool concurrency for short tasks")
	cmd.Flags().BoolVar(&idleQuit, "idle-quit", false, "self-terminate after 15 ticks with no registered services (dev-only default: off)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "panic|fatal|error|warn|info|debug")

	var exitCode int
	cmd.RunE = func(c *cobra.Command, args []string) error {
		port := broker.DefaultPort
		if len(args) == 1 {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				exitCode = 1
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}
			port = p
		}

		cfg := broker.DefaultConfig()
		cfg.Port = port
		cfg.LoopCount = loops
		cfg.ForwardWorkers = forwardWorkers
		cfg.WorkerPoolConcurrency = poolConcurrency
		cfg.IdleQuitEnabled = idleQuit
		cfg.Logger = logger.New("broker", logger.ParseLevel(logLevel))

		b, err := broker.New(cfg)
		if err != nil {
			color.Red("broker: failed to initialize: %v", err)
			exitCode = -1
			return err
		}

		if err := b.Listen(); err != nil {
			color.Red("broker: failed to bind :%d: %v", port, err)
			c.SilenceErrors = true
			c.SilenceUsage = true
			exitCode = 2
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("broker: listening on :%d\n", port)
		if err := b.Run(ctx); err != nil {
			exitCode = 1
			return err
		}
		return nil
	}

	if err := cmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}
