package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rdmesh/rdmesh/common/go/logging"
	"github.com/rdmesh/rdmesh/common/go/xcmd"
	"github.com/rdmesh/rdmesh/internal/director"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Endpoint is the status endpoint queried by the status command.
	Endpoint string
}

var rootCmd = &cobra.Command{
	Use:   "rdmeshd",
	Short: "DECT NR+ cluster L2 forwarding and addressing daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cluster node",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			if xcmd.IsInterrupted(err) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running node",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := status(rawCmd.Context(), cmd, os.Stdout); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")

	statusCmd.Flags().StringVarP(&cmd.Endpoint, "endpoint", "e", "[::1]:7480", "Status endpoint of the node")

	rootCmd.AddCommand(runCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := director.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, atomicLevel, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	node, err := director.NewDirector(cfg, director.WithLog(log), director.WithAtomicLogLevel(&atomicLevel))
	if err != nil {
		return fmt.Errorf("failed to create director: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return node.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
