package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pagedcore/pagedcore/envconfig"
	"github.com/pagedcore/pagedcore/format"
	"github.com/pagedcore/pagedcore/logutil"
	"github.com/pagedcore/pagedcore/server"
	"github.com/pagedcore/pagedcore/sim"
	"github.com/pagedcore/pagedcore/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "pagedkv",
		Short:   "Paged KV cache block manager",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if envconfig.Debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewBenchCmd(),
		NewServeCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func NewBenchCmd() *cobra.Command {
	var scenarioPath string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run allocation workloads and report cache behavior",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := benchConfigs(cmd, scenarioPath)
			if err != nil {
				return err
			}

			// Scenarios are independent, one manager each, so they can run
			// concurrently without violating the core's single-caller rule.
			results := make([]sim.Stats, len(configs))
			var g errgroup.Group
			for i, cfg := range configs {
				g.Go(func() error {
					stats, err := sim.Run(cfg)
					if err != nil {
						return fmt.Errorf("scenario %s: %w", cfg.Name, err)
					}
					results[i] = stats
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			renderResults(os.Stdout, configs, results)
			return nil
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "scenarios", "f", "", "TOML file of [[scenario]] blocks")
	cmd.Flags().Int("block-size", envconfig.BlockSize, "Tokens per block")
	cmd.Flags().Int("gpu-blocks", envconfig.NumGPUBlocks, "GPU blocks")
	cmd.Flags().Int("cpu-blocks", envconfig.NumCPUBlocks, "CPU swap blocks")
	cmd.Flags().Int("sequences", 8, "Concurrent sequences")
	cmd.Flags().Int("steps", 512, "Scheduler steps to run")
	cmd.Flags().Float64("fork-rate", 0.01, "Per-step fork probability")
	cmd.Flags().Int("sliding-window", 0, "Sliding window in blocks (0 disables)")
	cmd.Flags().Int64("seed", 1, "Workload seed")

	return cmd
}

func benchConfigs(cmd *cobra.Command, scenarioPath string) ([]sim.Config, error) {
	if scenarioPath != "" {
		return sim.LoadScenarios(scenarioPath)
	}

	cfg := sim.DefaultConfig()
	cfg.BlockSize, _ = cmd.Flags().GetInt("block-size")
	cfg.GPUBlocks, _ = cmd.Flags().GetInt("gpu-blocks")
	cfg.CPUBlocks, _ = cmd.Flags().GetInt("cpu-blocks")
	cfg.Sequences, _ = cmd.Flags().GetInt("sequences")
	cfg.Steps, _ = cmd.Flags().GetInt("steps")
	cfg.ForkRate, _ = cmd.Flags().GetFloat64("fork-rate")
	cfg.SlidingWindowBlocks, _ = cmd.Flags().GetInt("sliding-window")
	cfg.Seed, _ = cmd.Flags().GetInt64("seed")
	return []sim.Config{cfg}, nil
}

// kvBytesPerToken approximates a 7B model's per-token KV footprint at fp16.
const kvBytesPerToken = 512 * format.KiB

func renderResults(w io.Writer, configs []sim.Config, results []sim.Stats) {
	var data [][]string
	for i, cfg := range configs {
		stats := results[i]
		mean, _, p99 := stats.LatencySummary()
		data = append(data, []string{
			cfg.Name,
			format.HumanBytes(format.CacheBytes(cfg.GPUBlocks, cfg.BlockSize, kvBytesPerToken)),
			fmt.Sprintf("%d", stats.Prompts),
			fmt.Sprintf("%d", stats.DecodedTokens),
			fmt.Sprintf("%d", stats.Forks),
			fmt.Sprintf("%d", stats.COWs),
			fmt.Sprintf("%d", stats.Preemptions),
			fmt.Sprintf("%.1fus", mean*1e6),
			fmt.Sprintf("%.1fus", p99*1e6),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SCENARIO", "CACHE", "PROMPTS", "DECODED", "FORKS", "COWS", "PREEMPT", "MEAN", "P99"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve simulation stats over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", envconfig.Host)
			if err != nil {
				return err
			}
			runner := sim.NewRunner(sim.DefaultConfig())
			defer runner.Close()
			return server.Serve(ln, runner)
		},
	}
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Run: func(cmd *cobra.Command, args []string) {
			for _, v := range envconfig.AsMap() {
				fmt.Printf("%s=%q # %s\n", v.Name, fmt.Sprintf("%v", v.Value), v.Description)
			}
		},
	}
}
