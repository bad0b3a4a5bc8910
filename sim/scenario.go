package sim

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"gonum.org/v1/gonum/stat"

	"github.com/pagedcore/pagedcore/envconfig"
)

// Config describes one workload. TOML tags match the scenario file format.
type Config struct {
	Name                string  `toml:"name"`
	BlockSize           int     `toml:"block_size"`
	GPUBlocks           int     `toml:"gpu_blocks"`
	CPUBlocks           int     `toml:"cpu_blocks"`
	Watermark           float64 `toml:"watermark"`
	Sequences           int     `toml:"sequences"`
	PromptTokens        int     `toml:"prompt_tokens"`
	DecodeTokens        int     `toml:"decode_tokens"`
	ForkRate            float64 `toml:"fork_rate"`
	SlidingWindowBlocks int     `toml:"sliding_window_blocks"`
	PrefixCaching       bool    `toml:"prefix_caching"`
	Steps               int     `toml:"steps"`
	Seed                int64   `toml:"seed"`
}

// DefaultConfig seeds a config from the environment.
func DefaultConfig() Config {
	return Config{
		Name:         "default",
		BlockSize:    envconfig.BlockSize,
		GPUBlocks:    envconfig.NumGPUBlocks,
		CPUBlocks:    envconfig.NumCPUBlocks,
		Watermark:    envconfig.Watermark,
		Sequences:    8,
		PromptTokens: 128,
		DecodeTokens: 256,
		ForkRate:     0.01,
		Steps:        512,
		Seed:         1,
	}
}

type scenarioFile struct {
	Scenario []Config `toml:"scenario"`
}

// LoadScenarios reads a TOML file of [[scenario]] blocks. Unset sizing,
// watermark, workload-length and seed fields fall back to DefaultConfig; an
// unset name becomes "scenario-N", and an unset fork rate, sliding window or
// prefix caching flag stays zero.
func LoadScenarios(path string) ([]Config, error) {
	var file scenarioFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decoding scenario file: %w", err)
	}
	if len(file.Scenario) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", path)
	}

	defaults := DefaultConfig()
	for i := range file.Scenario {
		cfg := &file.Scenario[i]
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("scenario-%d", i)
		}
		if cfg.BlockSize == 0 {
			cfg.BlockSize = defaults.BlockSize
		}
		if cfg.GPUBlocks == 0 {
			cfg.GPUBlocks = defaults.GPUBlocks
		}
		if cfg.CPUBlocks == 0 {
			cfg.CPUBlocks = defaults.CPUBlocks
		}
		if cfg.Watermark == 0 {
			cfg.Watermark = defaults.Watermark
		}
		if cfg.Sequences == 0 {
			cfg.Sequences = defaults.Sequences
		}
		if cfg.PromptTokens == 0 {
			cfg.PromptTokens = defaults.PromptTokens
		}
		if cfg.DecodeTokens == 0 {
			cfg.DecodeTokens = defaults.DecodeTokens
		}
		if cfg.Steps == 0 {
			cfg.Steps = defaults.Steps
		}
		if cfg.Seed == 0 {
			cfg.Seed = defaults.Seed
		}
	}
	return file.Scenario, nil
}

// LatencySummary reduces the per-step latencies to mean, p50, and p99
// seconds. Zeroes when no steps ran.
func (s Stats) LatencySummary() (mean, p50, p99 float64) {
	if len(s.StepLatencies) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), s.StepLatencies...)
	sort.Float64s(sorted)
	mean = stat.Mean(sorted, nil)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return mean, p50, p99
}
