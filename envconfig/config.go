package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via PAGEDKV_DEBUG in the environment
	Debug bool
	// Set via PAGEDKV_BLOCK_SIZE in the environment
	BlockSize int
	// Set via PAGEDKV_GPU_BLOCKS in the environment
	NumGPUBlocks int
	// Set via PAGEDKV_CPU_BLOCKS in the environment
	NumCPUBlocks int
	// Set via PAGEDKV_WATERMARK in the environment
	Watermark float64
	// Set via PAGEDKV_HOST in the environment
	Host string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PAGEDKV_DEBUG":      {"PAGEDKV_DEBUG", Debug, "Show additional debug information (e.g. PAGEDKV_DEBUG=1)"},
		"PAGEDKV_BLOCK_SIZE": {"PAGEDKV_BLOCK_SIZE", BlockSize, "Tokens per KV cache block (default 16)"},
		"PAGEDKV_GPU_BLOCKS": {"PAGEDKV_GPU_BLOCKS", NumGPUBlocks, "Number of GPU cache blocks (default 1024)"},
		"PAGEDKV_CPU_BLOCKS": {"PAGEDKV_CPU_BLOCKS", NumCPUBlocks, "Number of CPU swap blocks (default 256)"},
		"PAGEDKV_WATERMARK":  {"PAGEDKV_WATERMARK", Watermark, "Fraction of GPU blocks kept free for running sequences (default 0.01)"},
		"PAGEDKV_HOST":       {"PAGEDKV_HOST", Host, "Address for the stats server (default 127.0.0.1:7085)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	BlockSize = 16
	NumGPUBlocks = 1024
	NumCPUBlocks = 256
	Watermark = 0.01
	Host = "127.0.0.1:7085"

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("PAGEDKV_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	loadInt("PAGEDKV_BLOCK_SIZE", &BlockSize)
	loadInt("PAGEDKV_GPU_BLOCKS", &NumGPUBlocks)
	loadInt("PAGEDKV_CPU_BLOCKS", &NumCPUBlocks)

	if wm := clean("PAGEDKV_WATERMARK"); wm != "" {
		w, err := strconv.ParseFloat(wm, 64)
		if err != nil || w < 0 || w >= 1 {
			slog.Error("invalid setting, ignoring", "PAGEDKV_WATERMARK", wm, "error", err)
		} else {
			Watermark = w
		}
	}

	if host := clean("PAGEDKV_HOST"); host != "" {
		Host = host
	}
}

func loadInt(key string, dst *int) {
	val := clean(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Error("invalid setting, ignoring", key, val, "error", err)
		return
	}
	*dst = n
}
