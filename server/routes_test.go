package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/pagedcore/pagedcore/sim"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	runner := sim.NewRunner(sim.Config{
		Name:         "test",
		BlockSize:    4,
		GPUBlocks:    32,
		CPUBlocks:    32,
		Sequences:    2,
		PromptTokens: 8,
		DecodeTokens: 8,
		Steps:        8,
		Seed:         1,
	})
	t.Cleanup(func() { runner.Close() })
	return NewRouter(runner)
}

func TestStatsRoute(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/stats", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "steps")
	require.Contains(t, resp, "free_gpu_blocks")
	require.EqualValues(t, 32, resp["free_gpu_blocks"])
}

func TestStepRouteAdvancesSimulation(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/step", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats sim.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Steps)
	require.Equal(t, 2, stats.Prompts)
}

func TestSequencesRoute(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/step", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/sequences", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sequences []sim.SequenceView `json:"sequences"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sequences, 2)
	for _, seq := range resp.Sequences {
		require.NotEmpty(t, seq.Blocks)
	}
}
