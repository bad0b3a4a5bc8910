// Package sim drives a BlockSpaceManager with synthetic prefill, decode,
// fork, and swap traffic. The CLI benchmarks with it and the stats server
// steps it interactively.
package sim

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagedcore/pagedcore/block"
	"github.com/pagedcore/pagedcore/manager"
)

// Stats are the counters a run accumulates. StepLatencies holds one entry
// per Step call, in seconds.
type Stats struct {
	Steps         int
	Prompts       int
	DecodedTokens int
	Forks         int
	COWs          int
	SwapsOut      int
	SwapsIn       int
	Preemptions   int
	Completed     int
	StepLatencies []float64
}

type sequence struct {
	id       string
	tokens   []int32
	decoded  int
	computed int
}

// Runner owns one manager and the synthetic sequences flowing through it.
// The core below is single-caller, so the runner serializes Step and the
// read accessors behind one mutex; that is the only locking in the module.
type Runner struct {
	mu      sync.Mutex
	cfg     Config
	mgr     *manager.BlockSpaceManager
	rng     *rand.Rand
	seqs    []*sequence
	swapped []*sequence
	stats   Stats
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg: cfg,
		mgr: manager.NewBlockSpaceManager(manager.Config{
			BlockSize:           cfg.BlockSize,
			NumGPUBlocks:        cfg.GPUBlocks,
			NumCPUBlocks:        cfg.CPUBlocks,
			Watermark:           cfg.Watermark,
			SlidingWindowBlocks: cfg.SlidingWindowBlocks,
			PrefixCaching:       cfg.PrefixCaching,
		}),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Step advances the simulation by one scheduler iteration: admit prompts,
// decode one token per running sequence (forking at the configured rate and
// preempting when the GPU pool runs out), swap one preempted sequence back
// in if it fits, then drain the copy-on-write log.
func (r *Runner) Step() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()

	if err := r.admit(); err != nil {
		return err
	}
	if err := r.decode(); err != nil {
		return err
	}
	r.swapIn()

	r.stats.COWs += len(r.mgr.ClearCopyOnWrites())
	r.stats.Steps++
	r.stats.StepLatencies = append(r.stats.StepLatencies, time.Since(start).Seconds())
	return nil
}

func (r *Runner) admit() error {
	for len(r.seqs) < r.cfg.Sequences {
		prompt := r.randomTokens(r.cfg.PromptTokens)
		if r.mgr.CanAllocate(prompt, 0) != manager.AllocOK {
			return nil
		}
		seq := &sequence{id: uuid.New().String(), tokens: prompt, computed: len(prompt)}
		if err := r.mgr.Allocate(seq.id, seq.tokens); err != nil {
			return err
		}
		r.seqs = append(r.seqs, seq)
		r.stats.Prompts++
	}
	return nil
}

func (r *Runner) decode() error {
	for i := 0; i < len(r.seqs); i++ {
		seq := r.seqs[i]
		tok := r.randomTokens(1)
		err := r.mgr.AppendTokenIDs(seq.id, tok, 0, r.computedSlots(seq))
		if errors.Is(err, block.ErrNoFreeBlocks) {
			if err := r.preempt(); err != nil {
				return err
			}
			i--
			continue
		}
		if err != nil {
			return err
		}
		seq.tokens = append(seq.tokens, tok...)
		seq.computed = len(seq.tokens)
		seq.decoded++
		r.stats.DecodedTokens++

		// Forking follows the prev chain, which sliding-window eviction cuts.
		if r.cfg.SlidingWindowBlocks == 0 && r.rng.Float64() < r.cfg.ForkRate && len(r.seqs) < 2*r.cfg.Sequences {
			if err := r.fork(seq); err != nil {
				return err
			}
		}

		if seq.decoded >= r.cfg.DecodeTokens {
			if err := r.mgr.Free(seq.id); err != nil {
				return err
			}
			r.seqs = append(r.seqs[:i], r.seqs[i+1:]...)
			i--
			r.stats.Completed++
		}
	}
	return nil
}

func (r *Runner) fork(parent *sequence) error {
	child := &sequence{
		id:       uuid.New().String(),
		tokens:   append([]int32(nil), parent.tokens...),
		computed: parent.computed,
	}
	if err := r.mgr.Fork(parent.id, child.id); err != nil {
		if errors.Is(err, block.ErrNoFreeBlocks) {
			return nil
		}
		return err
	}
	r.seqs = append(r.seqs, child)
	r.stats.Forks++
	return nil
}

// preempt pushes the youngest running sequence to the CPU pool to make room
// on the GPU, the way the scheduler reacts to ErrNoFreeBlocks. When the CPU
// pool is also full the victim is dropped instead, which models
// recompute-style preemption.
func (r *Runner) preempt() error {
	victim := r.seqs[len(r.seqs)-1]
	r.seqs = r.seqs[:len(r.seqs)-1]
	r.stats.Preemptions++

	// Windowed tables hold null sentinels that cannot move devices; those
	// victims are dropped outright, as is anything the CPU pool cannot take.
	if r.cfg.SlidingWindowBlocks > 0 || !r.mgr.CanSwapOut(victim.id) {
		slog.Debug("dropping sequence", "seq", victim.id)
		return r.mgr.Free(victim.id)
	}
	if _, err := r.mgr.SwapOut(victim.id); err != nil {
		return err
	}
	r.swapped = append(r.swapped, victim)
	r.stats.SwapsOut++
	slog.Debug("preempted sequence", "seq", victim.id)
	return nil
}

func (r *Runner) swapIn() {
	for i, seq := range r.swapped {
		if !r.mgr.CanSwapIn(seq.id) {
			continue
		}
		if _, err := r.mgr.SwapIn(seq.id); err != nil {
			slog.Debug("swap in failed", "seq", seq.id, "error", err)
			return
		}
		r.swapped = append(r.swapped[:i], r.swapped[i+1:]...)
		r.seqs = append(r.seqs, seq)
		r.stats.SwapsIn++
		return
	}
}

func (r *Runner) computedSlots(seq *sequence) int {
	if r.cfg.SlidingWindowBlocks > 0 {
		return seq.computed
	}
	return -1
}

func (r *Runner) randomTokens(n int) []int32 {
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = r.rng.Int31n(32000)
	}
	return tokens
}

// Stats returns a snapshot of the counters so far.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.StepLatencies = append([]float64(nil), r.stats.StepLatencies...)
	return s
}

// SequenceView is the read model the stats server serves.
type SequenceView struct {
	ID           string `json:"id"`
	Tokens       int    `json:"tokens"`
	Decoded      int    `json:"decoded"`
	Blocks       []int  `json:"blocks"`
	SwappedToCPU bool   `json:"swapped_to_cpu"`
}

func (r *Runner) Sequences() []SequenceView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]SequenceView, 0, len(r.seqs)+len(r.swapped))
	for _, seq := range r.seqs {
		views = append(views, r.view(seq, false))
	}
	for _, seq := range r.swapped {
		views = append(views, r.view(seq, true))
	}
	return views
}

func (r *Runner) view(seq *sequence, swapped bool) SequenceView {
	ids, _ := r.mgr.PhysicalBlockIDs(seq.id)
	return SequenceView{
		ID:           seq.id,
		Tokens:       len(seq.tokens),
		Decoded:      seq.decoded,
		Blocks:       ids,
		SwappedToCPU: swapped,
	}
}

// FreeBlocks reports the free count for one device.
func (r *Runner) FreeBlocks(device block.Device) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mgr.NumFreeBlocks(device)
}

// Close frees every live sequence.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seq := range append(r.seqs, r.swapped...) {
		if err := r.mgr.Free(seq.id); err != nil {
			return err
		}
	}
	r.seqs, r.swapped = nil, nil
	return nil
}

// Run executes cfg.Steps scheduler iterations and returns the stats.
func Run(cfg Config) (Stats, error) {
	r := NewRunner(cfg)
	for i := 0; i < cfg.Steps; i++ {
		if err := r.Step(); err != nil {
			return r.Stats(), err
		}
	}
	if err := r.Close(); err != nil {
		return r.Stats(), err
	}
	return r.Stats(), nil
}
