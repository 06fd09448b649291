package train

import "math"

// State is the mutable per-run bookkeeping, advanced once per step by the
// trainer and persisted only through checkpoints.
type State struct {
	Epoch       int
	Step        int // global optimizer-step counter across epochs
	LR          float64
	BestValLoss float64
	Seed        int64 // base seed plus rank offset
}

// NewState starts a run. Best validation loss begins at +Inf so the first
// finite validation result always registers as an improvement.
func NewState(seed int64, rank int) *State {
	return &State{BestValLoss: math.Inf(1), Seed: seed + int64(rank)}
}
