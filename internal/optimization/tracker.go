package optimization

import (
	"context"
	"sync"
)

// Tracker records the best solution and per-iteration history of a run. It
// is safe for concurrent use, so optimizers can embed it and serve
// GetBestSolution and GetHistory while Optimize runs.
type Tracker struct {
	mu          sync.Mutex
	best        *Solution
	history     []Evaluation
	evaluations int
	cancel      context.CancelFunc
}

// Reset clears the tracker for a new run and returns a context that Stop
// cancels.
func (t *Tracker) Reset(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.best = nil
	t.history = nil
	t.evaluations = 0
	t.cancel = cancel
	t.mu.Unlock()
	return ctx, cancel
}

// Observe counts an evaluation and keeps it if it improves on the best so
// far. It reports whether the best solution changed.
func (t *Tracker) Observe(params []float64, value float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evaluations++
	if t.best == nil || value < t.best.Value {
		t.best = &Solution{
			Parameters: append([]float64(nil), params...),
			Value:      value,
		}
		return true
	}
	return false
}

// Record appends the current best solution to the history.
func (t *Tracker) Record(iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.best == nil {
		return
	}
	t.history = append(t.history, Evaluation{
		Iteration: iteration,
		Solution:  &Solution{Parameters: append([]float64(nil), t.best.Parameters...), Value: t.best.Value},
	})
}

// Evaluations returns the number of observed evaluations.
func (t *Tracker) Evaluations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evaluations
}

// GetBestSolution returns the best solution found so far
func (t *Tracker) GetBestSolution() *Solution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.best
}

// GetHistory returns the best solution after each recorded iteration
func (t *Tracker) GetHistory() []Evaluation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Evaluation(nil), t.history...)
}

// Stop cancels the running optimization, if any.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Result assembles an OptimizationResult from the tracked state.
func (t *Tracker) Result(iterations int, status Status, message string) *OptimizationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &OptimizationResult{
		BestSolution: t.best,
		History:      append([]Evaluation(nil), t.history...),
		Iterations:   iterations,
		Evaluations:  t.evaluations,
		Converged:    status == Converged,
		Status:       status,
		Message:      message,
	}
}
