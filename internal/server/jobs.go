package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/config"
	"github.com/copyleftdev/hpacal/internal/pipeline"
)

// JobStatus is the lifecycle of a calibration job as seen by clients.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has stopped.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CalibrationState tracks one calibration job. All fields are guarded by
// the server's job lock except evaluations.
type CalibrationState struct {
	ID          string
	Status      JobStatus
	Job         *config.Job
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Repetition  int
	Phase       calibration.State
	BestCost    float64
	Records     []calibration.RunRecord
	Summary     *calibration.Summary
	Outputs     []string
	Archived    bool
	Error       string

	evaluations atomic.Int64
	cancel      context.CancelFunc
	calibration *pipeline.Calibration
}

// StatusView is the JSON form of a job.
type StatusView struct {
	ID          string                  `json:"calibration_id"`
	Status      JobStatus               `json:"status"`
	Model       string                  `json:"model"`
	Study       string                  `json:"study"`
	Cohort      string                  `json:"cohort"`
	Algorithm   string                  `json:"algorithm"`
	Parameters  []string                `json:"parameters"`
	Progress    float64                 `json:"progress"`
	Repetition  int                     `json:"repetition"`
	Repetitions int                     `json:"repetitions"`
	Phase       calibration.State       `json:"phase"`
	Evaluations int64                   `json:"evaluations"`
	BestCost    *float64                `json:"best_cost,omitempty"`
	Records     []calibration.RunRecord `json:"records,omitempty"`
	Summary     *calibration.Summary    `json:"summary,omitempty"`
	Outputs     []string                `json:"outputs,omitempty"`
	Archived    bool                    `json:"archived,omitempty"`
	Error       string                  `json:"error,omitempty"`
	StartTime   string                  `json:"start_time"`
	EndTime     string                  `json:"end_time,omitempty"`
	LastUpdate  string                  `json:"last_update"`
}

var (
	errNotFound     = errors.New("calibration not found")
	errNotCancelled = errors.New("calibration already finished")
)

// startCalibration validates and prepares job, then runs it in the
// background. Configuration errors are returned before anything starts.
func (s *Server) startCalibration(job *config.Job) (*CalibrationState, error) {
	id := uuid.NewString()
	job.ApplyDefaults(s.cfg)
	// Results of service jobs always land under the configured output root.
	job.Output.Dir = filepath.Join(s.cfg.Data.OutputDir, id)
	if err := job.Validate(); err != nil {
		return nil, err
	}
	c, err := pipeline.Prepare(job, s.provider, s.zlog.With(zap.String("calibration_id", id)))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &CalibrationState{
		ID:          id,
		Status:      StatusPending,
		Job:         job,
		StartTime:   now,
		LastUpdated: now,
		BestCost:    math.Inf(1),
		cancel:      cancel,
		calibration: c,
	}

	s.mu.Lock()
	s.calibrations[id] = state
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runCalibration(ctx, state)

	s.logger.Info("calibration accepted", map[string]interface{}{
		"calibration_id": id,
		"model":          job.Model,
		"study":          job.Dataset.Study,
		"cohort":         job.Dataset.Cohort,
		"algorithm":      job.Optimizer.Algorithm,
		"repetitions":    job.Optimizer.Repetitions,
	})
	return state, nil
}

func (s *Server) runCalibration(ctx context.Context, state *CalibrationState) {
	defer s.wg.Done()
	defer state.cancel()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}
	done := s.metrics.JobStarted()
	defer done()

	s.update(state, func() { state.Status = StatusRunning })

	hooks := calibration.ChainHooks(
		s.metrics.Hooks(state.calibration.Model.Name),
		calibration.Hooks{
			Transition: func(rep int, _, to calibration.State) {
				s.update(state, func() {
					state.Phase = to
					if to == calibration.Running {
						state.Repetition = rep
					}
				})
			},
			Evaluated: func(calibration.Evaluation) {
				state.evaluations.Add(1)
			},
			Finished: func(rec calibration.RunRecord) {
				rec.Trajectory = nil
				s.update(state, func() {
					state.Records = append(state.Records, rec)
					if rec.Status != calibration.Failed && rec.Cost < state.BestCost {
						state.BestCost = rec.Cost
					}
				})
			},
		},
	)

	ens, err := state.calibration.Run(ctx, hooks)
	if ens != nil && len(ens.Successful()) > 0 && ctx.Err() == nil {
		outputs, exportErr := state.calibration.Export(ens)
		if exportErr != nil {
			s.logger.Error("export failed", map[string]interface{}{"calibration_id": state.ID, "error": exportErr.Error()})
			// a run without its tables is not complete
			err = fmt.Errorf("exporting results: %w", exportErr)
		}
		archived := false
		if s.archive != nil && exportErr == nil {
			if archErr := s.archive.Save(context.Background(), state.calibration.Entry(state.ID, ens)); archErr != nil {
				s.logger.Error("archive failed", map[string]interface{}{"calibration_id": state.ID, "error": archErr.Error()})
			} else {
				archived = true
			}
		}
		s.update(state, func() {
			state.Outputs = outputs
			state.Archived = archived
		})
	}
	s.finish(state, ens, err)
}

func (s *Server) update(state *CalibrationState, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	state.LastUpdated = time.Now()
}

func (s *Server) finish(state *CalibrationState, ens *calibration.Ensemble, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if state.EndTime == nil {
		state.EndTime = &now
	}
	state.LastUpdated = now
	if ens != nil {
		sum := ens.Summary
		state.Summary = &sum
	}

	switch {
	case state.Status == StatusCancelled:
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Error = err.Error()
	default:
		state.Status = StatusCompleted
	}

	fields := map[string]interface{}{
		"calibration_id": state.ID,
		"status":         state.Status,
		"evaluations":    state.evaluations.Load(),
		"duration":       now.Sub(state.StartTime).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Info("calibration finished", fields)
}

// status renders a job. The caller must not hold the lock.
func (s *Server) status(id string) (StatusView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.calibrations[id]
	if !ok {
		return StatusView{}, errNotFound
	}
	return state.view(), nil
}

func (state *CalibrationState) view() StatusView {
	job := state.Job
	v := StatusView{
		ID:          state.ID,
		Status:      state.Status,
		Model:       job.Model,
		Study:       job.Dataset.Study,
		Cohort:      job.Dataset.Cohort,
		Algorithm:   job.Optimizer.Algorithm,
		Parameters:  state.calibration.Problem.Names,
		Repetition:  state.Repetition,
		Repetitions: job.Optimizer.Repetitions,
		Phase:       state.Phase,
		Evaluations: state.evaluations.Load(),
		Records:     append([]calibration.RunRecord(nil), state.Records...),
		Summary:     state.Summary,
		Outputs:     state.Outputs,
		Archived:    state.Archived,
		Error:       state.Error,
		StartTime:   state.StartTime.Format(time.RFC3339),
		LastUpdate:  state.LastUpdated.Format(time.RFC3339),
	}
	if job.Optimizer.Repetitions > 0 {
		v.Progress = float64(len(state.Records)) / float64(job.Optimizer.Repetitions)
	}
	if !math.IsInf(state.BestCost, 1) {
		best := state.BestCost
		v.BestCost = &best
	}
	if state.EndTime != nil {
		v.EndTime = state.EndTime.Format(time.RFC3339)
	}
	return v
}

// list returns every job, newest first.
func (s *Server) list() []StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StatusView, 0, len(s.calibrations))
	for _, state := range s.calibrations {
		v := state.view()
		v.Records = nil
		out = append(out, v)
	}
	sortViews(out)
	return out
}

func (s *Server) cancelCalibration(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.calibrations[id]
	if !ok {
		return errNotFound
	}
	if state.Status.Terminal() {
		return errNotCancelled
	}
	state.cancel()
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("calibration cancelled", map[string]interface{}{
		"calibration_id": id,
	})
	return nil
}

// Close cancels every job and waits for them to stop.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, state := range s.calibrations {
		state.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// wait polls the job until it stops or ctx ends and returns its latest
// state either way.
func (s *Server) wait(ctx context.Context, id string) (StatusView, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := s.status(id)
		if err != nil || v.Status.Terminal() {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, nil
		case <-ticker.C:
		}
	}
}

func sortViews(views []StatusView) {
	sort.Slice(views, func(i, j int) bool {
		if views[i].StartTime != views[j].StartTime {
			return views[i].StartTime > views[j].StartTime
		}
		return views[i].ID < views[j].ID
	})
}
