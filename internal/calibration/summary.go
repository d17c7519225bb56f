package calibration

import (
	"gonum.org/v1/gonum/stat"
)

// Summary is the spread of the optima across repetitions. Std is the
// population standard deviation, zero for a single run.
type Summary struct {
	Runs     int       `json:"runs"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
	CostMean float64   `json:"cost_mean"`
	CostStd  float64   `json:"cost_std"`
}

// Summarize computes per-parameter mean and standard deviation over records.
// Failed records are ignored.
func Summarize(records []RunRecord, dims int) Summary {
	s := Summary{Mean: make([]float64, dims), Std: make([]float64, dims)}
	var costs []float64
	cols := make([][]float64, dims)
	for _, r := range records {
		if r.Status == Failed || len(r.Parameters) != dims {
			continue
		}
		costs = append(costs, r.Cost)
		for i, p := range r.Parameters {
			cols[i] = append(cols[i], p)
		}
	}
	s.Runs = len(costs)
	if s.Runs == 0 {
		return s
	}
	for i, col := range cols {
		s.Mean[i], s.Std[i] = meanStd(col)
	}
	s.CostMean, s.CostStd = meanStd(costs)
	return s
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.PopMeanStdDev(x, nil)
}
