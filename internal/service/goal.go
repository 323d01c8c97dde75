package service

import (
	"context"
	"math"

	"github.com/yourname/dailytally/internal"
)

// GoalProgress is the day's standing against the configured target.
type GoalProgress struct {
	Date      string `json:"date"`
	Name      string `json:"name"`
	Target    int64  `json:"target"`
	Total     int64  `json:"total"`
	Remaining int64  `json:"remaining"`
	// Percent is rounded and may exceed 100. BarPercent is capped at 100.
	Percent    int64   `json:"percent"`
	BarPercent float64 `json:"barPercent"`
	Met        bool    `json:"met"`
}

func CalculateGoalProgress(agg internal.DailyAggregate, settings internal.Settings) GoalProgress {
	settings = settings.Normalize()
	ratio := float64(agg.Total) / float64(settings.Target) * 100
	return GoalProgress{
		Date:       agg.Date,
		Name:       settings.DhikrName,
		Target:     settings.Target,
		Total:      agg.Total,
		Remaining:  max(settings.Target-agg.Total, 0),
		Percent:    int64(math.Round(ratio)),
		BarPercent: math.Min(ratio, 100),
		Met:        agg.Total >= settings.Target,
	}
}

// Progress reads the day through r and measures it against the target.
func (r *Reader) Progress(ctx context.Context) (GoalProgress, error) {
	snap, err := r.Today(ctx)
	return CalculateGoalProgress(snap.DailyAggregate, snap.Settings), err
}
