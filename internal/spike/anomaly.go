package spike

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DetectAnomalies computes per-pattern spike rates over the trailing
// window and flags patterns whose rate deviates from the domain mean by
// more than zThreshold standard deviations. Patterns with no spikes count
// as rate zero. A zero standard deviation (all rates identical) reports
// no anomalies; that is an expected state, not an error. Results are
// sorted by descending absolute score.
func (n *Network) DetectAnomalies(ctx context.Context, domain string, window time.Duration, zThreshold float64) ([]AnomalyRecord, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	if zThreshold <= 0 {
		return nil, fmt.Errorf("z threshold must be positive, got %f", zThreshold)
	}

	ids, err := n.repo.PatternIDs(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	if len(ids) == 0 {
		return []AnomalyRecord{}, nil
	}

	now := n.now()
	counts, err := n.repo.SpikeCounts(ctx, domain, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("loading spike counts: %w", err)
	}

	// Rates are spikes per hour, so reported values stay comparable
	// across window sizes. The z-scores are scale-invariant either way.
	hours := window.Hours()
	rates := make(map[string]float64, len(ids))
	var sum float64
	for _, id := range ids {
		r := float64(counts[id]) / hours
		rates[id] = r
		sum += r
	}
	mean := sum / float64(len(ids))

	var sqDiff float64
	for _, r := range rates {
		d := r - mean
		sqDiff += d * d
	}
	stddev := math.Sqrt(sqDiff / float64(len(ids)))
	if stddev == 0 {
		return []AnomalyRecord{}, nil
	}

	var anomalies []AnomalyRecord
	for _, id := range ids {
		score := (rates[id] - mean) / stddev
		if math.Abs(score) > zThreshold {
			anomalies = append(anomalies, AnomalyRecord{
				PatternID:    id,
				SpikeRate:    rates[id],
				MeanRate:     mean,
				StddevRate:   stddev,
				AnomalyScore: score,
			})
		}
	}
	sort.Slice(anomalies, func(i, j int) bool {
		return math.Abs(anomalies[i].AnomalyScore) > math.Abs(anomalies[j].AnomalyScore)
	})

	if len(anomalies) > 0 {
		n.logger.Info("spike anomalies detected",
			zap.String("domain", domain),
			zap.Duration("window", window),
			zap.Int("count", len(anomalies)))
	}
	if anomalies == nil {
		anomalies = []AnomalyRecord{}
	}
	return anomalies, nil
}
