package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// GetRecommendations inspects each entity's metrics and suggests schedule
// changes, highest impact first. Entities with fewer than MinSamples syncs
// are skipped.
func (s *Scheduler) GetRecommendations() []Recommendation {
	s.mu.RLock()
	var out []Recommendation
	for name, e := range s.entities {
		out = append(out, s.recommend(name, e.schedule, e.metrics)...)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Impact.rank(), out[j].Impact.rank(); ri != rj {
			return ri > rj
		}
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Description < out[j].Description
	})
	return out
}

func (s *Scheduler) recommend(name string, sc Schedule, m Metrics) []Recommendation {
	if m.TotalSyncs < s.cfg.MinSamples {
		return nil
	}
	var recs []Recommendation

	if rate := m.SuccessRate(); rate < s.cfg.SuccessRateFloor {
		r := Recommendation{
			Entity:          name,
			Impact:          ImpactHigh,
			Description:     fmt.Sprintf("success rate %.0f%% is below %.0f%%", rate*100, s.cfg.SuccessRateFloor*100),
			SuggestedAction: "investigate backend errors before they reach the dead letter queue",
		}
		if m.LastError != "" {
			r.SuggestedAction += " (last error: " + m.LastError + ")"
		}
		recs = append(recs, r)
	}

	changeRate := m.ChangeRate()
	if m.Successes >= s.cfg.MinSamples && changeRate < s.cfg.LowChangeRate && sc.Strategy.Type != Adaptive && sc.Strategy.Type != Conservative {
		target := s.cfg.ConservativeInterval
		recs = append(recs, Recommendation{
			Entity:           name,
			Impact:           ImpactMedium,
			Description:      fmt.Sprintf("only %.0f%% of syncs found changes", changeRate*100),
			SuggestedAction:  "switch to the adaptive or conservative strategy",
			EstimatedSavings: savings(sc.Interval, target),
		})
	}

	if m.Successes >= s.cfg.MinSamples && changeRate > s.cfg.HighChangeRate && sc.Strategy.Type == Conservative {
		recs = append(recs, Recommendation{
			Entity:          name,
			Impact:          ImpactHigh,
			Description:     fmt.Sprintf("%.0f%% of syncs found changes on a conservative schedule", changeRate*100),
			SuggestedAction: "switch to the adaptive or aggressive strategy so changes propagate sooner",
		})
	}

	if m.AverageDuration > s.cfg.SlowSync {
		recs = append(recs, Recommendation{
			Entity:          name,
			Impact:          ImpactMedium,
			Description:     fmt.Sprintf("average sync takes %s", m.AverageDuration.Round(time.Millisecond)),
			SuggestedAction: "reduce the batch size or enable compression for this entity",
		})
	}
	return recs
}

// savings describes how many syncs per day moving from cur to target avoids.
func savings(cur, target time.Duration) string {
	if cur <= 0 || target <= cur {
		return ""
	}
	perDay := func(d time.Duration) int { return int(24 * time.Hour / d) }
	return fmt.Sprintf("about %d fewer syncs per day", perDay(cur)-perDay(target))
}
