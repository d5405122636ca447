package spike

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BuildLinksFromTrajectories rebuilds a domain's link graph from recorded
// trace history. Two patterns co-occur when they appear within the same
// sliding window of consecutive traces; the edge weight is the Jaccard
// overlap of the two patterns' window sets, in (0, 1]. Co-occurrence
// carries no direction, so each pair is materialized as two directed
// edges of equal weight; propagation then reaches either pattern from
// the other without a separate undirected traversal. The rebuild is
// idempotent: edges are upserted by (source, target), so re-running over
// unchanged history refreshes weights without duplicating edges.
func (n *Network) BuildLinksFromTrajectories(ctx context.Context, domain string) (int, error) {
	occs, err := n.repo.Occurrences(ctx, domain)
	if err != nil {
		return 0, fmt.Errorf("loading occurrences: %w", err)
	}
	if len(occs) < 2 {
		return 0, nil
	}

	window := DefaultLinkWindow
	if window > len(occs) {
		window = len(occs)
	}

	// windowSets[pattern] = set of window start indices containing it.
	windowSets := make(map[string]map[int]struct{})
	for start := 0; start+window <= len(occs); start++ {
		for i := start; i < start+window; i++ {
			pid := occs[i].PatternID
			set, ok := windowSets[pid]
			if !ok {
				set = make(map[int]struct{})
				windowSets[pid] = set
			}
			set[start] = struct{}{}
		}
	}

	now := n.now()
	upserts := 0
	for a, setA := range windowSets {
		for b, setB := range windowSets {
			if a >= b {
				continue
			}
			weight := jaccard(setA, setB)
			if weight <= 0 {
				continue
			}
			// Both directions at the same weight; see the godoc.
			for _, link := range []Link{
				{SourceID: a, TargetID: b, Domain: domain, Weight: weight, UpdatedAt: now},
				{SourceID: b, TargetID: a, Domain: domain, Weight: weight, UpdatedAt: now},
			} {
				if err := n.repo.UpsertLink(ctx, link); err != nil {
					return upserts, fmt.Errorf("upserting link %s->%s: %w", link.SourceID, link.TargetID, err)
				}
				upserts++
			}
		}
	}

	n.logger.Info("link graph rebuilt",
		zap.String("domain", domain),
		zap.Int("occurrences", len(occs)),
		zap.Int("edges_upserted", upserts))
	return upserts, nil
}

func jaccard(a, b map[int]struct{}) float64 {
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
