package spike

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Config tunes propagation and decay.
type Config struct {
	// Threshold is the potential at which a pattern fires.
	Threshold float64 `koanf:"threshold"`

	// MaxDepth bounds how many hops one wave may propagate.
	MaxDepth int `koanf:"max_depth"`

	// HalfLife is the lazy decay half-life for potentials.
	HalfLife time.Duration `koanf:"half_life"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.HalfLife == 0 {
		c.HalfLife = DefaultHalfLife
	}
}

// Network runs spike propagation over pattern links.
//
// Two concurrent waves touching overlapping subgraphs are not mutually
// isolated: the repository owns consistency of individual state updates,
// and at-least-once reinforcement is the target invariant, not exactly-once
// ordering across waves.
type Network struct {
	repo    Repository
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	// now is swappable for tests.
	now func() time.Time
}

// NewNetwork creates a spike network over the given repository.
func NewNetwork(repo Repository, cfg Config, logger *zap.Logger) (*Network, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	return &Network{
		repo:    repo,
		config:  cfg,
		logger:  logger,
		metrics: NewMetrics(logger),
		now:     time.Now,
	}, nil
}

// FireSpike discharges the source pattern and propagates its potential
// along outgoing links. The first event is always the source's own
// discharge (potential 0, fired). Every target that crosses the threshold
// fires recursively in the same wave, except that a pattern never fires
// twice per wave; propagation stops when no new pattern crosses the
// threshold or the depth bound is hit. An isolated pattern yields exactly
// one event.
func (n *Network) FireSpike(ctx context.Context, sourceID string) ([]Event, error) {
	domain, err := n.repo.PatternDomain(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("resolving pattern domain: %w", err)
	}
	if domain == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, sourceID)
	}

	now := n.now()
	visited := map[string]bool{sourceID: true}
	fired := []string{sourceID}

	// Discharge the source.
	if err := n.repo.PutState(ctx, State{
		PatternID:   sourceID,
		Potential:   0,
		LastSpikeAt: now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("discharging source: %w", err)
	}
	events := []Event{{PatternID: sourceID, NewPotential: 0, DidFire: true}}

	frontier := []string{sourceID}
	for depth := 0; depth < n.config.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			links, err := n.repo.Links(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading links of %s: %w", id, err)
			}
			for _, link := range links {
				if visited[link.TargetID] {
					// Already fired in this wave; re-entry is a no-op.
					continue
				}
				st, err := n.decayedState(ctx, link.TargetID, now)
				if err != nil {
					return nil, err
				}
				potential := math.Min(1, st.Potential+link.Weight)
				didFire := potential >= n.config.Threshold
				events = append(events, Event{
					PatternID:    link.TargetID,
					NewPotential: potential,
					DidFire:      didFire,
				})

				st.Potential = potential
				st.UpdatedAt = now
				if didFire {
					st.Potential = 0
					st.LastSpikeAt = now
					visited[link.TargetID] = true
					fired = append(fired, link.TargetID)
					next = append(next, link.TargetID)
				}
				if err := n.repo.PutState(ctx, st); err != nil {
					return nil, fmt.Errorf("updating potential of %s: %w", link.TargetID, err)
				}
			}
		}
		frontier = next
	}

	if err := n.repo.RecordSpikes(ctx, domain, now, fired); err != nil {
		return nil, fmt.Errorf("recording spikes: %w", err)
	}

	n.metrics.RecordWave(ctx, domain, len(fired), len(events))
	n.logger.Debug("spike wave complete",
		zap.String("source", sourceID),
		zap.String("domain", domain),
		zap.Int("fired", len(fired)),
		zap.Int("events", len(events)))

	return events, nil
}

// Potential returns a pattern's current potential with lazy decay applied.
func (n *Network) Potential(ctx context.Context, patternID string) (float64, error) {
	st, err := n.decayedState(ctx, patternID, n.now())
	if err != nil {
		return 0, err
	}
	return st.Potential, nil
}

// ResetNetwork zeroes every potential in a domain and returns the count
// affected. Idempotent.
func (n *Network) ResetNetwork(ctx context.Context, domain string) (int, error) {
	count, err := n.repo.ResetPotentials(ctx, domain)
	if err != nil {
		return 0, fmt.Errorf("resetting potentials: %w", err)
	}
	n.logger.Info("spike network reset",
		zap.String("domain", domain),
		zap.Int("patterns", count))
	return count, nil
}

// GraphStats reports nodes, edges and weakly-connected components for a
// domain's link graph.
func (n *Network) GraphStats(ctx context.Context, domain string) (GraphStats, error) {
	ids, err := n.repo.PatternIDs(ctx, domain)
	if err != nil {
		return GraphStats{}, fmt.Errorf("listing patterns: %w", err)
	}
	links, err := n.repo.DomainLinks(ctx, domain)
	if err != nil {
		return GraphStats{}, fmt.Errorf("listing links: %w", err)
	}

	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, l := range links {
		if _, ok := parent[l.SourceID]; !ok {
			parent[l.SourceID] = l.SourceID
		}
		if _, ok := parent[l.TargetID]; !ok {
			parent[l.TargetID] = l.TargetID
		}
		parent[find(l.SourceID)] = find(l.TargetID)
	}

	components := 0
	for id := range parent {
		if find(id) == id {
			components++
		}
	}
	return GraphStats{Nodes: len(parent), Edges: len(links), Components: components}, nil
}

// decayedState loads a state and applies exponential decay for the time
// elapsed since its last update. Unreinforced potential halves every
// HalfLife.
func (n *Network) decayedState(ctx context.Context, patternID string, now time.Time) (State, error) {
	st, err := n.repo.State(ctx, patternID)
	if err != nil {
		return State{}, fmt.Errorf("loading state of %s: %w", patternID, err)
	}
	if st.PatternID == "" {
		st.PatternID = patternID
	}
	if st.Potential > 0 && !st.UpdatedAt.IsZero() {
		elapsed := now.Sub(st.UpdatedAt)
		if elapsed > 0 {
			st.Potential *= math.Pow(0.5, elapsed.Seconds()/n.config.HalfLife.Seconds())
		}
	}
	return st, nil
}
