package spike

import (
	"context"
	"errors"
	"time"
)

// Errors for spike network operations.
var (
	ErrUnknownPattern = errors.New("pattern not found in spike network")
	ErrInvalidWeight  = errors.New("link weight must be in (0, 1]")
)

// Defaults for propagation and decay.
const (
	// DefaultThreshold is the potential at which a pattern fires.
	DefaultThreshold = 0.8

	// DefaultMaxDepth bounds propagation waves. A wave that has not
	// settled after this many hops is cut off rather than allowed to
	// chase cycles.
	DefaultMaxDepth = 8

	// DefaultHalfLife is the potential decay half-life.
	DefaultHalfLife = 30 * time.Minute

	// DefaultLinkWindow is the number of consecutive traces (per domain,
	// chronological) considered one co-occurrence window when building
	// links.
	DefaultLinkWindow = 5
)

// Link is a directed, weighted edge between two patterns, derived from
// observed co-occurrence. Rebuilds materialize both directions of a
// co-occurring pair at equal weight. Upserted by (source, target);
// never duplicated.
type Link struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Domain    string    `json:"domain"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the mutable spiking state of one pattern. A zero State (with
// the pattern ID filled in) is valid: potential 0, never spiked.
type State struct {
	PatternID   string    `json:"pattern_id"`
	Potential   float64   `json:"potential"`
	LastSpikeAt time.Time `json:"last_spike_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Event is one observation from a propagation wave: the potential a
// pattern reached and whether that crossed the firing threshold.
type Event struct {
	PatternID    string  `json:"pattern_id"`
	NewPotential float64 `json:"new_potential"`
	DidFire      bool    `json:"did_fire"`
}

// Occurrence records that a trace produced a pattern, for link building.
type Occurrence struct {
	TraceID    string    `json:"trace_id"`
	PatternID  string    `json:"pattern_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AnomalyRecord is a derived, non-persisted anomaly report for one
// pattern's spike rate within its domain. Rates are spikes per hour
// over the detection window.
type AnomalyRecord struct {
	PatternID    string  `json:"pattern_id"`
	SpikeRate    float64 `json:"spike_rate"`
	MeanRate     float64 `json:"mean_rate"`
	StddevRate   float64 `json:"stddev_rate"`
	AnomalyScore float64 `json:"anomaly_score"`
}

// GraphStats summarizes the link graph of a domain, for connectivity
// checks before propagation is trusted.
type GraphStats struct {
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	Components int `json:"components"`
}

// Repository is the storage contract for spike state, links, spike events
// and the trace-occurrence history links are rebuilt from. Implementations
// own read-modify-write consistency for individual state updates.
type Repository interface {
	// UpsertLink inserts or refreshes the (source, target) edge.
	UpsertLink(ctx context.Context, link Link) error

	// Links returns the outgoing links of a pattern.
	Links(ctx context.Context, sourceID string) ([]Link, error)

	// DomainLinks returns every link in a domain.
	DomainLinks(ctx context.Context, domain string) ([]Link, error)

	// State returns a pattern's spiking state; a pattern with no stored
	// state gets a zero state, not an error.
	State(ctx context.Context, patternID string) (State, error)

	// PutState stores a pattern's spiking state.
	PutState(ctx context.Context, st State) error

	// ResetPotentials zeroes every potential in a domain and returns the
	// number of patterns affected.
	ResetPotentials(ctx context.Context, domain string) (int, error)

	// RecordSpikes appends fired-pattern events for rate statistics.
	RecordSpikes(ctx context.Context, domain string, at time.Time, patternIDs []string) error

	// SpikeCounts returns per-pattern spike counts in a domain since the
	// given time.
	SpikeCounts(ctx context.Context, domain string, since time.Time) (map[string]int, error)

	// PatternIDs lists the pattern IDs of a domain.
	PatternIDs(ctx context.Context, domain string) ([]string, error)

	// PatternDomain returns the domain of a pattern, or "" when the
	// pattern is unknown.
	PatternDomain(ctx context.Context, patternID string) (string, error)

	// Occurrences returns a domain's trace occurrences in chronological
	// order.
	Occurrences(ctx context.Context, domain string) ([]Occurrence, error)
}
