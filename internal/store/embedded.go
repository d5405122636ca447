package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/spike"
)

// Key prefixes. Every record lives under one of these; IDs are UUIDs and
// domains are lowercase words, so "/" is a safe separator throughout.
const (
	prefixPattern       = "pat/"    // pat/<id> -> Pattern JSON
	prefixFingerprint   = "fp/"     // fp/<fingerprint> -> pattern ID
	prefixDomainPattern = "dompat/" // dompat/<domain>/<id> -> nil
	prefixTrace         = "trace/"  // trace/<id> -> Trace JSON
	prefixRequest       = "req/"    // req/<request>/<id> -> nil
	prefixFeedback      = "fb/"     // fb/<id> -> Feedback JSON
	prefixOccurrence    = "occ/"    // occ/<domain>/<nanos>/<trace> -> pattern ID
	prefixLink          = "link/"   // link/<src>/<dst> -> Link JSON
	prefixDomainLink    = "ld/"     // ld/<domain>/<src>/<dst> -> nil
	prefixSpikeState    = "spike/"  // spike/<id> -> State JSON
	prefixSpikeEvent    = "sev/"    // sev/<domain>/<nanos>/<id> -> nil (TTL)
)

// DefaultEventTTL is how long spike events are retained for rate statistics.
const DefaultEventTTL = 24 * time.Hour

// EmbeddedConfig configures the Badger-backed store.
type EmbeddedConfig struct {
	// Path is the on-disk database directory. Ignored when InMemory is set.
	Path string `koanf:"path"`

	// InMemory runs Badger without persistence. Intended for tests.
	InMemory bool `koanf:"in_memory"`

	// EventTTL bounds spike-event retention. Zero means DefaultEventTTL.
	EventTTL time.Duration `koanf:"event_ttl"`
}

// ApplyDefaults fills zero-valued fields.
func (c *EmbeddedConfig) ApplyDefaults() {
	if c.EventTTL <= 0 {
		c.EventTTL = DefaultEventTTL
	}
}

// Validate checks the configuration.
func (c *EmbeddedConfig) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: badger path cannot be empty", ErrInvalidConfig)
	}
	return nil
}

// EmbeddedStore is the Badger-backed implementation of bank.Store and
// spike.Repository. Pattern records in Badger are authoritative; the
// vector index holds only embeddings and is written after the pattern
// transaction commits.
type EmbeddedStore struct {
	db       *badger.DB
	index    VectorIndex
	eventTTL time.Duration
	logger   *zap.Logger
}

var (
	_ bank.Store       = (*EmbeddedStore)(nil)
	_ spike.Repository = (*EmbeddedStore)(nil)
)

// NewEmbeddedStore opens the Badger database and wires the vector index.
func NewEmbeddedStore(cfg EmbeddedConfig, index VectorIndex, logger *zap.Logger) (*EmbeddedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if index == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrInvalidConfig)
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Path, err)
	}

	return &EmbeddedStore{
		db:       db,
		index:    index,
		eventTTL: cfg.EventTTL,
		logger:   logger.Named("store"),
	}, nil
}

// Close releases the database and the vector index.
func (s *EmbeddedStore) Close() error {
	var errs []error
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing vector index: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing badger: %w", err))
	}
	return errors.Join(errs...)
}

// UpsertPattern inserts or blends a pattern in a single transaction keyed
// on the fingerprint. Concurrent upserts of the same fingerprint conflict
// at commit; the loser retries against the winner's committed state, so
// exactly one pattern record ever exists per fingerprint.
func (s *EmbeddedStore) UpsertPattern(ctx context.Context, up bank.Upsert) (*bank.Pattern, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		result  *bank.Pattern
		created bool
	)
	// Conflicts only arise when upserts race on the same fingerprint, and
	// every conflict means some racer committed, so retrying immediately
	// always makes progress.
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			pat, wasCreated, txErr := s.upsertPatternTxn(txn, up)
			if txErr != nil {
				return txErr
			}
			result = pat
			created = wasCreated
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, false, fmt.Errorf("upserting pattern: %w", err)
		}
		s.logger.Debug("upsert conflict, retrying",
			zap.String("fingerprint", up.Fingerprint))
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}

	// Index writes are idempotent replace-by-ID and run on every upsert,
	// so a retried occurrence backfills an embedding a failed earlier
	// attempt left out of the index.
	if err := s.index.Upsert(ctx, result.ID, result.Domain, up.Embedding); err != nil {
		// The pattern record is committed; a missed index write only
		// hides it from similarity search until the next occurrence.
		s.logger.Warn("vector index write failed",
			zap.String("pattern_id", result.ID),
			zap.Error(err))
		return result, created, fmt.Errorf("indexing pattern %s: %w", result.ID, err)
	}
	return result, created, nil
}

func (s *EmbeddedStore) upsertPatternTxn(txn *badger.Txn, up bank.Upsert) (*bank.Pattern, bool, error) {
	existingID, err := getString(txn, prefixFingerprint+up.Fingerprint)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, err
	}

	var (
		pat     *bank.Pattern
		created bool
	)
	if existingID != "" {
		pat = &bank.Pattern{}
		if err := getJSON(txn, prefixPattern+existingID, pat); err != nil {
			return nil, false, fmt.Errorf("loading pattern %s: %w", existingID, err)
		}
		n := float64(pat.UsageCount)
		pat.RewardScore = (pat.RewardScore*n + bank.InitialReward) / (n + 1)
		pat.UsageCount++
		pat.LastUsedAt = up.OccurredAt
		if !containsString(pat.AgentTypes, up.AgentType) {
			pat.AgentTypes = append(pat.AgentTypes, up.AgentType)
		}
		pat.Tags = mergeTags(pat.Tags, up.Tags)
	} else {
		created = true
		pat = &bank.Pattern{
			ID:           uuid.New().String(),
			Domain:       up.Domain,
			Tags:         up.Tags,
			TaskType:     up.TaskType,
			ToolSequence: up.ToolSequence,
			AgentTypes:   []string{up.AgentType},
			Fingerprint:  up.Fingerprint,
			RewardScore:  bank.InitialReward,
			UsageCount:   1,
			CreatedAt:    up.OccurredAt,
			LastUsedAt:   up.OccurredAt,
		}
		if err := txn.Set([]byte(prefixFingerprint+up.Fingerprint), []byte(pat.ID)); err != nil {
			return nil, false, err
		}
		if err := txn.Set([]byte(prefixDomainPattern+up.Domain+"/"+pat.ID), nil); err != nil {
			return nil, false, err
		}
	}

	if err := setJSON(txn, prefixPattern+pat.ID, pat); err != nil {
		return nil, false, err
	}
	if err := txn.Set([]byte(prefixRequest+up.RequestID+"/"+pat.ID), nil); err != nil {
		return nil, false, err
	}
	occKey := prefixOccurrence + up.Domain + "/" + nanoKey(up.OccurredAt) + "/" + up.TraceID
	if err := txn.Set([]byte(occKey), []byte(pat.ID)); err != nil {
		return nil, false, err
	}
	return pat, created, nil
}

// GetPattern returns the pattern with the given ID, or (nil, nil) when
// absent.
func (s *EmbeddedStore) GetPattern(ctx context.Context, id string) (*bank.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pat bank.Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixPattern+id, &pat)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pattern %s: %w", id, err)
	}
	return &pat, nil
}

// PatternByFingerprint returns the pattern for a fingerprint, or (nil, nil)
// when absent.
func (s *EmbeddedStore) PatternByFingerprint(ctx context.Context, fingerprint string) (*bank.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pat bank.Pattern
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, prefixFingerprint+fingerprint)
		if err != nil {
			return err
		}
		return getJSON(txn, prefixPattern+id, &pat)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pattern by fingerprint: %w", err)
	}
	return &pat, nil
}

// BlendFeedback EMA-blends score into every pattern recorded under the
// request ID, in one transaction. An unmatched request is a no-op.
func (s *EmbeddedStore) BlendFeedback(ctx context.Context, requestID string, score, alpha float64) ([]*bank.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated []*bank.Pattern
	for {
		updated = updated[:0]
		err := s.db.Update(func(txn *badger.Txn) error {
			ids, scanErr := scanSubkeys(txn, prefixRequest+requestID+"/")
			if scanErr != nil {
				return scanErr
			}
			for _, id := range ids {
				pat := &bank.Pattern{}
				if getErr := getJSON(txn, prefixPattern+id, pat); getErr != nil {
					return fmt.Errorf("loading pattern %s: %w", id, getErr)
				}
				pat.RewardScore = (1-alpha)*pat.RewardScore + alpha*score
				if setErr := setJSON(txn, prefixPattern+id, pat); setErr != nil {
					return setErr
				}
				updated = append(updated, pat)
			}
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, fmt.Errorf("blending feedback for request %s: %w", requestID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return append([]*bank.Pattern{}, updated...), nil
}

// SearchPatterns queries the vector index and hydrates full pattern records
// from Badger. Index entries whose pattern record has vanished are skipped.
func (s *EmbeddedStore) SearchPatterns(ctx context.Context, queryVec []float32, domain string, limit int, minSimilarity float32) ([]bank.ScoredPattern, error) {
	hits, err := s.index.Search(ctx, queryVec, domain, limit, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	results := make([]bank.ScoredPattern, 0, len(hits))
	for _, hit := range hits {
		pat, err := s.GetPattern(ctx, hit.ID)
		if err != nil {
			return nil, err
		}
		if pat == nil {
			s.logger.Warn("index hit without pattern record", zap.String("pattern_id", hit.ID))
			continue
		}
		results = append(results, bank.ScoredPattern{Pattern: pat, Similarity: hit.Similarity})
	}
	return results, nil
}

// AppendTrace stores a trace record. Traces are write-once.
func (s *EmbeddedStore) AppendTrace(ctx context.Context, trace *bank.Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixTrace+trace.ID, trace)
	})
	if err != nil {
		return fmt.Errorf("appending trace %s: %w", trace.ID, err)
	}
	return nil
}

// AppendFeedback stores a feedback record.
func (s *EmbeddedStore) AppendFeedback(ctx context.Context, fb *bank.Feedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixFeedback+fb.ID, fb)
	})
	if err != nil {
		return fmt.Errorf("appending feedback %s: %w", fb.ID, err)
	}
	return nil
}

// Stats counts stored patterns, traces and feedback records.
func (s *EmbeddedStore) Stats(ctx context.Context) (bank.Stats, error) {
	if err := ctx.Err(); err != nil {
		return bank.Stats{}, err
	}
	var stats bank.Stats
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if stats.TotalPatterns, err = countPrefix(txn, prefixPattern); err != nil {
			return err
		}
		if stats.TotalTraces, err = countPrefix(txn, prefixTrace); err != nil {
			return err
		}
		stats.TotalFeedback, err = countPrefix(txn, prefixFeedback)
		return err
	})
	if err != nil {
		return bank.Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	return stats, nil
}

// --- spike.Repository ---

// UpsertLink inserts or refreshes a directed edge.
func (s *EmbeddedStore) UpsertLink(ctx context.Context, link spike.Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if link.Weight <= 0 || link.Weight > 1 {
		return spike.ErrInvalidWeight
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, prefixLink+link.SourceID+"/"+link.TargetID, link); err != nil {
			return err
		}
		return txn.Set([]byte(prefixDomainLink+link.Domain+"/"+link.SourceID+"/"+link.TargetID), nil)
	})
	if err != nil {
		return fmt.Errorf("upserting link: %w", err)
	}
	return nil
}

// Links returns the outgoing links of a pattern.
func (s *EmbeddedStore) Links(ctx context.Context, sourceID string) ([]spike.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var links []spike.Link
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLink + sourceID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var link spike.Link
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &link)
			}); err != nil {
				return err
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing links of %s: %w", sourceID, err)
	}
	return links, nil
}

// DomainLinks returns every link in a domain.
func (s *EmbeddedStore) DomainLinks(ctx context.Context, domain string) ([]spike.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var links []spike.Link
	err := s.db.View(func(txn *badger.Txn) error {
		pairs, err := scanSubkeys(txn, prefixDomainLink+domain+"/")
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			var link spike.Link
			if err := getJSON(txn, prefixLink+pair, &link); err != nil {
				return fmt.Errorf("loading link %s: %w", pair, err)
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing links of domain %s: %w", domain, err)
	}
	return links, nil
}

// State returns a pattern's spiking state, zero-valued when never stored.
func (s *EmbeddedStore) State(ctx context.Context, patternID string) (spike.State, error) {
	if err := ctx.Err(); err != nil {
		return spike.State{}, err
	}
	st := spike.State{PatternID: patternID}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixSpikeState+patternID, &st)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return spike.State{PatternID: patternID}, nil
	}
	if err != nil {
		return spike.State{}, fmt.Errorf("getting spike state of %s: %w", patternID, err)
	}
	return st, nil
}

// PutState stores a pattern's spiking state.
func (s *EmbeddedStore) PutState(ctx context.Context, st spike.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixSpikeState+st.PatternID, st)
	})
	if err != nil {
		return fmt.Errorf("storing spike state of %s: %w", st.PatternID, err)
	}
	return nil
}

// ResetPotentials zeroes every potential in a domain.
func (s *EmbeddedStore) ResetPotentials(ctx context.Context, domain string) (int, error) {
	ids, err := s.PatternIDs(ctx, domain)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			st := spike.State{PatternID: id, UpdatedAt: now}
			if err := setJSON(txn, prefixSpikeState+id, st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting potentials of domain %s: %w", domain, err)
	}
	return len(ids), nil
}

// RecordSpikes appends fired-pattern events with the configured TTL.
func (s *EmbeddedStore) RecordSpikes(ctx context.Context, domain string, at time.Time, patternIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(patternIDs) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range patternIDs {
			key := prefixSpikeEvent + domain + "/" + nanoKey(at) + "/" + id
			entry := badger.NewEntry([]byte(key), nil).WithTTL(s.eventTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording spikes: %w", err)
	}
	return nil
}

// SpikeCounts returns per-pattern spike counts in a domain since the given
// time. Expired events are dropped by Badger and never counted.
func (s *EmbeddedStore) SpikeCounts(ctx context.Context, domain string, since time.Time) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	prefix := prefixSpikeEvent + domain + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				continue
			}
			nanos, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				continue
			}
			if time.Unix(0, nanos).Before(since) {
				continue
			}
			counts[parts[1]]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting spikes of domain %s: %w", domain, err)
	}
	return counts, nil
}

// PatternIDs lists the pattern IDs of a domain.
func (s *EmbeddedStore) PatternIDs(ctx context.Context, domain string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		var scanErr error
		ids, scanErr = scanSubkeys(txn, prefixDomainPattern+domain+"/")
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing patterns of domain %s: %w", domain, err)
	}
	return ids, nil
}

// PatternDomain returns the domain of a pattern, or "" when unknown.
func (s *EmbeddedStore) PatternDomain(ctx context.Context, patternID string) (string, error) {
	pat, err := s.GetPattern(ctx, patternID)
	if err != nil {
		return "", err
	}
	if pat == nil {
		return "", nil
	}
	return pat.Domain, nil
}

// Occurrences returns a domain's trace occurrences in chronological order.
// The nanosecond key segment is zero-padded, so iteration order is already
// chronological.
func (s *EmbeddedStore) Occurrences(ctx context.Context, domain string) ([]spike.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var occs []spike.Occurrence
	prefix := prefixOccurrence + domain + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				continue
			}
			nanos, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				continue
			}
			occ := spike.Occurrence{
				TraceID:    parts[1],
				OccurredAt: time.Unix(0, nanos).UTC(),
			}
			if err := it.Item().Value(func(val []byte) error {
				occ.PatternID = string(val)
				return nil
			}); err != nil {
				return err
			}
			occs = append(occs, occ)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing occurrences of domain %s: %w", domain, err)
	}
	return occs, nil
}

// --- helpers ---

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// scanSubkeys returns the key suffixes under prefix, sorted by key order.
func scanSubkeys(txn *badger.Txn, prefix string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefix))
	}
	return out, nil
}

func countPrefix(txn *badger.Txn, prefix string) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

// nanoKey renders a timestamp as a fixed-width decimal so that
// lexicographic key order matches chronological order.
func nanoKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mergeTags(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	merged := existing
	for _, t := range incoming {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	sort.Strings(merged)
	return merged
}
