package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/metrics"
)

// ErrPatternNotFound is returned when a pattern id is not in the current snapshot.
var ErrPatternNotFound = errors.New("pattern not found")

// Snapshot is one complete, immutable generation of the catalog.
type Snapshot struct {
	Patterns    []*AttackPattern
	LoadedAt    time.Time
	Fingerprint string
	Skipped     int

	byID map[string]*AttackPattern
}

// Get returns the pattern with id.
func (s *Snapshot) Get(id string) (*AttackPattern, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.byID[id]
	return p, ok
}

// Len returns the number of loaded patterns.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Patterns)
}

var emptySnapshot = &Snapshot{byID: map[string]*AttackPattern{}}

// Build compiles docs into a snapshot. Invalid documents are skipped and
// duplicate ids keep the first occurrence.
func Build(docs []Document, compiler *Compiler) *Snapshot {
	snap := &Snapshot{
		LoadedAt: time.Now().UTC(),
		byID:     make(map[string]*AttackPattern, len(docs)),
	}

	for _, doc := range docs {
		p, err := compiler.Compile(doc)
		if err != nil {
			compiler.logger.Warn("skipping invalid pattern document", "file", doc.Origin, logging.Error(err))
			snap.Skipped++
			continue
		}
		if prev, dup := snap.byID[p.ID]; dup {
			compiler.logger.Warn("duplicate pattern id, keeping first definition",
				logging.PatternID(p.ID),
				"kept", prev.Name,
				"file", doc.Origin)
			snap.Skipped++
			continue
		}
		snap.byID[p.ID] = p
		snap.Patterns = append(snap.Patterns, p)
	}

	sort.Slice(snap.Patterns, func(i, j int) bool {
		return snap.Patterns[i].ID < snap.Patterns[j].ID
	})
	return snap
}

// Catalog holds the current snapshot and swaps it atomically on reload.
type Catalog struct {
	loader   Loader
	compiler *Compiler
	logger   *logging.Logger

	current  atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
}

// New creates an empty Catalog backed by loader. Call Reload to populate it.
func New(loader Loader, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Catalog{
		loader:   loader,
		compiler: NewCompiler(logger),
		logger:   logger,
	}
	c.current.Store(emptySnapshot)
	return c
}

// Snapshot returns the current catalog generation. Never nil.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Get returns a pattern from the current snapshot.
func (c *Catalog) Get(id string) (*AttackPattern, error) {
	p, ok := c.Snapshot().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return p, nil
}

// Reload loads and compiles all documents and swaps in the new snapshot.
// On loader failure the previous snapshot stays in place.
func (c *Catalog) Reload(ctx context.Context) (*Snapshot, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	return c.reload(ctx, "")
}

// ReloadIfChanged reloads only when the loader's fingerprint differs from the
// current snapshot. Loaders without a fingerprint are never reloaded here.
func (c *Catalog) ReloadIfChanged(ctx context.Context) (bool, error) {
	fp, ok := c.loader.(Fingerprinter)
	if !ok {
		return false, nil
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	sum, err := fp.Fingerprint(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fingerprint catalog: %w", err)
	}
	if sum == c.Snapshot().Fingerprint {
		return false, nil
	}
	if _, err := c.reload(ctx, sum); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Catalog) reload(ctx context.Context, fingerprint string) (*Snapshot, error) {
	if fingerprint == "" {
		if fp, ok := c.loader.(Fingerprinter); ok {
			if sum, err := fp.Fingerprint(ctx); err == nil {
				fingerprint = sum
			}
		}
	}

	docs, err := c.loader.Load(ctx)
	if err != nil {
		metrics.CatalogReloads.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	snap := Build(docs, c.compiler)
	snap.Fingerprint = fingerprint
	c.current.Store(snap)
	metrics.CatalogReloads.WithLabelValues("success").Inc()
	metrics.PatternsLoaded.Set(float64(snap.Len()))

	c.logger.Info("pattern catalog loaded",
		"patterns", snap.Len(),
		"skipped", snap.Skipped)
	return snap, nil
}
