// Package manager is the per-account session façade. It owns the directory
// cache, the tree rooted at the account, and the operation bus that
// serializes every mutating backend call.
//
// Reads go through the cache and run concurrently. Mutations are validated
// synchronously, then enqueued; their outcome is only reported through
// events delivered to subscribers. Every successful mutation purges the
// affected directory and reloads it before the event is delivered.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/dircache"
	"github.com/fruitsalade/chainfs/pkg/fstree"
	"github.com/fruitsalade/chainfs/pkg/models"
	"github.com/fruitsalade/chainfs/pkg/opbus"
	"github.com/fruitsalade/chainfs/pkg/walk"
)

// Identity is the signing account used for mutations.
type Identity struct {
	Account string
	Key     string
}

// Config configures a Manager.
type Config struct {
	// Owner is the account whose tree is browsed. Defaults to
	// Identity.Account.
	Owner string
	// Identity is required for mutations only.
	Identity *Identity
	Backend  backend.Backend
	// Matcher defaults to walk.FuzzyMatcher.
	Matcher walk.Matcher
	Logger  *zap.Logger
	// Warm lists the whole tree in the background on start.
	Warm bool
}

// Manager is one account session.
type Manager struct {
	owner    string
	identity *Identity
	backend  backend.Backend
	matcher  walk.Matcher
	log      *zap.Logger

	cache *dircache.Cache
	tree  *fstree.Tree
	bus   *opbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	reloads sync.WaitGroup
}

// New creates a session. ctx bounds background cache reloads.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("manager: backend is required")
	}
	owner := cfg.Owner
	if owner == "" && cfg.Identity != nil {
		owner = cfg.Identity.Account
	}
	if owner == "" {
		return nil, fmt.Errorf("manager: no owner: %w", backend.ErrNoAccount)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Named("manager")
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = walk.FuzzyMatcher{}
	}

	b := backend.Instrument(cfg.Backend)
	m := &Manager{
		owner:    owner,
		identity: cfg.Identity,
		backend:  b,
		matcher:  matcher,
		log:      log.With(zap.String("owner", owner)),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cache = dircache.New(b.ListDirectory)
	m.tree = fstree.NewTree(owner, m.cache, b)
	m.bus = opbus.New(opbus.Config{
		Logger:     log.Named("bus"),
		Invalidate: m.Purge,
		Drop:       m.drop,
	})

	if cfg.Warm {
		m.background("warm", func(ctx context.Context) error {
			return walk.Warm(ctx, m.tree.Root())
		})
	}
	return m, nil
}

// Owner returns the account the tree is rooted at.
func (m *Manager) Owner() string { return m.owner }

// Identity returns the signing identity, or nil.
func (m *Manager) Identity() *Identity { return m.identity }

// RootDirectory returns the account root.
func (m *Manager) RootDirectory() *fstree.Directory { return m.tree.Root() }

// CacheStats returns the directory cache counters.
func (m *Manager) CacheStats() dircache.Stats { return m.cache.Stats() }

// Subscribe registers an observer for operation results.
func (m *Manager) Subscribe(obs opbus.Observer) (cancel func()) {
	return m.bus.Subscribe(obs)
}

// Pending returns the number of queued or running operations.
func (m *Manager) Pending() int { return m.bus.Pending() }

// Load returns the sorted listing of dir.
func (m *Manager) Load(ctx context.Context, dir *fstree.Directory, bypass bool) ([]models.Descriptor, error) {
	return m.cache.Load(ctx, m.dirOrRoot(dir).AbsPath(), bypass)
}

// Lookup resolves a path relative to the account root.
func (m *Manager) Lookup(ctx context.Context, rel string) (fstree.Node, error) {
	return m.tree.Root().Lookup(ctx, rel)
}

// Purge drops the cached listing of dir and reloads it in the background.
// A nil dir clears the whole cache and re-walks the tree from the root.
func (m *Manager) Purge(dir *fstree.Directory) {
	if dir == nil {
		m.log.Debug("global purge")
		m.cache.Reset()
		m.background("rewalk", func(ctx context.Context) error {
			return walk.Warm(ctx, m.tree.Root())
		})
		return
	}

	path := dir.AbsPath()
	m.log.Debug("purge", logging.Path(path))
	m.cache.Invalidate(path)
	m.background("reload", func(ctx context.Context) error {
		_, err := m.cache.Load(ctx, path, false)
		return err
	})
}

// drop removes the cached listings of dir and everything below it.
func (m *Manager) drop(dir *fstree.Directory) {
	m.log.Debug("drop subtree", logging.Path(dir.AbsPath()))
	m.cache.InvalidatePrefix(dir.AbsPath())
}

// background runs fn on its own goroutine unless the session is closed.
func (m *Manager) background(what string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.reloads.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.reloads.Done()
		if err := fn(m.ctx); err != nil && m.ctx.Err() == nil {
			m.log.Warn("background "+what+" failed", zap.Error(err))
		}
	}()
}

// Walk calls visit for every node below dir (the root when nil).
func (m *Manager) Walk(ctx context.Context, dir *fstree.Directory, visit walk.Visitor, maxDepth int) error {
	return walk.Walk(ctx, m.dirOrRoot(dir), visit, maxDepth)
}

// WalkLevels calls visit with the listing of every directory below dir.
func (m *Manager) WalkLevels(ctx context.Context, dir *fstree.Directory, visit walk.LevelVisitor, maxDepth int) error {
	return walk.WalkLevels(ctx, m.dirOrRoot(dir), visit, maxDepth)
}

// Search returns the nodes below dir whose names match query.
func (m *Manager) Search(ctx context.Context, dir *fstree.Directory, query string) ([]fstree.Node, error) {
	return walk.Search(ctx, m.dirOrRoot(dir), query, m.matcher)
}

// Download returns the content of f.
func (m *Manager) Download(ctx context.Context, f *fstree.File) ([]byte, error) {
	return f.Bytes(ctx)
}

// SaveFile writes the content of f to the local file target.
func (m *Manager) SaveFile(ctx context.Context, f *fstree.File, target string) error {
	return f.SaveTo(ctx, target)
}

// OccupiedSpace returns the bytes stored by account (the owner when empty).
func (m *Manager) OccupiedSpace(ctx context.Context, account string) (int64, error) {
	return m.backend.OccupiedSpace(ctx, m.accountOrOwner(account))
}

// ReservedSpace returns the bytes reserved for account (the owner when empty).
func (m *Manager) ReservedSpace(ctx context.Context, account string) (int64, error) {
	return m.backend.ReservedSpace(ctx, m.accountOrOwner(account))
}

// TotalReservedSpace returns the bytes reserved across all accounts.
func (m *Manager) TotalReservedSpace(ctx context.Context) (int64, error) {
	return m.backend.TotalReservedSpace(ctx)
}

// TotalSpace returns the capacity of the store.
func (m *Manager) TotalSpace(ctx context.Context) (int64, error) {
	return m.backend.TotalSpace(ctx)
}

// Close waits for queued operations, then stops background reloads.
func (m *Manager) Close() {
	m.bus.Close()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.reloads.Wait()
}

func (m *Manager) dirOrRoot(dir *fstree.Directory) *fstree.Directory {
	if dir == nil {
		return m.tree.Root()
	}
	return dir
}

func (m *Manager) accountOrOwner(account string) string {
	if account == "" {
		return m.owner
	}
	return account
}
