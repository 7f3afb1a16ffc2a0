package manager

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/fstree"
)

// WatchRemote purges directories named by changes made through other
// sessions. It returns when ctx is done or changes is closed.
func (m *Manager) WatchRemote(ctx context.Context, changes <-chan backend.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			m.applyChange(c)
		}
	}
}

func (m *Manager) applyChange(c backend.Change) {
	switch c.Type {
	case backend.ChangeRoles:
		m.Purge(nil)
		return
	case backend.ChangeCreate, backend.ChangeDelete:
	default:
		return
	}

	account, rel := backend.SplitPath(c.Path)
	if account != m.owner || rel == "" {
		return
	}
	m.log.Debug("remote change", zap.String("type", string(c.Type)), logging.Path(c.Path))

	if c.Type == backend.ChangeDelete {
		m.cache.InvalidatePrefix(c.Path)
	}
	m.Purge(m.dirAt(parentRel(rel)))
}

// dirAt builds the directory node for rel by attaching each segment to its
// known parent.
func (m *Manager) dirAt(rel string) *fstree.Directory {
	dir := m.tree.Root()
	if rel == "" {
		return dir
	}
	for _, seg := range strings.Split(rel, "/") {
		dir = dir.ChildDirectory(seg)
	}
	return dir
}

func parentRel(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}
