// Package memory provides an in-process Backend with the same semantics as
// the remote storage service: per-account roots, role-gated administration,
// reserved-space accounting and name collision checks.
package memory

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
)

type entry struct {
	isDir   bool
	content []byte
	modTime time.Time
}

// Backend is an in-memory backend.Backend.
type Backend struct {
	// Delay is added to every call to mimic a slow remote service.
	Delay time.Duration
	// EnforceQuota rejects uploads that exceed the account's reserved space.
	EnforceQuota bool

	mu       sync.Mutex
	nodes    map[string]*entry
	keys     map[string]string
	roles    map[string]map[backend.Role]bool
	reserved map[string]int64
	total    int64

	calls    map[string]int
	failures map[string]error
	inflight int
	maxIn    int
}

// New creates an empty backend with totalSpace bytes of capacity.
func New(totalSpace int64) *Backend {
	return &Backend{
		nodes:    make(map[string]*entry),
		keys:     make(map[string]string),
		roles:    make(map[string]map[backend.Role]bool),
		reserved: make(map[string]int64),
		total:    totalSpace,
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// SetKey registers the signing key of an account. Accounts without a key
// accept any key.
func (b *Backend) SetKey(account, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[account] = key
}

// SetRole assigns a role directly, bypassing the admin check.
func (b *Backend) SetRole(account string, role backend.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRoleLocked(account, role)
}

func (b *Backend) setRoleLocked(account string, role backend.Role) {
	if b.roles[account] == nil {
		b.roles[account] = make(map[backend.Role]bool)
	}
	b.roles[account][role] = true
}

// Seed stores a file or directory without authorization checks, creating
// missing parent directories.
func (b *Backend) Seed(p string, content []byte, isDir bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p = strings.Trim(p, "/")
	account, rel := backend.SplitPath(p)
	dir := account
	if rel != "" {
		parts := strings.Split(rel, "/")
		for _, part := range parts[:len(parts)-1] {
			dir = dir + "/" + part
			if _, ok := b.nodes[dir]; !ok {
				b.nodes[dir] = &entry{isDir: true, modTime: time.Now()}
			}
		}
	}
	if rel == "" {
		return
	}
	b.nodes[p] = &entry{isDir: isDir, content: content, modTime: time.Now()}
}

// FailNext makes the next call of method return err.
func (b *Backend) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = err
}

// Calls returns how many times method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// MaxConcurrentMutations returns the highest number of mutating calls that
// were in flight at the same time.
func (b *Backend) MaxConcurrentMutations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxIn
}

// enter records the call, sleeps for Delay and returns any injected failure.
func (b *Backend) enter(ctx context.Context, method string, mutating bool) (func(), error) {
	b.mu.Lock()
	b.calls[method]++
	err := b.failures[method]
	delete(b.failures, method)
	if mutating {
		b.inflight++
		if b.inflight > b.maxIn {
			b.maxIn = b.inflight
		}
	}
	b.mu.Unlock()

	done := func() {
		if mutating {
			b.mu.Lock()
			b.inflight--
			b.mu.Unlock()
		}
	}

	if b.Delay > 0 {
		select {
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		case <-time.After(b.Delay):
		}
	}
	if err != nil {
		done()
		return nil, err
	}
	return done, nil
}

// authorize checks that account may write under p. Must be called with lock held.
func (b *Backend) authorize(account, p, key string) error {
	if account == "" {
		return backend.ErrNoAccount
	}
	if want, ok := b.keys[account]; ok && want != key {
		return fmt.Errorf("bad key for %s: %w", account, backend.ErrNotAuthorized)
	}
	owner, _ := backend.SplitPath(p)
	if owner != account {
		return fmt.Errorf("%s cannot write under %s: %w", account, owner, backend.ErrNotAuthorized)
	}
	return nil
}

// isDirLocked reports whether p names an existing directory (account roots always exist).
func (b *Backend) isDirLocked(p string) bool {
	if !strings.Contains(p, "/") {
		return true
	}
	e, ok := b.nodes[p]
	return ok && e.isDir
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// ListDirectory implements backend.Backend. Entries are returned in name order.
func (b *Backend) ListDirectory(ctx context.Context, p string) ([]models.Descriptor, error) {
	done, err := b.enter(ctx, "ListDirectory", false)
	if err != nil {
		return nil, err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isDirLocked(p) {
		return nil, fmt.Errorf("list %s: %w", p, backend.ErrNotFound)
	}

	var out []models.Descriptor
	for key, e := range b.nodes {
		if parentOf(key) != p {
			continue
		}
		d := models.Descriptor{
			Name:    path.Base(key),
			Path:    key,
			IsFile:  !e.isDir,
			ModTime: e.modTime,
		}
		if !e.isDir {
			d.Size = int64(len(e.content))
			d.Status = "stored"
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateDirectory implements backend.Backend.
func (b *Backend) CreateDirectory(ctx context.Context, account, p, key string) (string, error) {
	done, err := b.enter(ctx, "CreateDirectory", true)
	if err != nil {
		return "", err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(account, p, key); err != nil {
		return "", err
	}
	if !strings.Contains(p, "/") {
		return "", fmt.Errorf("create %s: %w", p, backend.ErrExists)
	}
	if _, ok := b.nodes[p]; ok {
		return "", fmt.Errorf("create %s: %w", p, backend.ErrExists)
	}
	if !b.isDirLocked(parentOf(p)) {
		return "", fmt.Errorf("create %s: parent %w", p, backend.ErrNotFound)
	}
	b.nodes[p] = &entry{isDir: true, modTime: time.Now()}
	return p, nil
}

// DeleteDirectory implements backend.Backend. Contents are removed with it.
func (b *Backend) DeleteDirectory(ctx context.Context, account, p, key string) error {
	done, err := b.enter(ctx, "DeleteDirectory", true)
	if err != nil {
		return err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(account, p, key); err != nil {
		return err
	}
	if !strings.Contains(p, "/") {
		return backend.ErrRootDirectory
	}
	e, ok := b.nodes[p]
	if !ok || !e.isDir {
		return fmt.Errorf("delete %s: %w", p, backend.ErrNotFound)
	}
	prefix := p + "/"
	for key := range b.nodes {
		if key == p || strings.HasPrefix(key, prefix) {
			delete(b.nodes, key)
		}
	}
	return nil
}

// UploadFile implements backend.Backend.
func (b *Backend) UploadFile(ctx context.Context, account, p string, content []byte, key string) (string, error) {
	done, err := b.enter(ctx, "UploadFile", true)
	if err != nil {
		return "", err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(account, p, key); err != nil {
		return "", err
	}
	if _, ok := b.nodes[p]; ok {
		return "", fmt.Errorf("upload %s: %w", p, backend.ErrExists)
	}
	if !b.isDirLocked(parentOf(p)) {
		return "", fmt.Errorf("upload %s: parent %w", p, backend.ErrNotFound)
	}
	if b.EnforceQuota && b.occupiedLocked(account)+int64(len(content)) > b.reserved[account] {
		return "", fmt.Errorf("upload %s: %w", p, backend.ErrQuota)
	}
	b.nodes[p] = &entry{content: append([]byte(nil), content...), modTime: time.Now()}
	return p, nil
}

// DeleteFile implements backend.Backend.
func (b *Backend) DeleteFile(ctx context.Context, account, p, key string) error {
	done, err := b.enter(ctx, "DeleteFile", true)
	if err != nil {
		return err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(account, p, key); err != nil {
		return err
	}
	e, ok := b.nodes[p]
	if !ok || e.isDir {
		return fmt.Errorf("delete %s: %w", p, backend.ErrNotFound)
	}
	delete(b.nodes, p)
	return nil
}

// DownloadToBuffer implements backend.Backend.
func (b *Backend) DownloadToBuffer(ctx context.Context, p string) ([]byte, error) {
	done, err := b.enter(ctx, "DownloadToBuffer", false)
	if err != nil {
		return nil, err
	}
	defer done()

	p = strings.Trim(p, "/")
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.nodes[p]
	if !ok || e.isDir {
		return nil, fmt.Errorf("download %s: %w", p, backend.ErrNotFound)
	}
	return append([]byte(nil), e.content...), nil
}

// DownloadToFile implements backend.Backend.
func (b *Backend) DownloadToFile(ctx context.Context, p, target string) error {
	data, err := b.DownloadToBuffer(ctx, p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// ReserveSpace implements backend.Backend. The amount replaces any previous reservation.
func (b *Backend) ReserveSpace(ctx context.Context, admin, target string, amount int64, key string) error {
	done, err := b.enter(ctx, "ReserveSpace", true)
	if err != nil {
		return err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()

	if admin == "" {
		return backend.ErrNoAccount
	}
	if want, ok := b.keys[admin]; ok && want != key {
		return backend.ErrNotAuthorized
	}
	if !b.roles[admin][backend.RoleAllocator] && !b.roles[admin][backend.RoleAdmin] {
		return fmt.Errorf("%s is not an allocator: %w", admin, backend.ErrNotAuthorized)
	}
	if amount < 0 {
		return fmt.Errorf("negative reservation %d: %w", amount, backend.ErrQuota)
	}
	total := int64(0)
	for account, r := range b.reserved {
		if account != target {
			total += r
		}
	}
	if total+amount > b.total {
		return fmt.Errorf("reserve %d for %s: %w", amount, target, backend.ErrQuota)
	}
	b.reserved[target] = amount
	return nil
}

// GrantAllocatorRole implements backend.Backend.
func (b *Backend) GrantAllocatorRole(ctx context.Context, admin, target, key string) error {
	done, err := b.enter(ctx, "GrantAllocatorRole", true)
	if err != nil {
		return err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()

	if admin == "" {
		return backend.ErrNoAccount
	}
	if want, ok := b.keys[admin]; ok && want != key {
		return backend.ErrNotAuthorized
	}
	if !b.roles[admin][backend.RoleAdmin] {
		return fmt.Errorf("%s is not an admin: %w", admin, backend.ErrNotAuthorized)
	}
	b.setRoleLocked(target, backend.RoleAllocator)
	return nil
}

// HasRole implements backend.Backend.
func (b *Backend) HasRole(ctx context.Context, account string, role backend.Role) (bool, error) {
	done, err := b.enter(ctx, "HasRole", false)
	if err != nil {
		return false, err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roles[account][role], nil
}

func (b *Backend) occupiedLocked(account string) int64 {
	var used int64
	prefix := account + "/"
	for key, e := range b.nodes {
		if !e.isDir && strings.HasPrefix(key, prefix) {
			used += int64(len(e.content))
		}
	}
	return used
}

// OccupiedSpace implements backend.Backend.
func (b *Backend) OccupiedSpace(ctx context.Context, account string) (int64, error) {
	done, err := b.enter(ctx, "OccupiedSpace", false)
	if err != nil {
		return 0, err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupiedLocked(account), nil
}

// ReservedSpace implements backend.Backend.
func (b *Backend) ReservedSpace(ctx context.Context, account string) (int64, error) {
	done, err := b.enter(ctx, "ReservedSpace", false)
	if err != nil {
		return 0, err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved[account], nil
}

// TotalReservedSpace implements backend.Backend.
func (b *Backend) TotalReservedSpace(ctx context.Context) (int64, error) {
	done, err := b.enter(ctx, "TotalReservedSpace", false)
	if err != nil {
		return 0, err
	}
	defer done()

	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, r := range b.reserved {
		total += r
	}
	return total, nil
}

// TotalSpace implements backend.Backend.
func (b *Backend) TotalSpace(ctx context.Context) (int64, error) {
	done, err := b.enter(ctx, "TotalSpace", false)
	if err != nil {
		return 0, err
	}
	defer done()
	return b.total, nil
}

var _ backend.Backend = (*Backend)(nil)
