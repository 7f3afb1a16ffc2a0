// Package objectstore implements backend.Backend on an S3 bucket for file
// content and a PostgreSQL ledger for the tree, roles and reservations.
//
// A Store trusts its caller to have verified the acting account: the key
// arguments of backend.Backend are ignored. The gateway serves it behind
// token verification.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
)

// Config holds the settings for Open.
type Config struct {
	DatabaseURL string
	Content     ContentConfig
	// TotalSpace is the capacity shared by all reservations.
	TotalSpace int64
	// EnforceQuota rejects uploads beyond the account's reserved space.
	EnforceQuota bool
}

// Store is the object store backend.
type Store struct {
	ledger       *Ledger
	blobs        Blobs
	total        int64
	enforceQuota bool
	log          *zap.Logger
}

// Open connects to PostgreSQL and S3 and migrates the ledger.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	ledger, err := OpenLedger(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		ledger.Close()
		return nil, err
	}
	content, err := NewContent(ctx, cfg.Content)
	if err != nil {
		ledger.Close()
		return nil, err
	}
	s := New(ledger, content, cfg.TotalSpace)
	s.enforceQuota = cfg.EnforceQuota
	return s, nil
}

// New assembles a Store from its parts.
func New(ledger *Ledger, blobs Blobs, totalSpace int64) *Store {
	return &Store{
		ledger: ledger,
		blobs:  blobs,
		total:  totalSpace,
		log:    logging.Named("objectstore"),
	}
}

// Ledger returns the underlying ledger.
func (s *Store) Ledger() *Ledger { return s.ledger }

// Close closes the ledger connection.
func (s *Store) Close() error { return s.ledger.Close() }

// Bootstrap grants the admin role to accounts.
func (s *Store) Bootstrap(ctx context.Context, admins []string) error {
	for _, a := range admins {
		if err := s.ledger.GrantRole(ctx, a, backend.RoleAdmin); err != nil {
			return err
		}
		s.log.Info("admin role granted", logging.Account(a))
	}
	return nil
}

func authorize(account, p string) error {
	if account == "" {
		return backend.ErrNoAccount
	}
	if owner, _ := backend.SplitPath(p); owner != account {
		return fmt.Errorf("%s cannot write under %s: %w", account, owner, backend.ErrNotAuthorized)
	}
	return nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// objectKey returns a fresh content key for a file of account.
func objectKey(account string) string {
	return account + "/" + uuid.NewString()
}

// prepare validates a new entry at p: the parent must be a directory and
// p must be free.
func (s *Store) prepare(ctx context.Context, account, p string) error {
	if err := authorize(account, p); err != nil {
		return err
	}
	if !strings.Contains(p, "/") {
		return fmt.Errorf("create %s: %w", p, backend.ErrExists)
	}
	if !backend.ValidName(path.Base(p)) {
		return fmt.Errorf("create %s: %w", p, backend.ErrInvalidName)
	}
	ok, err := s.ledger.IsDir(ctx, parentOf(p))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("create %s: parent %w", p, backend.ErrNotFound)
	}
	return nil
}

// ListDirectory implements backend.Backend.
func (s *Store) ListDirectory(ctx context.Context, p string) ([]models.Descriptor, error) {
	p = strings.Trim(p, "/")
	ok, err := s.ledger.IsDir(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("list %s: %w", p, backend.ErrNotFound)
	}
	return s.ledger.List(ctx, p)
}

// CreateDirectory implements backend.Backend.
func (s *Store) CreateDirectory(ctx context.Context, account, p, _ string) (string, error) {
	p = strings.Trim(p, "/")
	if err := s.prepare(ctx, account, p); err != nil {
		return "", err
	}
	err := s.ledger.Insert(ctx, entryRow{
		Path:       p,
		ParentPath: parentOf(p),
		Name:       path.Base(p),
		Account:    account,
		IsDir:      true,
	})
	if err != nil {
		return "", err
	}
	return p, nil
}

// DeleteDirectory implements backend.Backend. Contents are removed with it.
func (s *Store) DeleteDirectory(ctx context.Context, account, p, _ string) error {
	p = strings.Trim(p, "/")
	if err := authorize(account, p); err != nil {
		return err
	}
	if !strings.Contains(p, "/") {
		return backend.ErrRootDirectory
	}
	r, err := s.ledger.Lookup(ctx, p)
	if err != nil {
		return err
	}
	if !r.IsDir {
		return fmt.Errorf("delete %s: %w", p, backend.ErrNotFound)
	}
	keys, err := s.ledger.Delete(ctx, p)
	if err != nil {
		return err
	}
	s.dropObjects(ctx, keys)
	return nil
}

// UploadFile implements backend.Backend. Content goes to the bucket first;
// the ledger entry makes it visible.
func (s *Store) UploadFile(ctx context.Context, account, p string, content []byte, _ string) (string, error) {
	p = strings.Trim(p, "/")
	if err := s.prepare(ctx, account, p); err != nil {
		return "", err
	}
	if _, err := s.ledger.Lookup(ctx, p); err == nil {
		return "", fmt.Errorf("upload %s: %w", p, backend.ErrExists)
	}
	if s.enforceQuota {
		used, err := s.ledger.Occupied(ctx, account)
		if err != nil {
			return "", err
		}
		reserved, err := s.ledger.Reserved(ctx, account)
		if err != nil {
			return "", err
		}
		if used+int64(len(content)) > reserved {
			return "", fmt.Errorf("upload %s: %w", p, backend.ErrQuota)
		}
	}

	key := objectKey(account)
	contentType := mimetype.Detect(content).String()
	if err := s.blobs.Put(ctx, key, content, contentType); err != nil {
		return "", err
	}
	err := s.ledger.Insert(ctx, entryRow{
		Path:        p,
		ParentPath:  parentOf(p),
		Name:        path.Base(p),
		Account:     account,
		Size:        int64(len(content)),
		ObjectKey:   key,
		ContentType: contentType,
	})
	if err != nil {
		s.dropObjects(ctx, []string{key})
		return "", err
	}
	return p, nil
}

// DeleteFile implements backend.Backend.
func (s *Store) DeleteFile(ctx context.Context, account, p, _ string) error {
	p = strings.Trim(p, "/")
	if err := authorize(account, p); err != nil {
		return err
	}
	r, err := s.ledger.Lookup(ctx, p)
	if err != nil {
		return err
	}
	if r.IsDir {
		return fmt.Errorf("delete %s: %w", p, backend.ErrNotFound)
	}
	keys, err := s.ledger.Delete(ctx, p)
	if err != nil {
		return err
	}
	s.dropObjects(ctx, keys)
	return nil
}

// dropObjects removes content whose ledger entries are gone. Failures are
// logged and leave the object orphaned.
func (s *Store) dropObjects(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("orphaned object", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Store) open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = strings.Trim(p, "/")
	r, err := s.ledger.Lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if r.IsDir {
		return nil, fmt.Errorf("download %s: %w", p, backend.ErrNotFound)
	}
	return s.blobs.Open(ctx, r.ObjectKey)
}

// DownloadToBuffer implements backend.Backend.
func (s *Store) DownloadToBuffer(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// DownloadToFile implements backend.Backend. A failed download leaves no
// file behind.
func (s *Store) DownloadToFile(ctx context.Context, p, target string) error {
	rc, err := s.open(ctx, p)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("download %s: %w", p, err)
	}
	return f.Close()
}

// ReserveSpace implements backend.Backend. The amount replaces any previous
// reservation.
func (s *Store) ReserveSpace(ctx context.Context, admin, target string, amount int64, _ string) error {
	if admin == "" {
		return backend.ErrNoAccount
	}
	ok, err := s.anyRole(ctx, admin, backend.RoleAllocator, backend.RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not an allocator: %w", admin, backend.ErrNotAuthorized)
	}
	if amount < 0 {
		return fmt.Errorf("negative reservation %d: %w", amount, backend.ErrQuota)
	}
	return s.ledger.Reserve(ctx, target, amount, s.total)
}

// GrantAllocatorRole implements backend.Backend.
func (s *Store) GrantAllocatorRole(ctx context.Context, admin, target, _ string) error {
	if admin == "" {
		return backend.ErrNoAccount
	}
	ok, err := s.ledger.HasRole(ctx, admin, backend.RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not an admin: %w", admin, backend.ErrNotAuthorized)
	}
	return s.ledger.GrantRole(ctx, target, backend.RoleAllocator)
}

func (s *Store) anyRole(ctx context.Context, account string, roles ...backend.Role) (bool, error) {
	for _, r := range roles {
		ok, err := s.ledger.HasRole(ctx, account, r)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// HasRole implements backend.Backend.
func (s *Store) HasRole(ctx context.Context, account string, role backend.Role) (bool, error) {
	return s.ledger.HasRole(ctx, account, role)
}

// OccupiedSpace implements backend.Backend.
func (s *Store) OccupiedSpace(ctx context.Context, account string) (int64, error) {
	return s.ledger.Occupied(ctx, account)
}

// ReservedSpace implements backend.Backend.
func (s *Store) ReservedSpace(ctx context.Context, account string) (int64, error) {
	return s.ledger.Reserved(ctx, account)
}

// TotalReservedSpace implements backend.Backend.
func (s *Store) TotalReservedSpace(ctx context.Context) (int64, error) {
	return s.ledger.TotalReserved(ctx)
}

// TotalSpace implements backend.Backend.
func (s *Store) TotalSpace(ctx context.Context) (int64, error) {
	return s.total, nil
}

var _ backend.Backend = (*Store)(nil)
