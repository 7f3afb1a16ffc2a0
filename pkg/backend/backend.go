// Package backend defines the capability a chainfs session consumes from the
// remote storage service, together with the error taxonomy shared by every
// implementation.
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/fruitsalade/chainfs/pkg/models"
)

// Role is an account role on the storage service.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAllocator Role = "allocator"
)

// Backend is the remote storage service. Every call may be slow and may
// fail; paths are absolute storage paths ("<account>/<relative path>").
// key is the signing key for the acting account and may be empty when the
// implementation carries its own credentials.
type Backend interface {
	ListDirectory(ctx context.Context, path string) ([]models.Descriptor, error)

	CreateDirectory(ctx context.Context, account, path, key string) (string, error)
	DeleteDirectory(ctx context.Context, account, path, key string) error

	UploadFile(ctx context.Context, account, path string, content []byte, key string) (string, error)
	DeleteFile(ctx context.Context, account, path, key string) error

	DownloadToBuffer(ctx context.Context, path string) ([]byte, error)
	DownloadToFile(ctx context.Context, path, target string) error

	ReserveSpace(ctx context.Context, admin, target string, amount int64, key string) error
	GrantAllocatorRole(ctx context.Context, admin, target, key string) error
	HasRole(ctx context.Context, account string, role Role) (bool, error)

	OccupiedSpace(ctx context.Context, account string) (int64, error)
	ReservedSpace(ctx context.Context, account string) (int64, error)
	TotalReservedSpace(ctx context.Context) (int64, error)
	TotalSpace(ctx context.Context) (int64, error)
}

var (
	ErrNoAccount         = errors.New("no signing account configured")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrBusy              = errors.New("backend busy")
	ErrNoNet             = errors.New("backend unreachable")
	ErrOperationNotFound = errors.New("operation not found")
	ErrExists            = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrRootDirectory     = errors.New("operation not allowed on the root directory")
	ErrQuota             = errors.New("reserved space exceeded")
	ErrInvalidName       = errors.New("invalid name")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrNoAccount, "no-account"},
	{ErrNotAuthorized, "not-authorized"},
	{ErrBusy, "busy"},
	{ErrNoNet, "no-net"},
	{ErrOperationNotFound, "operation-not-found"},
	{ErrExists, "exists"},
	{ErrNotFound, "not-found"},
	{ErrRootDirectory, "root-directory"},
	{ErrQuota, "quota"},
	{ErrInvalidName, "invalid-name"},
}

// ReasonUnknown is reported for errors outside the taxonomy.
const ReasonUnknown = "unknown"

// Reason maps err to its stable taxonomy name. nil maps to "".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonUnknown
}

// FromReason is the inverse of Reason; unknown names map to nil.
func FromReason(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}

// JoinPath joins an account and a relative path into a storage path.
func JoinPath(account, rel string) string {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return account
	}
	return account + "/" + rel
}

// SplitPath returns the account and the relative part of a storage path.
func SplitPath(path string) (account, rel string) {
	account, rel, _ = strings.Cut(strings.Trim(path, "/"), "/")
	return account, rel
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
