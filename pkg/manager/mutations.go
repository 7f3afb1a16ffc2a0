package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/fstree"
	"github.com/fruitsalade/chainfs/pkg/opbus"
)

func (m *Manager) signer() (*Identity, error) {
	if m.identity == nil || m.identity.Account == "" {
		return nil, backend.ErrNoAccount
	}
	return m.identity, nil
}

func checkName(name string) error {
	if !backend.ValidName(name) {
		return fmt.Errorf("%q: %w", name, backend.ErrInvalidName)
	}
	return nil
}

func failure(target fstree.Node, account string) opbus.ErrorMapper {
	return func(err error) any {
		return Failure{Target: target, Account: account, Err: err}
	}
}

// CreateDirectory enqueues the creation of name under dest (the root when
// nil) and returns the operation ID.
func (m *Manager) CreateDirectory(dest *fstree.Directory, name string) (string, error) {
	id, err := m.signer()
	if err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	child := m.dirOrRoot(dest).ChildDirectory(name)

	return m.bus.Enqueue(opbus.KindCreateDirectory,
		func(ctx context.Context) (any, error) {
			return m.backend.CreateDirectory(ctx, id.Account, child.AbsPath(), id.Key)
		},
		func(raw any) any {
			stored, _ := raw.(string)
			return DirectoryResult{Directory: child, StoredPath: stored}
		},
		failure(child, id.Account),
	)
}

// DeleteDirectory enqueues the recursive deletion of dir. The account root
// is rejected without a backend call.
func (m *Manager) DeleteDirectory(dir *fstree.Directory) (string, error) {
	if dir == nil || dir.IsRoot() {
		return "", backend.ErrRootDirectory
	}
	id, err := m.signer()
	if err != nil {
		return "", err
	}

	return m.bus.Enqueue(opbus.KindDeleteDirectory,
		func(ctx context.Context) (any, error) {
			return nil, m.backend.DeleteDirectory(ctx, id.Account, dir.AbsPath(), id.Key)
		},
		func(any) any {
			return DirectoryResult{Directory: dir, StoredPath: dir.AbsPath(), Deleted: true}
		},
		failure(dir, id.Account),
	)
}

// UploadFile enqueues the upload of content as name under dest (the root
// when nil).
func (m *Manager) UploadFile(dest *fstree.Directory, name string, content []byte) (string, error) {
	id, err := m.signer()
	if err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	file := m.dirOrRoot(dest).ChildFile(name, int64(len(content)), time.Time{})

	return m.bus.Enqueue(opbus.KindUploadFile,
		func(ctx context.Context) (any, error) {
			return m.backend.UploadFile(ctx, id.Account, file.AbsPath(), content, id.Key)
		},
		func(raw any) any {
			stored, _ := raw.(string)
			return FileResult{File: file, StoredPath: stored}
		},
		failure(file, id.Account),
	)
}

// UploadLocalFile reads localPath and enqueues its upload under dest,
// keeping the base name.
func (m *Manager) UploadLocalFile(dest *fstree.Directory, localPath string) (string, error) {
	if _, err := m.signer(); err != nil {
		return "", err
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	return m.UploadFile(dest, filepath.Base(localPath), content)
}

// DeleteFile enqueues the deletion of f.
func (m *Manager) DeleteFile(f *fstree.File) (string, error) {
	if f == nil {
		return "", fmt.Errorf("delete file: %w", backend.ErrNotFound)
	}
	id, err := m.signer()
	if err != nil {
		return "", err
	}

	return m.bus.Enqueue(opbus.KindDeleteFile,
		func(ctx context.Context) (any, error) {
			return nil, m.backend.DeleteFile(ctx, id.Account, f.AbsPath(), id.Key)
		},
		func(any) any {
			return FileResult{File: f, StoredPath: f.AbsPath(), Deleted: true}
		},
		failure(f, id.Account),
	)
}

// hasAnyRole reports whether the signing account holds one of roles.
func (m *Manager) hasAnyRole(ctx context.Context, account string, roles ...backend.Role) (bool, error) {
	for _, r := range roles {
		ok, err := m.backend.HasRole(ctx, account, r)
		if err != nil {
			return false, fmt.Errorf("check %s role: %w", r, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// GrantAllocatorRole enqueues granting the allocator role to target. The
// signing account must be an admin.
func (m *Manager) GrantAllocatorRole(ctx context.Context, target string) (string, error) {
	id, err := m.signer()
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", fmt.Errorf("grant: empty account: %w", backend.ErrInvalidName)
	}
	ok, err := m.hasAnyRole(ctx, id.Account, backend.RoleAdmin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s is not an admin: %w", id.Account, backend.ErrNotAuthorized)
	}

	return m.bus.Enqueue(opbus.KindGrantRole,
		func(ctx context.Context) (any, error) {
			return nil, m.backend.GrantAllocatorRole(ctx, id.Account, target, id.Key)
		},
		func(any) any {
			return RoleResult{Account: target, Role: backend.RoleAllocator}
		},
		failure(nil, target),
	)
}

// ReserveSpace enqueues reserving amount bytes for target. The signing
// account must be an allocator or an admin.
func (m *Manager) ReserveSpace(ctx context.Context, target string, amount int64) (string, error) {
	id, err := m.signer()
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", fmt.Errorf("reserve: empty account: %w", backend.ErrInvalidName)
	}
	if amount < 0 {
		return "", fmt.Errorf("reserve: negative amount %d: %w", amount, backend.ErrQuota)
	}
	ok, err := m.hasAnyRole(ctx, id.Account, backend.RoleAllocator, backend.RoleAdmin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s is not an allocator: %w", id.Account, backend.ErrNotAuthorized)
	}

	return m.bus.Enqueue(opbus.KindReserveSpace,
		func(ctx context.Context) (any, error) {
			return nil, m.backend.ReserveSpace(ctx, id.Account, target, amount, id.Key)
		},
		func(any) any {
			return SpaceResult{Account: target, Amount: amount}
		},
		failure(nil, target),
	)
}
