package manager

import (
	"fmt"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/fstree"
)

// DirectoryResult is the payload of a successful create-directory or
// delete-directory operation.
type DirectoryResult struct {
	Directory  *fstree.Directory
	StoredPath string
	Deleted    bool
}

// AffectedDirectory implements opbus.Affector.
func (r DirectoryResult) AffectedDirectory() (*fstree.Directory, bool) {
	return r.Directory.Parent(), false
}

// RemovedDirectory implements opbus.Remover.
func (r DirectoryResult) RemovedDirectory() *fstree.Directory {
	if !r.Deleted {
		return nil
	}
	return r.Directory
}

// FileResult is the payload of a successful upload-file or delete-file
// operation.
type FileResult struct {
	File       *fstree.File
	StoredPath string
	Deleted    bool
}

// AffectedDirectory implements opbus.Affector.
func (r FileResult) AffectedDirectory() (*fstree.Directory, bool) {
	return r.File.Parent(), false
}

// RoleResult is the payload of a successful grant-role operation. The
// affected directories are unknown, so it purges the whole cache.
type RoleResult struct {
	Account string
	Role    backend.Role
}

// AffectedDirectory implements opbus.Affector.
func (r RoleResult) AffectedDirectory() (*fstree.Directory, bool) {
	return nil, true
}

// SpaceResult is the payload of a successful reserve-space operation.
type SpaceResult struct {
	Account string
	Amount  int64
}

// Failure is the payload of every failed operation. Target is the node the
// operation was about, nil for account administration.
type Failure struct {
	Target  fstree.Node
	Account string
	Err     error
}

func (f Failure) Error() string {
	if f.Target != nil {
		return fmt.Sprintf("%s: %v", f.Target.AbsPath(), f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Account, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Reason returns the taxonomy name of the error.
func (f Failure) Reason() string { return backend.Reason(f.Err) }
