// Package fstree models the remote hierarchy as lazily materialized nodes.
//
// Nodes are immutable. A Directory only knows its name, its relative path and
// a non-owning pointer to its parent; its children are produced on demand
// from the directory cache each time Entries is called. New nodes can only be
// created by enumerating an existing directory or by attaching a child to a
// known parent, so the parent chain is always finite and acyclic.
package fstree

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
)

// Lister produces directory listings (normally a *dircache.Cache).
type Lister interface {
	Load(ctx context.Context, path string, bypass bool) ([]models.Descriptor, error)
}

// Fetcher downloads file content on demand.
type Fetcher interface {
	DownloadToBuffer(ctx context.Context, path string) ([]byte, error)
	DownloadToFile(ctx context.Context, path, target string) error
}

// Node is either a *Directory or a *File.
type Node interface {
	Kind() models.Kind
	Name() string
	// Path is the slash-joined path relative to the account root.
	Path() string
	// AbsPath is the storage path: the account, or account + "/" + Path.
	AbsPath() string
	Parent() *Directory
}

// Tree is the root of one account's hierarchy.
type Tree struct {
	account string
	lister  Lister
	fetcher Fetcher
	root    *Directory
}

// NewTree creates the tree of account.
func NewTree(account string, lister Lister, fetcher Fetcher) *Tree {
	t := &Tree{account: account, lister: lister, fetcher: fetcher}
	t.root = &Directory{tree: t}
	return t
}

// Account returns the account identifier the tree is rooted at.
func (t *Tree) Account() string { return t.account }

// Root returns the account root directory.
func (t *Tree) Root() *Directory { return t.root }

// AbsPath maps a relative path to its storage path.
func (t *Tree) AbsPath(rel string) string {
	return backend.JoinPath(t.account, rel)
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Directory is a directory node.
type Directory struct {
	tree   *Tree
	name   string
	path   string
	parent *Directory
}

func (d *Directory) Kind() models.Kind  { return models.KindDirectory }
func (d *Directory) Name() string       { return d.name }
func (d *Directory) Path() string       { return d.path }
func (d *Directory) Parent() *Directory { return d.parent }
func (d *Directory) AbsPath() string    { return d.tree.AbsPath(d.path) }

// IsRoot reports whether d is the account root.
func (d *Directory) IsRoot() bool { return d.parent == nil }

// Tree returns the tree d belongs to.
func (d *Directory) Tree() *Tree { return d.tree }

// ChildDirectory returns a directory node named name under d. It does not
// touch the backend.
func (d *Directory) ChildDirectory(name string) *Directory {
	return &Directory{tree: d.tree, name: name, path: joinRel(d.path, name), parent: d}
}

// ChildFile returns a file node named name under d. It does not touch the
// backend.
func (d *Directory) ChildFile(name string, size int64, modTime time.Time) *File {
	return &File{
		tree:        d.tree,
		name:        name,
		path:        joinRel(d.path, name),
		parent:      d,
		size:        size,
		contentType: models.ContentType(name),
		modTime:     modTime,
	}
}

// Entries returns a fresh one-shot iterator over the children of d. The
// listing is loaded on the first call to Next.
func (d *Directory) Entries(ctx context.Context) *Entries {
	return &Entries{ctx: ctx, dir: d}
}

// List drains one Entries iterator.
func (d *Directory) List(ctx context.Context) ([]Node, error) {
	it := d.Entries(ctx)
	var nodes []Node
	for it.Next() {
		nodes = append(nodes, it.Node())
	}
	return nodes, it.Err()
}

// Lookup resolves a relative path below d by enumerating each level. A
// missing segment yields backend.ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, rel string) (Node, error) {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return d, nil
	}
	var cur Node = d
	for _, seg := range strings.Split(rel, "/") {
		dir, ok := cur.(*Directory)
		if !ok {
			return nil, fmt.Errorf("lookup %s: %s is a file: %w", rel, cur.Path(), backend.ErrNotFound)
		}
		nodes, err := dir.List(ctx)
		if err != nil {
			return nil, err
		}
		cur = nil
		for _, n := range nodes {
			if n.Name() == seg {
				cur = n
				break
			}
		}
		if cur == nil {
			return nil, fmt.Errorf("lookup %s: %w", d.tree.AbsPath(joinRel(d.path, rel)), backend.ErrNotFound)
		}
	}
	return cur, nil
}

// File is a file node.
type File struct {
	tree        *Tree
	name        string
	path        string
	parent      *Directory
	size        int64
	contentType string
	modTime     time.Time
}

func (f *File) Kind() models.Kind  { return models.KindFile }
func (f *File) Name() string       { return f.name }
func (f *File) Path() string       { return f.path }
func (f *File) Parent() *Directory { return f.parent }
func (f *File) AbsPath() string    { return f.tree.AbsPath(f.path) }

// Size returns the size in bytes.
func (f *File) Size() int64 { return f.size }

// Type returns the content type derived from the name.
func (f *File) Type() string { return f.contentType }

// ModTime returns the timestamp reported by the backend, or the zero time.
func (f *File) ModTime() time.Time { return f.modTime }

// Bytes downloads the file content. Content is never cached.
func (f *File) Bytes(ctx context.Context) ([]byte, error) {
	return f.tree.fetcher.DownloadToBuffer(ctx, f.AbsPath())
}

// SaveTo downloads the file content into the local file target.
func (f *File) SaveTo(ctx context.Context, target string) error {
	return f.tree.fetcher.DownloadToFile(ctx, f.AbsPath(), target)
}

// CopyTo downloads the file content into w.
func (f *File) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	data, err := f.Bytes(ctx)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
