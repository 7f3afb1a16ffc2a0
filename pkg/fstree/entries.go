package fstree

import (
	"context"

	"github.com/fruitsalade/chainfs/pkg/models"
)

// Entries is a pull iterator over one directory listing. It is finite and
// cannot be restarted; call Directory.Entries again for a fresh listing.
//
//	it := dir.Entries(ctx)
//	for it.Next() {
//		n := it.Node()
//	}
//	if err := it.Err(); err != nil { ... }
type Entries struct {
	ctx    context.Context
	dir    *Directory
	loaded bool
	raw    []models.Descriptor
	seen   map[string]struct{}
	pos    int
	cur    Node
	err    error
}

// Next advances to the next entry. It returns false when the listing is
// exhausted or failed to load.
func (it *Entries) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.loaded {
		it.loaded = true
		it.raw, it.err = it.dir.tree.lister.Load(it.ctx, it.dir.AbsPath(), false)
		if it.err != nil {
			return false
		}
		it.seen = make(map[string]struct{}, len(it.raw))
	}

	for it.pos < len(it.raw) {
		d := it.raw[it.pos]
		it.pos++
		if _, dup := it.seen[d.Name]; dup || d.Name == "" {
			continue
		}
		it.seen[d.Name] = struct{}{}
		it.cur = it.dir.materialize(d)
		return true
	}
	it.cur = nil
	return false
}

// Node returns the current entry.
func (it *Entries) Node() Node { return it.cur }

// Err returns the listing error, if any.
func (it *Entries) Err() error { return it.err }

func (d *Directory) materialize(desc models.Descriptor) Node {
	if desc.IsFile {
		return d.ChildFile(desc.Name, desc.Size, desc.ModTime)
	}
	return d.ChildDirectory(desc.Name)
}
