// Package walk traverses a subtree of the lazy tree model.
//
// Both walkers are depth-first and list directories through the directory
// cache, so a walk also warms the cache for every directory it expands.
package walk

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/chainfs/pkg/fstree"
)

// MaxRecursion bounds the nesting depth of any walk, whatever maxDepth says.
const MaxRecursion = 256

var (
	// SkipDir can be returned by a Visitor. On a directory it prevents
	// descending into it; on a file it skips the remaining siblings.
	SkipDir = errors.New("skip this directory")

	ErrTooDeep = fmt.Errorf("walk: more than %d nested directories", MaxRecursion)
)

// Visitor is called for every node, parents before children. depth is 1
// for the children of the start directory.
type Visitor func(node fstree.Node, depth int) error

// LevelVisitor is called once per expanded directory with its complete
// listing, after all of its subdirectories have been expanded.
type LevelVisitor func(dir *fstree.Directory, entries []fstree.Node, depth int) error

// Walk calls visit for every node below start. maxDepth <= 0 means no limit.
func Walk(ctx context.Context, start *fstree.Directory, visit Visitor, maxDepth int) error {
	err := walkItems(ctx, start, visit, 1, maxDepth)
	if errors.Is(err, SkipDir) {
		return nil
	}
	return err
}

func walkItems(ctx context.Context, dir *fstree.Directory, visit Visitor, depth, maxDepth int) error {
	if depth > MaxRecursion {
		return ErrTooDeep
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	it := dir.Entries(ctx)
	for it.Next() {
		node := it.Node()
		err := visit(node, depth)
		sub, isDir := node.(*fstree.Directory)
		switch {
		case errors.Is(err, SkipDir) && isDir:
			continue
		case errors.Is(err, SkipDir):
			return nil
		case err != nil:
			return err
		}
		if isDir && descend(depth, maxDepth) {
			if err := walkItems(ctx, sub, visit, depth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	return it.Err()
}

// WalkLevels calls visit with the listing of start and of every directory
// below it. maxDepth <= 0 means no limit; with maxDepth 1 only start is
// listed.
func WalkLevels(ctx context.Context, start *fstree.Directory, visit LevelVisitor, maxDepth int) error {
	err := walkLevels(ctx, start, visit, 1, maxDepth)
	if errors.Is(err, SkipDir) {
		return nil
	}
	return err
}

func walkLevels(ctx context.Context, dir *fstree.Directory, visit LevelVisitor, depth, maxDepth int) error {
	if depth > MaxRecursion {
		return ErrTooDeep
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var entries []fstree.Node
	it := dir.Entries(ctx)
	for it.Next() {
		node := it.Node()
		entries = append(entries, node)
		if sub, ok := node.(*fstree.Directory); ok && descend(depth, maxDepth) {
			if err := walkLevels(ctx, sub, visit, depth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return visit(dir, entries, depth)
}

func descend(depth, maxDepth int) bool {
	return maxDepth <= 0 || depth < maxDepth
}

// Warm lists every directory below start so the cache holds all of them.
func Warm(ctx context.Context, start *fstree.Directory) error {
	return WalkLevels(ctx, start, func(*fstree.Directory, []fstree.Node, int) error { return nil }, 0)
}
