package fstree

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/backend/memory"
	"github.com/fruitsalade/chainfs/pkg/dircache"
	"github.com/fruitsalade/chainfs/pkg/models"
)

func testTree(t *testing.T) (*Tree, *memory.Backend) {
	t.Helper()
	b := memory.New(1 << 20)
	b.Seed("acct/readme.md", []byte("# hi"), false)
	b.Seed("acct/docs", nil, true)
	b.Seed("acct/docs/report.pdf", []byte("pdf"), false)
	b.Seed("acct/docs/2024", nil, true)
	c := dircache.New(b.ListDirectory)
	return NewTree("acct", c, b), b
}

func TestAbsPath(t *testing.T) {
	tree, _ := testTree(t)
	root := tree.Root()

	if root.AbsPath() != "acct" {
		t.Errorf("root AbsPath = %q, want acct", root.AbsPath())
	}
	if root.Path() != "" {
		t.Errorf("root Path = %q, want empty", root.Path())
	}
	if !root.IsRoot() || root.Parent() != nil {
		t.Error("root should have no parent")
	}

	docs := root.ChildDirectory("docs")
	sub := docs.ChildDirectory("2024")
	if sub.Path() != "docs/2024" {
		t.Errorf("Path = %q", sub.Path())
	}
	if sub.AbsPath() != "acct/docs/2024" {
		t.Errorf("AbsPath = %q", sub.AbsPath())
	}
	if sub.Parent() != docs || docs.Parent() != root {
		t.Error("parent chain broken")
	}
}

func TestEntries_MaterializesChildren(t *testing.T) {
	tree, _ := testTree(t)
	root := tree.Root()

	nodes, err := root.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(nodes))
	}

	// Files come first.
	f, ok := nodes[0].(*File)
	if !ok {
		t.Fatalf("nodes[0] is %T, want *File", nodes[0])
	}
	if f.Name() != "readme.md" || f.Size() != 4 || f.Path() != "readme.md" {
		t.Errorf("file = %s size=%d path=%s", f.Name(), f.Size(), f.Path())
	}
	if f.Type() != models.ContentType("readme.md") {
		t.Errorf("Type = %q", f.Type())
	}
	if f.Parent() != root {
		t.Error("file parent should be root")
	}

	d, ok := nodes[1].(*Directory)
	if !ok || d.Name() != "docs" || d.Parent() != root {
		t.Fatalf("nodes[1] = %#v, want directory docs under root", nodes[1])
	}
}

func TestEntries_OneShotAndFresh(t *testing.T) {
	tree, _ := testTree(t)
	ctx := context.Background()
	root := tree.Root()

	it := root.Entries(ctx)
	count := 0
	for it.Next() {
		count++
	}
	if it.Err() != nil {
		t.Fatalf("Err: %v", it.Err())
	}
	if it.Next() {
		t.Error("exhausted iterator must not restart")
	}

	first, _ := root.List(ctx)
	second, _ := root.List(ctx)
	if len(first) != len(second) || len(first) != count {
		t.Fatalf("membership differs: %d vs %d vs %d", len(first), len(second), count)
	}
	for i := range first {
		if first[i] == second[i] {
			t.Error("separate calls should yield separate node instances")
		}
		if first[i].Name() != second[i].Name() || first[i].Kind() != second[i].Kind() {
			t.Errorf("entry %d differs: %s/%s vs %s/%s", i, first[i].Name(), first[i].Kind(), second[i].Name(), second[i].Kind())
		}
	}
}

func TestEntries_LazyLoad(t *testing.T) {
	tree, b := testTree(t)
	before := b.Calls("ListDirectory")

	it := tree.Root().Entries(context.Background())
	if b.Calls("ListDirectory") != before {
		t.Fatal("Entries must not load before Next")
	}
	it.Next()
	if b.Calls("ListDirectory") != before+1 {
		t.Errorf("expected one listing after Next")
	}
}

func TestEntries_SkipsDuplicateNames(t *testing.T) {
	lister := staticLister{
		"acct": {
			{Name: "a", IsFile: true, Size: 1},
			{Name: "a", IsFile: true, Size: 2},
			{Name: "b"},
		},
	}
	tree := NewTree("acct", lister, nil)

	nodes, err := tree.Root().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 unique entries, got %d", len(nodes))
	}
	if nodes[0].(*File).Size() != 1 {
		t.Error("first occurrence should win")
	}
}

func TestEntries_Error(t *testing.T) {
	tree := NewTree("acct", staticLister{}, nil)
	it := tree.Root().Entries(context.Background())
	if it.Next() {
		t.Fatal("Next should fail")
	}
	if it.Err() == nil {
		t.Fatal("expected listing error")
	}
}

func TestLookup(t *testing.T) {
	tree, _ := testTree(t)
	ctx := context.Background()

	n, err := tree.Root().Lookup(ctx, "docs/report.pdf")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n == nil || n.AbsPath() != "acct/docs/report.pdf" {
		t.Fatalf("Lookup returned %v", n)
	}

	for _, rel := range []string{"docs/missing", "missing/report.pdf", "readme.md/x"} {
		n, err := tree.Root().Lookup(ctx, rel)
		if !errors.Is(err, backend.ErrNotFound) || n != nil {
			t.Errorf("Lookup(%q) = %v, %v; want ErrNotFound", rel, n, err)
		}
	}

	n, _ = tree.Root().Lookup(ctx, "")
	if n != tree.Root() {
		t.Error("empty path should resolve to the directory itself")
	}
}

func TestFileContent(t *testing.T) {
	tree, _ := testTree(t)
	ctx := context.Background()

	n, _ := tree.Root().Lookup(ctx, "readme.md")
	f := n.(*File)

	data, err := f.Bytes(ctx)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "# hi" {
		t.Errorf("Bytes = %q", data)
	}

	var buf bytes.Buffer
	if _, err := f.CopyTo(ctx, &buf); err != nil || buf.String() != "# hi" {
		t.Errorf("CopyTo = %q, %v", buf.String(), err)
	}

	target := filepath.Join(t.TempDir(), "readme.md")
	if err := f.SaveTo(ctx, target); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
}

type staticLister map[string][]models.Descriptor

func (s staticLister) Load(_ context.Context, path string, _ bool) ([]models.Descriptor, error) {
	raw, ok := s[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return raw, nil
}
