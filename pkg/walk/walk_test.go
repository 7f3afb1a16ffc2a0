package walk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fruitsalade/chainfs/pkg/backend/memory"
	"github.com/fruitsalade/chainfs/pkg/dircache"
	"github.com/fruitsalade/chainfs/pkg/fstree"
)

func testTree(t *testing.T) (*fstree.Tree, *memory.Backend, *dircache.Cache) {
	t.Helper()
	b := memory.New(1 << 20)
	b.Seed("acct/notes.txt", []byte("n"), false)
	b.Seed("acct/docs/report.pdf", []byte("r"), false)
	b.Seed("acct/docs/Report-draft.md", []byte("d"), false)
	b.Seed("acct/docs/2024/q1-report.xlsx", []byte("q"), false)
	b.Seed("acct/photos/cat.jpg", []byte("c"), false)
	c := dircache.New(b.ListDirectory)
	return fstree.NewTree("acct", c, b), b, c
}

func TestWalk_PreOrder(t *testing.T) {
	tree, _, _ := testTree(t)

	var got []string
	err := Walk(context.Background(), tree.Root(), func(n fstree.Node, depth int) error {
		got = append(got, n.Path())
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []string{
		"notes.txt",
		"docs",
		"docs/Report-draft.md",
		"docs/report.pdf",
		"docs/2024",
		"docs/2024/q1-report.xlsx",
		"photos",
		"photos/cat.jpg",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order =\n%v\nwant\n%v", got, want)
	}
}

func TestWalk_MaxDepth(t *testing.T) {
	tree, b, _ := testTree(t)

	count := 0
	err := Walk(context.Background(), tree.Root(), func(n fstree.Node, depth int) error {
		if depth != 1 {
			t.Errorf("%s visited at depth %d", n.Path(), depth)
		}
		count++
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if count != 3 {
		t.Errorf("visited %d nodes, want 3", count)
	}
	if calls := b.Calls("ListDirectory"); calls != 1 {
		t.Errorf("ListDirectory called %d times, want 1", calls)
	}
}

func TestWalk_SkipDir(t *testing.T) {
	tree, _, _ := testTree(t)

	var got []string
	err := Walk(context.Background(), tree.Root(), func(n fstree.Node, depth int) error {
		got = append(got, n.Path())
		if n.Name() == "docs" {
			return SkipDir
		}
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, p := range got {
		if strings.HasPrefix(p, "docs/") {
			t.Errorf("descended into skipped directory: %s", p)
		}
	}
	if len(got) != 4 {
		t.Errorf("visited %v", got)
	}
}

func TestWalk_StopsOnError(t *testing.T) {
	tree, _, _ := testTree(t)
	stop := errors.New("stop")

	count := 0
	err := Walk(context.Background(), tree.Root(), func(fstree.Node, int) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	}, 0)
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if count != 2 {
		t.Errorf("count = %d", count)
	}
}

func TestWalk_TooDeep(t *testing.T) {
	b := memory.New(1 << 20)
	path := "acct" + strings.Repeat("/d", MaxRecursion+10)
	b.Seed(path, nil, true)
	tree := fstree.NewTree("acct", dircache.New(b.ListDirectory), b)

	err := Walk(context.Background(), tree.Root(), func(fstree.Node, int) error { return nil }, 0)
	if !errors.Is(err, ErrTooDeep) {
		t.Errorf("Walk err = %v, want ErrTooDeep", err)
	}
	err = WalkLevels(context.Background(), tree.Root(), func(*fstree.Directory, []fstree.Node, int) error { return nil }, 0)
	if !errors.Is(err, ErrTooDeep) {
		t.Errorf("WalkLevels err = %v, want ErrTooDeep", err)
	}
}

func TestWalk_Cancelled(t *testing.T) {
	tree, b, _ := testTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Walk(ctx, tree.Root(), func(fstree.Node, int) error { return nil }, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if b.Calls("ListDirectory") != 0 {
		t.Error("cancelled walk should not list")
	}
}

func TestWalkLevels_CompletionOrder(t *testing.T) {
	tree, _, _ := testTree(t)

	type level struct {
		path  string
		n     int
		depth int
	}
	var got []level
	err := WalkLevels(context.Background(), tree.Root(), func(dir *fstree.Directory, entries []fstree.Node, depth int) error {
		got = append(got, level{dir.Path(), len(entries), depth})
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("WalkLevels: %v", err)
	}

	want := []level{
		{"docs/2024", 1, 3},
		{"docs", 3, 2},
		{"photos", 1, 2},
		{"", 3, 1},
	}
	if len(got) != len(want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("level %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWarm(t *testing.T) {
	tree, _, c := testTree(t)
	if err := Warm(context.Background(), tree.Root()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	for _, p := range []string{"acct", "acct/docs", "acct/docs/2024", "acct/photos"} {
		if !c.Contains(p) {
			t.Errorf("%s not cached after Warm", p)
		}
	}
}
