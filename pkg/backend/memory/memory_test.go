package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/chainfs/pkg/backend"
)

func TestListDirectory(t *testing.T) {
	b := New(1 << 20)
	b.Seed("acct/b.txt", []byte("bb"), false)
	b.Seed("acct/a", nil, true)
	b.Seed("acct/a/inner.txt", []byte("x"), false)

	entries, err := b.ListDirectory(context.Background(), "acct")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "a" || entries[0].IsFile {
		t.Errorf("entries[0] = %+v, want directory a", entries[0])
	}
	if entries[1].Name != "b.txt" || !entries[1].IsFile || entries[1].Size != 2 {
		t.Errorf("entries[1] = %+v, want file b.txt size 2", entries[1])
	}
	if entries[1].Path != "acct/b.txt" {
		t.Errorf("entries[1].Path = %q", entries[1].Path)
	}

	if _, err := b.ListDirectory(context.Background(), "acct/missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// An account root always exists.
	entries, err = b.ListDirectory(context.Background(), "fresh")
	if err != nil || len(entries) != 0 {
		t.Errorf("fresh root: entries=%v err=%v", entries, err)
	}
}

func TestCreateDeleteDirectory(t *testing.T) {
	ctx := context.Background()
	b := New(1 << 20)

	got, err := b.CreateDirectory(ctx, "acct", "acct/docs", "")
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if got != "acct/docs" {
		t.Errorf("CreateDirectory returned %q", got)
	}
	if _, err := b.CreateDirectory(ctx, "acct", "acct/docs", ""); !errors.Is(err, backend.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if _, err := b.CreateDirectory(ctx, "acct", "acct/nope/deep", ""); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing parent, got %v", err)
	}
	if _, err := b.CreateDirectory(ctx, "other", "acct/x", ""); !errors.Is(err, backend.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	b.Seed("acct/docs/a.txt", []byte("a"), false)
	if err := b.DeleteDirectory(ctx, "acct", "acct/docs", ""); err != nil {
		t.Fatalf("DeleteDirectory: %v", err)
	}
	if _, err := b.DownloadToBuffer(ctx, "acct/docs/a.txt"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("contents should be removed with directory, got %v", err)
	}
	if err := b.DeleteDirectory(ctx, "acct", "acct", ""); !errors.Is(err, backend.ErrRootDirectory) {
		t.Errorf("expected ErrRootDirectory, got %v", err)
	}
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	b := New(1 << 20)
	b.SetKey("acct", "secret")

	if _, err := b.UploadFile(ctx, "acct", "acct/a.txt", []byte("hello"), "wrong"); !errors.Is(err, backend.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for bad key, got %v", err)
	}
	if _, err := b.UploadFile(ctx, "acct", "acct/a.txt", []byte("hello"), "secret"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if _, err := b.UploadFile(ctx, "acct", "acct/a.txt", []byte("again"), "secret"); !errors.Is(err, backend.ErrExists) {
		t.Errorf("expected ErrExists on collision, got %v", err)
	}

	data, err := b.DownloadToBuffer(ctx, "acct/a.txt")
	if err != nil {
		t.Fatalf("DownloadToBuffer: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	target := filepath.Join(t.TempDir(), "out.txt")
	if err := b.DownloadToFile(ctx, "acct/a.txt", target); err != nil {
		t.Fatalf("DownloadToFile: %v", err)
	}
	onDisk, _ := os.ReadFile(target)
	if string(onDisk) != "hello" {
		t.Errorf("file content = %q", onDisk)
	}

	if err := b.DeleteFile(ctx, "acct", "acct/a.txt", "secret"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := b.DeleteFile(ctx, "acct", "acct/a.txt", "secret"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRolesAndSpace(t *testing.T) {
	ctx := context.Background()
	b := New(1000)
	b.SetRole("admin", backend.RoleAdmin)

	if err := b.GrantAllocatorRole(ctx, "alloc", "user", ""); !errors.Is(err, backend.ErrNotAuthorized) {
		t.Fatalf("non-admin grant should fail, got %v", err)
	}
	if err := b.GrantAllocatorRole(ctx, "admin", "alloc", ""); err != nil {
		t.Fatalf("GrantAllocatorRole: %v", err)
	}
	ok, err := b.HasRole(ctx, "alloc", backend.RoleAllocator)
	if err != nil || !ok {
		t.Fatalf("HasRole = %v, %v", ok, err)
	}

	if err := b.ReserveSpace(ctx, "alloc", "user", 600, ""); err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}
	if err := b.ReserveSpace(ctx, "alloc", "other", 600, ""); !errors.Is(err, backend.ErrQuota) {
		t.Errorf("over-reservation should fail with ErrQuota, got %v", err)
	}

	reserved, _ := b.ReservedSpace(ctx, "user")
	totalReserved, _ := b.TotalReservedSpace(ctx)
	total, _ := b.TotalSpace(ctx)
	if reserved != 600 || totalReserved != 600 || total != 1000 {
		t.Errorf("reserved=%d totalReserved=%d total=%d", reserved, totalReserved, total)
	}

	b.EnforceQuota = true
	if _, err := b.UploadFile(ctx, "user", "user/big.bin", make([]byte, 700), ""); !errors.Is(err, backend.ErrQuota) {
		t.Errorf("expected ErrQuota, got %v", err)
	}
	if _, err := b.UploadFile(ctx, "user", "user/small.bin", make([]byte, 100), ""); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	occupied, _ := b.OccupiedSpace(ctx, "user")
	if occupied != 100 {
		t.Errorf("occupied = %d, want 100", occupied)
	}
}

func TestFailNextAndCalls(t *testing.T) {
	ctx := context.Background()
	b := New(1 << 20)
	b.FailNext("ListDirectory", backend.ErrBusy)

	if _, err := b.ListDirectory(ctx, "acct"); !errors.Is(err, backend.ErrBusy) {
		t.Fatalf("expected injected ErrBusy, got %v", err)
	}
	if _, err := b.ListDirectory(ctx, "acct"); err != nil {
		t.Fatalf("failure should only apply once: %v", err)
	}
	if got := b.Calls("ListDirectory"); got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}
}
