package backend

import (
	"context"
	"time"

	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/models"
)

// Instrument wraps b so that every call is timed and counted.
func Instrument(b Backend) Backend {
	if _, ok := b.(instrumented); ok {
		return b
	}
	return instrumented{b}
}

type instrumented struct {
	next Backend
}

func observe(call string, start time.Time, err error) {
	metrics.RecordBackendCall(call, time.Since(start), err == nil)
}

func (i instrumented) ListDirectory(ctx context.Context, path string) (out []models.Descriptor, err error) {
	defer func(start time.Time) { observe("list_directory", start, err) }(time.Now())
	return i.next.ListDirectory(ctx, path)
}

func (i instrumented) CreateDirectory(ctx context.Context, account, path, key string) (out string, err error) {
	defer func(start time.Time) { observe("create_directory", start, err) }(time.Now())
	return i.next.CreateDirectory(ctx, account, path, key)
}

func (i instrumented) DeleteDirectory(ctx context.Context, account, path, key string) (err error) {
	defer func(start time.Time) { observe("delete_directory", start, err) }(time.Now())
	return i.next.DeleteDirectory(ctx, account, path, key)
}

func (i instrumented) UploadFile(ctx context.Context, account, path string, content []byte, key string) (out string, err error) {
	defer func(start time.Time) { observe("upload_file", start, err) }(time.Now())
	return i.next.UploadFile(ctx, account, path, content, key)
}

func (i instrumented) DeleteFile(ctx context.Context, account, path, key string) (err error) {
	defer func(start time.Time) { observe("delete_file", start, err) }(time.Now())
	return i.next.DeleteFile(ctx, account, path, key)
}

func (i instrumented) DownloadToBuffer(ctx context.Context, path string) (out []byte, err error) {
	defer func(start time.Time) { observe("download", start, err) }(time.Now())
	return i.next.DownloadToBuffer(ctx, path)
}

func (i instrumented) DownloadToFile(ctx context.Context, path, target string) (err error) {
	defer func(start time.Time) { observe("download_to_file", start, err) }(time.Now())
	return i.next.DownloadToFile(ctx, path, target)
}

func (i instrumented) ReserveSpace(ctx context.Context, admin, target string, amount int64, key string) (err error) {
	defer func(start time.Time) { observe("reserve_space", start, err) }(time.Now())
	return i.next.ReserveSpace(ctx, admin, target, amount, key)
}

func (i instrumented) GrantAllocatorRole(ctx context.Context, admin, target, key string) (err error) {
	defer func(start time.Time) { observe("grant_allocator_role", start, err) }(time.Now())
	return i.next.GrantAllocatorRole(ctx, admin, target, key)
}

func (i instrumented) HasRole(ctx context.Context, account string, role Role) (out bool, err error) {
	defer func(start time.Time) { observe("has_role", start, err) }(time.Now())
	return i.next.HasRole(ctx, account, role)
}

func (i instrumented) OccupiedSpace(ctx context.Context, account string) (out int64, err error) {
	defer func(start time.Time) { observe("occupied_space", start, err) }(time.Now())
	return i.next.OccupiedSpace(ctx, account)
}

func (i instrumented) ReservedSpace(ctx context.Context, account string) (out int64, err error) {
	defer func(start time.Time) { observe("reserved_space", start, err) }(time.Now())
	return i.next.ReservedSpace(ctx, account)
}

func (i instrumented) TotalReservedSpace(ctx context.Context) (out int64, err error) {
	defer func(start time.Time) { observe("total_reserved_space", start, err) }(time.Now())
	return i.next.TotalReservedSpace(ctx)
}

func (i instrumented) TotalSpace(ctx context.Context) (out int64, err error) {
	defer func(start time.Time) { observe("total_space", start, err) }(time.Now())
	return i.next.TotalSpace(ctx)
}
