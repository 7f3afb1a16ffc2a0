package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/fruitsalade/chainfs/pkg/backend"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{backend.ErrNoAccount, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", backend.ErrNotAuthorized), http.StatusForbidden},
		{backend.ErrNotFound, http.StatusNotFound},
		{backend.ErrExists, http.StatusConflict},
		{backend.ErrBusy, http.StatusServiceUnavailable},
		{backend.ErrQuota, http.StatusInsufficientStorage},
		{backend.ErrRootDirectory, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		code   int
		reason string
		want   error
	}{
		{http.StatusBadRequest, "root-directory", backend.ErrRootDirectory},
		{http.StatusConflict, "", backend.ErrExists},
		{http.StatusForbidden, "", backend.ErrNotAuthorized},
		{http.StatusUnauthorized, "", backend.ErrNotAuthorized},
		{http.StatusTooManyRequests, "", backend.ErrBusy},
		{http.StatusServiceUnavailable, "", backend.ErrBusy},
		{http.StatusInsufficientStorage, "", backend.ErrQuota},
		{http.StatusNotFound, "", backend.ErrNotFound},
		{http.StatusTeapot, "", nil},
	}
	for _, tt := range tests {
		if got := ErrorFor(tt.code, tt.reason); got != tt.want {
			t.Errorf("ErrorFor(%d, %q) = %v, want %v", tt.code, tt.reason, got, tt.want)
		}
	}
}
