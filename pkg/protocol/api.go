// Package protocol defines the gateway API request/response types.
package protocol

import (
	"net/http"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
)

// HeaderContentKeccak carries the hex Keccak-256 digest of an upload body.
const HeaderContentKeccak = "X-Content-Keccak"

// ListResponse is returned by GET /api/v1/tree/{path}
type ListResponse struct {
	Path    string              `json:"path"`
	Entries []models.Descriptor `json:"entries"`
}

// PathResponse is returned by PUT /api/v1/tree/{path} and
// POST /api/v1/content/{path}
type PathResponse struct {
	Path   string `json:"path"`
	Size   int64  `json:"size,omitempty"`
	Keccak string `json:"keccak,omitempty"`
}

// RoleResponse is returned by GET /api/v1/roles/{role}/{account}
type RoleResponse struct {
	Account string       `json:"account"`
	Role    backend.Role `json:"role"`
	Granted bool         `json:"granted"`
}

// AccountSpaceResponse is returned by GET /api/v1/space/{account}
type AccountSpaceResponse struct {
	Account  string `json:"account"`
	Occupied int64  `json:"occupied"`
	Reserved int64  `json:"reserved"`
}

// SpaceResponse is returned by GET /api/v1/space
type SpaceResponse struct {
	TotalReserved int64 `json:"total_reserved"`
	Total         int64 `json:"total"`
}

// ReserveRequest is the body for POST /api/v1/space/{account}
type ReserveRequest struct {
	Amount int64 `json:"amount"`
}

// ErrorResponse is returned on API errors. Reason is the error taxonomy name.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// StatusFor maps a backend error to an HTTP status.
func StatusFor(err error) int {
	switch backend.Reason(err) {
	case "no-account":
		return http.StatusUnauthorized
	case "not-authorized":
		return http.StatusForbidden
	case "not-found", "operation-not-found":
		return http.StatusNotFound
	case "exists":
		return http.StatusConflict
	case "busy":
		return http.StatusServiceUnavailable
	case "quota":
		return http.StatusInsufficientStorage
	case "invalid-name", "root-directory":
		return http.StatusBadRequest
	case "no-net":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFor maps an error response back to a backend error. The reason wins
// over the status code when both are known.
func ErrorFor(code int, reason string) error {
	if err := backend.FromReason(reason); err != nil {
		return err
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return backend.ErrNotAuthorized
	case http.StatusNotFound:
		return backend.ErrNotFound
	case http.StatusConflict:
		return backend.ErrExists
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return backend.ErrBusy
	case http.StatusInsufficientStorage:
		return backend.ErrQuota
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return backend.ErrNoNet
	}
	return nil
}
