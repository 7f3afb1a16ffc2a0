// Package gateway exposes a backend.Backend over HTTP and streams the
// changes it confirms to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
	"github.com/fruitsalade/chainfs/pkg/protocol"
)

type contextKey string

const accountContextKey contextKey = "account"

// Options configures a Server.
type Options struct {
	// JWTSecret verifies the tokens signing mutations. It is one secret
	// shared by every account: a token's sub claim names the acting account,
	// so any holder of the secret can act as any account.
	JWTSecret     string
	MaxUploadSize int64
	Logger        *zap.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	backend       backend.Backend
	broadcaster   *Broadcaster
	secret        []byte
	maxUploadSize int64
	log           *zap.Logger
}

// NewServer creates a new server.
func NewServer(b backend.Backend, broadcaster *Broadcaster, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Named("gateway")
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	return &Server{
		backend:       backend.Instrument(b),
		broadcaster:   broadcaster,
		secret:        []byte(opts.JWTSecret),
		maxUploadSize: opts.MaxUploadSize,
		log:           log,
	}
}

// Broadcaster returns the change broadcaster.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Reads
	mux.HandleFunc("GET /api/v1/tree/{path...}", s.handleList)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleDownload)
	mux.HandleFunc("GET /api/v1/roles/{role}/{account}", s.handleHasRole)
	mux.HandleFunc("GET /api/v1/space/{account}", s.handleAccountSpace)
	mux.HandleFunc("GET /api/v1/space", s.handleSpace)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Signed mutations
	mux.Handle("PUT /api/v1/tree/{path...}", s.signed(s.handleCreateDirectory))
	mux.Handle("DELETE /api/v1/tree/{path...}", s.signed(s.handleDeleteDirectory))
	mux.Handle("POST /api/v1/content/{path...}", s.signed(s.handleUpload))
	mux.Handle("DELETE /api/v1/content/{path...}", s.signed(s.handleDeleteFile))
	mux.Handle("POST /api/v1/roles/allocator/{account}", s.signed(s.handleGrantAllocator))
	mux.Handle("POST /api/v1/space/{account}", s.signed(s.handleReserve))

	return metrics.Middleware(logging.Middleware(mux))
}

// signed verifies the bearer token and stores the signing account in the
// request context.
func (s *Server) signed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tokenStr == "" {
			s.sendError(w, http.StatusUnauthorized, "missing signature", "not-authorized")
			return
		}
		claims, err := protocol.ParseToken(tokenStr, s.secret)
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid signature: "+err.Error(), "not-authorized")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, claims.Account)
		next(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) string {
	account, _ := ctx.Value(accountContextKey).(string)
	return account
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message, reason string) {
	s.sendJSON(w, code, protocol.ErrorResponse{Error: message, Code: code, Reason: reason})
}

// sendBackendError maps a backend error onto the wire.
func (s *Server) sendBackendError(w http.ResponseWriter, r *http.Request, err error) {
	code := protocol.StatusFor(err)
	reason := backend.Reason(err)
	if code >= 500 {
		logging.WithContext(r.Context()).Error("backend call failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if reason == backend.ReasonUnknown {
		reason = ""
	}
	s.sendError(w, code, err.Error(), reason)
}

func (s *Server) publish(t backend.ChangeType, path, account string) {
	s.broadcaster.Publish(backend.Change{Type: t, Path: path, Account: account})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	entries, err := s.backend.ListDirectory(r.Context(), p)
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.Descriptor{}
	}
	s.sendJSON(w, http.StatusOK, protocol.ListResponse{Path: p, Entries: entries})
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	stored, err := s.backend.CreateDirectory(r.Context(), account, r.PathValue("path"), "")
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.publish(backend.ChangeCreate, stored, account)
	s.sendJSON(w, http.StatusCreated, protocol.PathResponse{Path: stored})
}

func (s *Server) handleDeleteDirectory(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	p := r.PathValue("path")
	if err := s.backend.DeleteDirectory(r.Context(), account, p, ""); err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.publish(backend.ChangeDelete, p, account)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, err := s.backend.DownloadToBuffer(r.Context(), r.PathValue("path"))
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set(protocol.HeaderContentKeccak, protocol.Keccak256Hex(data))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	p := r.PathValue("path")

	body := r.Body
	if s.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.maxUploadSize), "quota")
			return
		}
		s.sendError(w, http.StatusBadRequest, "read body: "+err.Error(), "")
		return
	}

	digest := protocol.Keccak256Hex(data)
	if want := r.Header.Get(protocol.HeaderContentKeccak); want != "" && !strings.EqualFold(want, digest) {
		s.sendError(w, http.StatusBadRequest, "content digest mismatch", "")
		return
	}

	stored, err := s.backend.UploadFile(r.Context(), account, p, data, "")
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Debug("file uploaded",
		logging.Path(stored),
		zap.Int("size", len(data)),
		zap.String("type", mimetype.Detect(data).String()),
	)
	s.publish(backend.ChangeCreate, stored, account)
	s.sendJSON(w, http.StatusCreated, protocol.PathResponse{Path: stored, Size: int64(len(data)), Keccak: digest})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	p := r.PathValue("path")
	if err := s.backend.DeleteFile(r.Context(), account, p, ""); err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.publish(backend.ChangeDelete, p, account)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Roles ──────────────────────────────────────────────────────────────────

func (s *Server) handleHasRole(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	role := backend.Role(r.PathValue("role"))
	ok, err := s.backend.HasRole(r.Context(), account, role)
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.RoleResponse{Account: account, Role: role, Granted: ok})
}

func (s *Server) handleGrantAllocator(w http.ResponseWriter, r *http.Request) {
	admin := accountFrom(r.Context())
	target := r.PathValue("account")
	if err := s.backend.GrantAllocatorRole(r.Context(), admin, target, ""); err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.publish(backend.ChangeRoles, "", target)
	s.sendJSON(w, http.StatusOK, protocol.RoleResponse{Account: target, Role: backend.RoleAllocator, Granted: true})
}

// ─── Space ──────────────────────────────────────────────────────────────────

func (s *Server) handleAccountSpace(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	occupied, err := s.backend.OccupiedSpace(r.Context(), account)
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	reserved, err := s.backend.ReservedSpace(r.Context(), account)
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.AccountSpaceResponse{Account: account, Occupied: occupied, Reserved: reserved})
}

func (s *Server) handleSpace(w http.ResponseWriter, r *http.Request) {
	reserved, err := s.backend.TotalReservedSpace(r.Context())
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	total, err := s.backend.TotalSpace(r.Context())
	if err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SpaceResponse{TotalReserved: reserved, Total: total})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	admin := accountFrom(r.Context())
	target := r.PathValue("account")

	var req protocol.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := s.backend.ReserveSpace(r.Context(), admin, target, req.Amount, ""); err != nil {
		s.sendBackendError(w, r, err)
		return
	}
	s.publish(backend.ChangeSpace, "", target)
	w.WriteHeader(http.StatusNoContent)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			data, err := marshalChange(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data)
			flusher.Flush()
		}
	}
}
