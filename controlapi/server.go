// Package controlapi exposes the daemon to local frontends over HTTP: device
// listing, pairing decisions, packet injection, file sharing and a websocket
// event stream.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"connectd/metrics"
	"connectd/models"
	"connectd/network"
	"connectd/plugins"
	"connectd/protocol"
	"connectd/storage"
)

const (
	requestTimeout  = 20 * time.Second
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// Daemon is the device manager surface the API drives. *network.Manager
// implements it.
type Daemon interface {
	Identity() protocol.Identity
	Devices() []models.Device
	Device(deviceID string) (models.Device, error)
	Plugin(deviceID, name string) (plugins.Plugin, error)
	Connect(ctx context.Context, deviceID string) error
	ConnectAddress(ctx context.Context, address string) (string, error)
	Disconnect(deviceID string) error
	RequestPairing(deviceID string) error
	AcceptPairing(deviceID string) error
	RejectPairing(deviceID string) error
	Unpair(deviceID string) error
	SendPacket(deviceID string, pkt protocol.Packet) error
	SendFile(ctx context.Context, deviceID, path string) (string, error)
	Subscribe() (<-chan network.Event, func())
}

// History is the read side of the persistent store. It is optional.
type History interface {
	GetSecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
	ListTransfers(deviceID string, limit int) ([]storage.Transfer, error)
}

// Options configures a Server.
type Options struct {
	Address string
	Daemon  Daemon
	History History
	Logger  zerolog.Logger
}

// Server is the local HTTP control API.
type Server struct {
	daemon  Daemon
	history History
	logger  zerolog.Logger
	address string

	// ctx outlives individual requests; background shares run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Server. Call Handler for tests or Run to serve.
func New(opts Options) (*Server, error) {
	if opts.Daemon == nil {
		return nil, errors.New("control api daemon is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		daemon:  opts.Daemon,
		history: opts.History,
		logger:  opts.Logger.With().Str("component", "controlapi").Logger(),
		address: opts.Address,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Handler returns the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/events", s.events)

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(requestTimeout))
		api.Use(s.guardMutations)

		api.Get("/identity", s.identity)
		api.Get("/devices", s.listDevices)
		api.Post("/devices", s.connectAddress)
		api.Route("/devices/{id}", func(device chi.Router) {
			device.Get("/", s.getDevice)
			device.Post("/connect", s.connect)
			device.Post("/disconnect", s.action(s.daemon.Disconnect))
			device.Post("/pair", s.action(s.daemon.RequestPairing))
			device.Post("/accept", s.action(s.daemon.AcceptPairing))
			device.Post("/reject", s.action(s.daemon.RejectPairing))
			device.Post("/unpair", s.action(s.daemon.Unpair))
			device.Post("/packets", s.sendPacket)
			device.Post("/ping", s.ping)
			device.Post("/share", s.share)
			device.Get("/transfers", s.listTransfers)
		})
		api.Get("/security-events", s.securityEvents)
	})
	return r
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then shuts down and stops
// background shares.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	defer s.cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("control api listening")

	select {
	case <-ctx.Done():
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) identity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Identity())
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.daemon.Devices()})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.daemon.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) connectAddress(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, _, err := net.SplitHostPort(req.Address); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", "address must be host:port")
		return
	}
	deviceID, err := s.daemon.ConnectAddress(r.Context(), req.Address)
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID})
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Connect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// action adapts a device-id operation into a handler.
func (s *Server) action(op func(deviceID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(chi.URLParam(r, "id")); err != nil {
			writeDaemonError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}
}

type packetRequest struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (s *Server) sendPacket(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == protocol.TypeIdentity || req.Type == protocol.TypePair {
		writeError(w, http.StatusBadRequest, "reserved_type", "identity and pair packets are managed by the daemon")
		return
	}
	pkt, err := protocol.NewPacket(req.Type, req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_packet", err.Error())
		return
	}
	if err := s.daemon.SendPacket(chi.URLParam(r, "id"), pkt); err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": pkt.ID})
}

type pingRequest struct {
	Message string `json:"message"`
}

type pinger interface {
	Send(message string) error
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	plugin, err := s.daemon.Plugin(chi.URLParam(r, "id"), "ping")
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	p, ok := plugin.(pinger)
	if !ok {
		writeError(w, http.StatusNotImplemented, "unsupported", "ping plugin cannot send")
		return
	}
	if err := p.Send(req.Message); err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type shareRequest struct {
	Path string `json:"path,omitempty"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type textSharer interface {
	SendText(text string) error
	SendURL(url string) error
}

// share sends text and links inline. Files are offered in the background and
// report progress on the event stream.
func (s *Server) share(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	var req shareRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.Path != "":
		info, err := os.Stat(req.Path)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "invalid_path", "path must name a readable file")
			return
		}
		if _, err := s.daemon.Plugin(deviceID, "share"); err != nil {
			writeDaemonError(w, err)
			return
		}
		go func() {
			transferID, err := s.daemon.SendFile(s.ctx, deviceID, req.Path)
			if err != nil {
				s.logger.Warn().Err(err).Str("device_id", deviceID).Str("transfer_id", transferID).Msg("file share failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case req.Text != "" || req.URL != "":
		plugin, err := s.daemon.Plugin(deviceID, "share")
		if err != nil {
			writeDaemonError(w, err)
			return
		}
		sharer, ok := plugin.(textSharer)
		if !ok {
			writeError(w, http.StatusNotImplemented, "unsupported", "share plugin cannot send text")
			return
		}
		if req.Text != "" {
			err = sharer.SendText(req.Text)
		} else {
			err = sharer.SendURL(req.URL)
		}
		if err != nil {
			writeDaemonError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusBadRequest, "empty_share", "one of path, text or url is required")
	}
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_unavailable", "no store configured")
		return
	}
	items, err := s.history.ListTransfers(chi.URLParam(r, "id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) securityEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_unavailable", "no store configured")
		return
	}
	query := r.URL.Query()
	items, err := s.history.GetSecurityEvents(storage.SecurityEventFilter{
		EventType: strings.TrimSpace(query.Get("type")),
		DeviceID:  strings.TrimSpace(query.Get("device_id")),
		Severity:  strings.TrimSpace(query.Get("severity")),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Int("bytes", wrapped.BytesWritten()).
			Dur("duration", time.Since(startedAt)).
			Msg("http request")
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return false
	}
	return true
}

func writeDaemonError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, network.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "unknown_device", err.Error())
	case errors.Is(err, network.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, network.ErrNotPaired):
		writeError(w, http.StatusConflict, "not_paired", err.Error())
	case errors.Is(err, network.ErrNoPendingRequest):
		writeError(w, http.StatusConflict, "no_pending_request", err.Error())
	case errors.Is(err, network.ErrUntrustedCertificate), errors.Is(err, network.ErrIdentityMismatch):
		writeError(w, http.StatusForbidden, "untrusted_peer", err.Error())
	case errors.Is(err, network.ErrTransport):
		writeError(w, http.StatusBadGateway, "transport_error", err.Error())
	case errors.Is(err, network.ErrManagerStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
