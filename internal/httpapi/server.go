package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/afero"

	"github.com/opusmixd/opusmixd/internal/stream"
	"github.com/opusmixd/opusmixd/internal/webrtctap"
)

var streamIDPattern = "([0-9A-Za-z]+)"

// Server wires the Stream Registry, the WebRTC Tap, and static file
// serving into the route table spec.md §4.6 defines, plus the added
// status and webrtc offer routes.
type Server struct {
	registry          *stream.Registry
	webrtc            *webrtctap.Handler
	staticFS          afero.Fs
	advanceSeconds    float64
	defaultBitrateBps int
	logger            *slog.Logger

	router *Router
}

// NewServer constructs a Server and registers every route. staticFS is
// searched for index.html at its root when serving GET / and GET
// /index.html. Every stream created via POST /stream/create targets
// defaultBitrateBps.
func NewServer(registry *stream.Registry, webrtc *webrtctap.Handler, staticFS afero.Fs, advanceSeconds float64, defaultBitrateBps int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:          registry,
		webrtc:            webrtc,
		staticFS:          staticFS,
		advanceSeconds:    advanceSeconds,
		defaultBitrateBps: defaultBitrateBps,
		logger:            logger,
	}
	s.router = NewRouter(logger)
	s.registerRoutes()
	return s
}

// ServeHTTP lets Server itself be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.Handle(http.MethodGet, `^/(?:index\.html)?$`, s.handleIndex)
	s.router.Handle(http.MethodPost, `^/stream/create$`, s.handleCreate)
	s.router.Handle(http.MethodPost, `^/stream/`+streamIDPattern+`/append$`, s.handleAppend)
	s.router.Handle(http.MethodPost, `^/stream/`+streamIDPattern+`/advance$`, s.handleAdvance)
	s.router.Handle(http.MethodPost, `^/stream/`+streamIDPattern+`/destroy$`, s.handleDestroy)
	s.router.Handle(http.MethodGet, `^/stream/`+streamIDPattern+`/status$`, s.handleStatus)
	s.router.Handle(http.MethodPost, `^/stream/`+streamIDPattern+`/webrtc/offer$`, s.handleWebRTCOffer)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ []string) {
	f, err := s.staticFS.Open("index.html")
	if err != nil {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, f)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ []string) {
	id, err := s.registry.Create(s.defaultBitrateBps)
	if err != nil {
		s.logger.Error("create stream failed", "err", err)
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, id)
}

type appendRequest struct {
	Filename      string  `json:"filename"`
	OffsetSeconds float64 `json:"offset_seconds"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, matches []string) {
	id := matches[1]

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		WriteError(w, http.StatusBadRequest, "Invalid query")
		return
	}

	if err := s.registry.Append(id, req.Filename, req.OffsetSeconds); err != nil {
		s.writeStreamError(w, err)
		return
	}
	WriteOK(w, "Appended file "+req.Filename)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request, matches []string) {
	id := matches[1]

	w.Header().Set("Content-Type", "audio/webm")
	if err := s.registry.Advance(id, s.advanceSeconds, w); err != nil {
		s.writeStreamError(w, err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request, matches []string) {
	id := matches[1]
	if err := s.registry.Destroy(id); err != nil {
		s.writeStreamError(w, err)
		return
	}
	WriteOK(w, "Stream successfully erased")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, matches []string) {
	id := matches[1]
	status, err := s.registry.Status(id)
	if err != nil {
		s.writeStreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request, matches []string) {
	id := matches[1]
	str, err := s.registry.Get(id)
	if err != nil {
		s.writeStreamError(w, err)
		return
	}
	s.webrtc.ServeOffer(str, w, r)
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	var nf *stream.NotFoundError
	if errors.As(err, &nf) {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Stream id %q not found", nf.ID))
		return
	}
	s.logger.Error("stream operation failed", "err", err)
	WriteError(w, http.StatusInternalServerError, "Internal server error")
}
