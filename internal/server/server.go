// Package server exposes the canvas over HTTP: identity issuance, pixel
// writes, full-canvas reads, a websocket change feed, the client-facing
// sweep entry point (always rejected) and statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/identity"
	"github.com/dreamware/pixelcanvas/internal/reaper"
	"github.com/dreamware/pixelcanvas/internal/storage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeWait bounds each websocket write.
const writeWait = 10 * time.Second

// Sweeper is the reaper surface the server needs.
type Sweeper interface {
	Sweep(ctx context.Context, caller canvas.Identity) (reaper.SweepResult, error)
	Status() reaper.Status
}

// Authenticator verifies bearer tokens and mints new identities.
type Authenticator interface {
	Issue() (identity.Grant, error)
	Verify(token string) (canvas.Identity, error)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	store    storage.Store
	sweeper  Sweeper
	auth     Authenticator
	hub      *hub
	upgrader websocket.Upgrader
}

// New creates a server and registers it for store change notifications.
func New(store storage.Store, sweeper Sweeper, auth Authenticator) *Server {
	s := &Server{
		store:   store,
		sweeper: sweeper,
		auth:    auth,
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the canvas is public; any page may render it
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	store.SetOnChange(s.hub.publish)
	return s
}

// Handler returns the routed, request-logging handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Methods(http.MethodPost).Path("/v1/identity").HandlerFunc(s.handleIdentity)
	r.Methods(http.MethodPut).Path("/v1/pixels").HandlerFunc(s.authenticated(s.handleSetPixel))
	r.Methods(http.MethodGet).Path("/v1/pixels").HandlerFunc(s.handleListPixels)
	r.Methods(http.MethodGet).Path("/v1/pixels/subscribe").HandlerFunc(s.handleSubscribe)
	r.Methods(http.MethodPost).Path("/v1/sweep").HandlerFunc(s.authenticated(s.handleSweep))
	r.Methods(http.MethodGet).Path("/v1/stats").HandlerFunc(s.handleStats)

	return r
}

// Close disconnects all live subscribers.
func (s *Server) Close() {
	s.hub.close()
}

// SetPixelRequest is the body of PUT /v1/pixels.
type SetPixelRequest struct {
	X     *int32 `json:"x"`
	Y     *int32 `json:"y"`
	Color string `json:"color"`
}

// PixelsResponse is the body of GET /v1/pixels.
type PixelsResponse struct {
	Pixels []canvas.Pixel `json:"pixels"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Store  storage.StoreStats `json:"store"`
	Reaper reaper.Status      `json:"reaper"`
}

// Frame is one websocket message of the pixel feed.
type Frame struct {
	Pixel  *canvas.Pixel  `json:"pixel,omitempty"`
	Type   string         `json:"type"`
	Pixels []canvas.Pixel `json:"pixels,omitempty"`
}

// FrameSnapshot is the type of the first frame on a subscription.
const FrameSnapshot = "snapshot"

type identityKey struct{}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (canvas.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(canvas.Identity)
	return id, ok
}

// authenticated rejects requests without a valid bearer token and stores
// the caller's identity in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := s.auth.Verify(token)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	grant, err := s.auth.Issue()
	if err != nil {
		log.Printf("failed to issue identity: %v", err)
		http.Error(w, "failed to issue identity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleSetPixel(w http.ResponseWriter, r *http.Request) {
	var req SetPixelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad json: x and y must be 32-bit integers", http.StatusBadRequest)
		return
	}
	if req.X == nil || req.Y == nil {
		http.Error(w, "missing x/y", http.StatusBadRequest)
		return
	}

	if _, err := s.store.Set(r.Context(), *req.X, *req.Y, req.Color); err != nil {
		log.Printf("failed to set pixel (%d,%d): %v", *req.X, *req.Y, err)
		http.Error(w, "failed to set pixel", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPixels(w http.ResponseWriter, r *http.Request) {
	pixels, err := s.snapshot(r.Context())
	if err != nil {
		log.Printf("failed to list pixels: %v", err)
		http.Error(w, "failed to list pixels", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, PixelsResponse{Pixels: pixels})
}

// handleSweep is the client-reachable sweep entry point. Clients are never
// the scheduler, so the reaper rejects every call that arrives here.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	result, err := s.sweeper.Sweep(r.Context(), caller)
	if errors.Is(err, canvas.ErrNotScheduler) {
		log.Printf("rejected sweep from client %s", caller)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		log.Printf("failed to read stats: %v", err)
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Store: stats, Reaper: s.sweeper.Status()})
}

// handleSubscribe streams a snapshot followed by every committed change.
// The subscription is registered before the snapshot is read, so no change
// falls between the two; a change may appear in both, which readers apply
// idempotently.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade subscription: %v", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	pixels, err := s.snapshot(r.Context())
	if err != nil {
		log.Printf("failed to snapshot for subscription: %v", err)
		return
	}
	if err := writeFrame(conn, Frame{Type: FrameSnapshot, Pixels: pixels}); err != nil {
		return
	}

	// readers never send anything meaningful; reading detects disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case change, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"),
					time.Now().Add(writeWait))
				return
			}
			p := change.Pixel
			if err := writeFrame(conn, Frame{Type: string(change.Type), Pixel: &p}); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) snapshot(ctx context.Context) ([]canvas.Pixel, error) {
	seq, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	pixels := []canvas.Pixel{}
	for p := range seq {
		pixels = append(pixels, p)
	}
	slices.SortFunc(pixels, func(a, b canvas.Pixel) int {
		return strings.Compare(a.Key, b.Key)
	})
	return pixels, nil
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

// logRequests logs method, path, status and duration of every request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Printf("%s %s %d %v", r.Method, r.URL.Path, m.Code, m.Duration)
	})
}
