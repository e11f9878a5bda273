package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/antoniostano/fieldshare/internal/config"
	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/observability"
	"github.com/antoniostano/fieldshare/internal/protocol"
	"github.com/antoniostano/fieldshare/internal/sharing"
)

type Server struct {
	cfg      config.Config
	manager  *sharing.Manager
	source   location.Source
	notices  *NoticeHub
	metrics  *observability.Metrics
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *sharing.Manager, source location.Source, notices *NoticeHub, metrics *observability.Metrics, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if notices == nil {
		notices = NewNoticeHub()
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		source:  source,
		notices: notices,
		metrics: metrics,
		log:     logger.WithField("component", "httpapi"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Only same-origin or explicitly allowed browser pages may drive sharing.
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin. Allow them.
				return true
			}
			if s.originAllowed(origin) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/sharing", s.handleGetSharing)
	r.Get("/v1/sharing/position", s.handleGetPosition)
	r.Get("/v1/sharing/ws", s.handleSharingWS)
	r.Post("/v1/bookings/{id}/sharing/start", s.handleStartSharing)
	r.Post("/v1/bookings/{id}/sharing/stop", s.handleStopSharing)
	r.Get("/v1/location/current", s.handleCurrentLocation)
	r.Get("/v1/location/sessions", s.handleListSessions)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"location_supported": s.manager.Supported(),
		"sharing_active":     s.manager.IsActive(),
	})
}

func (s *Server) handleGetSharing(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, sharingStateOf(s.manager.Snapshot()))
}

func (s *Server) handleStartSharing(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_booking_id", "missing booking id")
		return
	}

	err := s.manager.StartSharing(id)
	switch {
	case errors.Is(err, sharing.ErrCapabilityUnavailable):
		respondError(w, http.StatusServiceUnavailable, sharing.CodeCapabilityUnavailable, "Location is not supported on this device")
		return
	case errors.Is(err, sharing.ErrInvalidBooking):
		respondError(w, http.StatusBadRequest, "invalid_booking_id", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sharingStateOf(s.manager.Snapshot()))
}

type stopFailedResponse struct {
	Error string                `json:"error"`
	Code  string                `json:"code"`
	State protocol.SharingState `json:"state"`
}

func (s *Server) handleStopSharing(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_booking_id", "missing booking id")
		return
	}

	err := s.manager.StopSharing(r.Context(), id)
	var ackErr *sharing.StopAckError
	if errors.As(err, &ackErr) {
		respondJSON(w, http.StatusBadGateway, stopFailedResponse{
			Error: "Failed to stop location sharing",
			Code:  sharing.CodeStopAckFailed,
			State: sharingStateOf(s.manager.Snapshot()),
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sharingStateOf(s.manager.Snapshot()))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, _ *http.Request) {
	snap := s.manager.Snapshot()
	if snap.LastPosition == nil {
		respondError(w, http.StatusNotFound, "no_position", "no position has been shared yet")
		return
	}
	feature := positionFeature(snap.BookingID, *snap.LastPosition)
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(feature)
}

func (s *Server) handleCurrentLocation(w http.ResponseWriter, r *http.Request) {
	opts := s.watchOptions()
	wait := opts.Timeout + 5*time.Second
	if opts.Timeout <= 0 {
		wait = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	sample, err := location.Locate(ctx, s.source, opts)
	if err != nil {
		status, code := locateErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, positionOf(sample))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.RefreshActiveSessions(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "sessions_unavailable", "failed to fetch active sessions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": sessions})
}

func (s *Server) watchOptions() location.Options {
	return location.Options{
		HighAccuracy: s.cfg.WatchHighAccuracy,
		Timeout:      s.cfg.WatchTimeout,
		MaximumAge:   s.cfg.WatchMaximumAge,
	}
}

func locateErrorStatus(err error) (int, string) {
	var fixErr *location.FixError
	if errors.As(err, &fixErr) {
		switch fixErr.Code {
		case location.Unsupported:
			return http.StatusServiceUnavailable, sharing.CodeCapabilityUnavailable
		case location.PermissionDenied:
			return http.StatusForbidden, "permission_denied"
		case location.Timeout:
			return http.StatusGatewayTimeout, "location_timeout"
		default:
			return http.StatusServiceUnavailable, "position_unavailable"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "location_timeout"
	}
	return http.StatusInternalServerError, "internal"
}

const mpsToKmh = 3.6

func positionOf(s location.Sample) *protocol.Position {
	p := &protocol.Position{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Heading:   s.Heading,
		Accuracy:  s.Accuracy,
	}
	if s.Speed != nil {
		kmh := *s.Speed * mpsToKmh
		p.SpeedKmh = &kmh
	}
	if !s.Timestamp.IsZero() {
		p.TSMs = s.Timestamp.UnixMilli()
	}
	return p
}

func sharingStateOf(snap sharing.Snapshot) protocol.SharingState {
	state := protocol.SharingState{
		Type:      protocol.TypeSharingState,
		Active:    snap.Active,
		BookingID: snap.BookingID,
		LastError: snap.LastError,
	}
	if snap.LastPosition != nil {
		state.LastPosition = positionOf(*snap.LastPosition)
	}
	if !snap.StartedAt.IsZero() {
		state.StartedAtMs = snap.StartedAt.UnixMilli()
	}
	if !snap.UpdatedAt.IsZero() {
		state.UpdatedAtMs = snap.UpdatedAt.UnixMilli()
	}
	return state
}

// positionFeature renders a sample as a GeoJSON Point feature in lon/lat order.
func positionFeature(bookingID string, s location.Sample) *geojson.Feature {
	props := map[string]any{
		"booking_id": bookingID,
	}
	p := positionOf(s)
	if p.Heading != nil {
		props["heading"] = *p.Heading
	}
	if p.SpeedKmh != nil {
		props["speed_kmh"] = *p.SpeedKmh
	}
	if p.Accuracy != nil {
		props["accuracy"] = *p.Accuracy
	}
	if p.TSMs != 0 {
		props["ts_ms"] = p.TSMs
	}
	return &geojson.Feature{
		Geometry:   geom.NewPointFlat(geom.XY, []float64{s.Longitude, s.Latitude}),
		Properties: props,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
