package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"klikocal/internal/config"
	"klikocal/internal/ics"
	"klikocal/internal/kliko"
	appLog "klikocal/internal/log"
	"klikocal/internal/model"
	"klikocal/internal/refresh"
)

// Pickups is the read side of the refresher plus a manual trigger.
type Pickups interface {
	Ready() bool
	Events(rangeStart, rangeEnd time.Time) []model.PickupEvent
	NextEvent(now time.Time) (model.PickupEvent, bool)
	Status() refresh.Status
	Refresh(ctx context.Context) error
}

// CalendarReader reads back what has been written to the target calendar.
type CalendarReader interface {
	Events(rangeStart, rangeEnd time.Time) (ics.ExpandResult, error)
}

// Server provides the HTTP query API over the cached pickup events.
type Server struct {
	cfg      config.Config
	loc      *time.Location
	pickups  Pickups
	calendar CalendarReader
	mux      *http.ServeMux

	now func() time.Time

	// /api/calendar re-parses the calendar file, so responses are cached
	// briefly per requested window.
	calendarMu    sync.RWMutex
	calendarCache map[int]*calendarCache
}

// NewServer constructs a new Server. calendar may be nil when no target
// calendar is configured.
func NewServer(cfg config.Config, loc *time.Location, pickups Pickups, calendar CalendarReader) *Server {
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		cfg:           cfg,
		loc:           loc,
		pickups:       pickups,
		calendar:      calendar,
		mux:           http.NewServeMux(),
		now:           time.Now,
		calendarCache: make(map[int]*calendarCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password counts as disabled.
func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="klikocal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("HTTP server shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/next", s.handleNext)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/calendar", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pickupDTO is the JSON view of a pickup event.
type pickupDTO struct {
	Key          string    `json:"key"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description,omitempty"`
	FractionID   int       `json:"fraction_id"`
	FractionName string    `json:"fraction_name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

func toDTO(ev model.PickupEvent) pickupDTO {
	return pickupDTO{
		Key:          ev.Key().String(),
		Summary:      ev.Summary,
		Description:  ev.Description,
		FractionID:   ev.FractionID,
		FractionName: ev.FractionName,
		Start:        ev.Start,
		End:          ev.End,
	}
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events     []pickupDTO `json:"events"`
	RangeStart time.Time   `json:"range_start"`
	RangeEnd   time.Time   `json:"range_end"`
	TimeZone   string      `json:"timezone"`
}

// handleEvents returns the cached events overlapping a window.
//
// GET /api/events?start=2024-03-01T00:00:00Z&end=2024-04-01T00:00:00Z
//   - start: RFC3339, default now minus one day
//   - end:   RFC3339, default now plus the sync horizon
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) || !s.requireReady(w) {
		return
	}

	now := s.now().In(s.loc)
	q := r.URL.Query()
	rangeStart, err := parseTimeDefault(q.Get("start"), now.AddDate(0, 0, -1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	rangeEnd, err := parseTimeDefault(q.Get("end"), now.AddDate(0, 0, s.horizonDays()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if rangeEnd.Before(rangeStart) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	events := s.pickups.Events(rangeStart, rangeEnd)
	dtos := make([]pickupDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toDTO(ev))
	}

	appLog.Debug("api events request",
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"count", len(dtos),
	)

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     dtos,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		TimeZone:   s.loc.String(),
	})
}

// handleNext returns the next pickup, or 204 when there is none.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) || !s.requireReady(w) {
		return
	}
	ev, ok := s.pickups.NextEvent(s.now())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(ev))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.pickups.Status())
}

// refreshResponse is the JSON response shape for /api/refresh.
type refreshResponse struct {
	Status refresh.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
	Cause  string         `json:"cause,omitempty"`
}

// handleRefresh runs one cycle synchronously. A failed cycle answers 502
// with the cause; the previously cached events are still served.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	appLog.Info("manual refresh requested", "remote", r.RemoteAddr)
	err := s.pickups.Refresh(r.Context())
	resp := refreshResponse{Status: s.pickups.Status()}
	if err != nil {
		resp.Error = err.Error()
		resp.Cause = cause(err)
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func cause(err error) string {
	switch {
	case errors.Is(err, kliko.ErrAuth):
		return "auth"
	case errors.Is(err, kliko.ErrAPI):
		return "api"
	default:
		return "unknown"
	}
}

// calendarResponse is the JSON response shape for /api/calendar.
type calendarResponse struct {
	Occurrences   []occurrenceDTO `json:"occurrences"`
	TruncatedUIDs []string        `json:"truncated_uids,omitempty"`
	RangeStart    time.Time       `json:"range_start"`
	RangeEnd      time.Time       `json:"range_end"`
	TimeZone      string          `json:"timezone"`
}

// calendarCache holds a cached /api/calendar response and its timestamp.
type calendarCache struct {
	resp      calendarResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of a stored calendar occurrence.
type occurrenceDTO struct {
	CalendarID  string    `json:"calendar_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

const (
	calendarCacheTTL = 30 * time.Second

	// maxCalendarDays caps the /api/calendar window.
	maxCalendarDays = 366
)

// handleCalendar returns what the target calendar file currently holds.
//
// GET /api/calendar?days=14
//   - days: how many days ahead of today to include (default: horizon,
//     at most maxCalendarDays)
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.calendar == nil {
		writeError(w, http.StatusNotFound, "no target calendar configured")
		return
	}

	days := parseIntDefault(r.URL.Query().Get("days"), s.horizonDays())
	if days <= 0 {
		days = s.horizonDays()
	}
	if days > maxCalendarDays {
		days = maxCalendarDays
	}

	now := s.now().In(s.loc)

	s.calendarMu.RLock()
	cc := s.calendarCache[days]
	s.calendarMu.RUnlock()
	if cc != nil && now.Sub(cc.updatedAt) < calendarCacheTTL {
		writeJSON(w, http.StatusOK, cc.resp)
		return
	}

	rangeStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	rangeEnd := rangeStart.AddDate(0, 0, days)

	result, err := s.calendar.Events(rangeStart, rangeEnd)
	if err != nil {
		appLog.Error("api calendar: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendar")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(result.Occurrences))
	for _, occ := range result.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			CalendarID:  occ.CalendarID,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}

	resp := calendarResponse{
		Occurrences:   dtos,
		TruncatedUIDs: result.TruncatedEvents,
		RangeStart:    rangeStart,
		RangeEnd:      rangeEnd,
		TimeZone:      s.loc.String(),
	}

	s.calendarMu.Lock()
	for d, c := range s.calendarCache {
		if now.Sub(c.updatedAt) >= calendarCacheTTL {
			delete(s.calendarCache, d)
		}
	}
	s.calendarCache[days] = &calendarCache{resp: resp, updatedAt: now}
	s.calendarMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) horizonDays() int {
	if s.cfg.HorizonDays > 0 {
		return s.cfg.HorizonDays
	}
	return config.DefaultHorizonDays
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// requireReady answers 503 until the first cycle has succeeded.
func (s *Server) requireReady(w http.ResponseWriter) bool {
	if s.pickups.Ready() {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "not ready: no successful refresh yet")
	return false
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseTimeDefault(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
