// Package httpapi is the REST façade over the store, the controller and
// the scheduler index. It does request parsing, UTC derivation at ingress
// and status-code mapping; every decision about firing lives elsewhere.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/localtime"
	"alarmd/internal/schedule"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// Controller is the slice of the lifecycle controller the façade drives.
type Controller interface {
	ApplyUpsert(a alarm.Alarm)
	ApplyRemove(codeID string)
	Reload(ctx context.Context) error
}

// TickSource exposes scheduler liveness for the health endpoint.
type TickSource interface {
	TickAge() time.Duration
}

const unhealthyTickAge = 5 * time.Second

type Config struct {
	Addr            string
	DefaultTimezone string
}

type Server struct {
	cfg   Config
	store storage.Store
	ctrl  Controller
	idx   *schedule.Index
	ticks TickSource
	log   logx.Logger

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, store storage.Store, ctrl Controller, idx *schedule.Index, ticks TickSource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, store: store, ctrl: ctrl, idx: idx, ticks: ticks, log: log}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /alarms", s.handleCreate)
	mux.HandleFunc("GET /alarms", s.handleList)
	mux.HandleFunc("GET /alarms/{code_id}", s.handleGet)
	mux.HandleFunc("PUT /alarms/{code_id}", s.handleUpdate)
	mux.HandleFunc("DELETE /alarms/{code_id}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /reload", s.handleReload)
	return mux
}

// Start begins serving. Listen errors (address in use) surface here rather
// than from the serve goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve stopped", logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---- request / response shapes ----

type alarmRequest struct {
	CodeID      string `json:"code_id"`
	Email       string `json:"email"`
	Time        string `json:"time"`
	Timezone    string `json:"timezone"`
	IsRecurring bool   `json:"is_recurring"`
	DaysOfWeek  string `json:"days_of_week"`
}

type alarmResponse struct {
	CodeID      string `json:"code_id"`
	Email       string `json:"email"`
	Time        string `json:"time"`
	UTCTime     string `json:"utc_time"`
	Timezone    string `json:"timezone"`
	IsRecurring bool   `json:"is_recurring"`
	DaysOfWeek  string `json:"days_of_week"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toResponse(a alarm.Alarm) alarmResponse {
	return alarmResponse{
		CodeID:      a.CodeID,
		Email:       a.Email,
		Time:        a.LocalTime.String(),
		UTCTime:     a.UTCTime.String(),
		Timezone:    a.Timezone,
		IsRecurring: a.Recurring,
		DaysOfWeek:  a.Days.String(),
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// ---- handlers ----

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	a, err := s.buildAlarm(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.Create(r.Context(), a)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "code_id already exists")
			return
		}
		s.log.Error("create failed", logx.String("code_id", a.CodeID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	s.ctrl.ApplyUpsert(created)

	writeJSON(w, http.StatusCreated, toResponse(created))
}

// buildAlarm parses and validates an incoming request, then derives the
// UTC wall clock against today's date in the alarm's zone.
func (s *Server) buildAlarm(req alarmRequest) (alarm.Alarm, error) {
	clock, err := localtime.ParseClock(req.Time)
	if err != nil {
		return alarm.Alarm{}, err
	}
	days, err := alarm.ParseDaySet(req.DaysOfWeek)
	if err != nil {
		return alarm.Alarm{}, err
	}
	zone := strings.TrimSpace(req.Timezone)
	if zone == "" {
		zone = s.cfg.DefaultTimezone
	}

	a := alarm.Alarm{
		CodeID:    strings.TrimSpace(req.CodeID),
		Email:     strings.TrimSpace(req.Email),
		LocalTime: clock,
		Timezone:  zone,
		Recurring: req.IsRecurring,
		Days:      days,
		Status:    alarm.StatusScheduled,
	}
	if err := a.Validate(); err != nil {
		return alarm.Alarm{}, err
	}

	loc, err := localtime.LoadZone(zone)
	if err != nil {
		return alarm.Alarm{}, err
	}
	today := localtime.DateOf(time.Now().In(loc))
	if a.UTCTime, err = localtime.LocalToUTC(clock, zone, today); err != nil {
		return alarm.Alarm{}, err
	}
	return a, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Get(r.Context(), r.PathValue("code_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alarm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(a))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	codeID := r.PathValue("code_id")

	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	req.CodeID = codeID
	a, err := s.buildAlarm(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.Update(r.Context(), codeID, storage.Patch{
		Email:     &a.Email,
		LocalTime: &a.LocalTime,
		UTCTime:   &a.UTCTime,
		Timezone:  &a.Timezone,
		Recurring: &a.Recurring,
		Days:      &a.Days,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alarm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	s.ctrl.ApplyUpsert(updated)

	writeJSON(w, http.StatusOK, toResponse(updated))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	codeID := r.PathValue("code_id")
	if err := s.store.Cancel(r.Context(), codeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alarm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	s.ctrl.ApplyRemove(codeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := storage.Filter{Email: r.URL.Query().Get("email")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := alarm.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}

	alarms, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	out := make([]alarmResponse, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, toResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status     string `json:"status"`
	AlarmCount int    `json:"alarm_count"`
	TickAgeMS  int64  `json:"tick_age_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		AlarmCount: s.idx.Len(),
		TickAgeMS:  s.ticks.TickAge().Milliseconds(),
	}

	status := http.StatusOK
	if resp.TickAgeMS > unhealthyTickAge.Milliseconds() {
		resp.Status = "stale_tick"
		status = http.StatusServiceUnavailable
	} else if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "store_unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.idx.SnapshotStats())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reload(r.Context()); err != nil {
		s.log.Error("reload failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"total_alarms": s.idx.Len(),
	})
}
