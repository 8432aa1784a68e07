package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"getitdone/internal/config"
	"getitdone/internal/database"
	"getitdone/internal/domain"
	"getitdone/internal/engine"
	"getitdone/internal/metrics"
	"getitdone/internal/models"
	"getitdone/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const healthPath = "/healthz"

// Tasks is the intent surface behind the task endpoints.
type Tasks interface {
	List(ctx context.Context, includePendingDeletes bool) ([]models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	Create(ctx context.Context, in service.TaskInput) (*models.Task, error)
	Edit(ctx context.Context, id string, in service.TaskInput) (*models.Task, error)
	ToggleComplete(ctx context.Context, id string) (*models.Task, error)
	SetLate(ctx context.Context, id string, late bool) (*models.Task, error)
	Delete(ctx context.Context, id string) error
}

// Sync controls the sync session.
type Sync interface {
	SyncNow(ctx context.Context) (engine.SyncResult, error)
	SignIn(ctx context.Context, owner, token string) error
	SignOut(ctx context.Context)
	Online() bool
	Session() domain.Session
}

type Devices interface {
	RegisterDevice(ctx context.Context, reg models.DeviceRegistration) (*models.QueueItem, error)
	UnregisterDevice(ctx context.Context, deviceID string) (*models.QueueItem, error)
}

// Store supplies settings and queue statistics.
type Store interface {
	domain.SettingsStore
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// HTTPServer exposes the local intent API.
type HTTPServer struct {
	cfg     config.APIConfig
	tasks   Tasks
	sync    Sync
	devices Devices
	store   Store
	server  *http.Server
	auth    *HTTPAuth
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, tasks Tasks, sync Sync, devices Devices, store Store, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "api").Logger()

	srv := &HTTPServer{
		cfg:     cfg,
		tasks:   tasks,
		sync:    sync,
		devices: devices,
		store:   store,
		auth:    NewHTTPAuth(cfg),
		logger:  &l,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the routed handler with auth and request logging applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, s.handleHealth)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.handleEditTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.handleToggleComplete)
	mux.HandleFunc("POST /api/v1/tasks/{id}/late", s.handleSetLate)
	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("POST /api/v1/session", s.handleSignIn)
	mux.HandleFunc("DELETE /api/v1/session", s.handleSignOut)
	mux.HandleFunc("POST /api/v1/devices", s.handleRegisterDevice)
	mux.HandleFunc("DELETE /api/v1/devices", s.handleUnregisterDevice)
	mux.HandleFunc("GET /api/v1/queue/stats", s.handleQueueStats)

	return loggingMiddleware(s.logger, s.auth.Wrap(mux))
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess := s.sync.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"online":        s.sync.Online(),
		"authenticated": sess.IsAuthenticated(),
		"owner_id":      sess.OwnerID(),
	})
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	all := strings.EqualFold(r.URL.Query().Get("all"), "true")
	tasks, err := s.tasks.List(r.Context(), all)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in service.TaskInput
	if !decodeBody(w, r, &in) {
		return
	}
	t, err := s.tasks.Create(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *HTTPServer) handleEditTask(w http.ResponseWriter, r *http.Request) {
	var in service.TaskInput
	if !decodeBody(w, r, &in) {
		return
	}
	t, err := s.tasks.Edit(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleToggleComplete(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.ToggleComplete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleSetLate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Late bool `json:"late"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.tasks.SetLate(r.Context(), r.PathValue("id"), body.Late)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.SyncNow(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Manual sync failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := map[string]any{
		"skipped":    res.Pass.Skipped,
		"created":    res.Pass.Created,
		"updated":    res.Pass.Updated,
		"deleted":    res.Pass.Deleted,
		"failed":     res.Pass.Failed,
		"duplicates": res.Pass.Duplicates,
		"fetched":    res.Fetched,
		"merged":     res.Merged,
	}
	if res.Pass.Skipped {
		resp["skip_reason"] = res.Pass.SkipReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.UserID = strings.TrimSpace(body.UserID)
	body.AccessToken = strings.TrimSpace(body.AccessToken)
	if body.UserID == "" || body.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "user_id and access_token are required")
		return
	}

	if err := s.sync.SignIn(r.Context(), body.UserID, body.AccessToken); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": body.UserID, "online": s.sync.Online()})
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.sync.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var reg models.DeviceRegistration
	if !decodeBody(w, r, &reg) {
		return
	}
	if strings.TrimSpace(reg.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if reg.DeviceID == "" {
		reg.DeviceID = s.deviceID(r.Context())
	}

	item, err := s.devices.RegisterDevice(r.Context(), reg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.store.SetSetting(r.Context(), models.SettingDeviceID, reg.DeviceID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to store device id")
	}
	writeQueueResult(w, reg.DeviceID, item)
}

func (s *HTTPServer) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" {
		if stored, err := s.store.GetSetting(r.Context(), models.SettingDeviceID); err == nil && stored != nil {
			body.DeviceID = *stored
		}
	}
	if body.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	item, err := s.devices.UnregisterDevice(r.Context(), body.DeviceID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeQueueResult(w, body.DeviceID, item)
}

// deviceID returns the stored device id, generating one on first use.
func (s *HTTPServer) deviceID(ctx context.Context) string {
	if stored, err := s.store.GetSetting(ctx, models.SettingDeviceID); err == nil && stored != nil && *stored != "" {
		return *stored
	}
	return uuid.NewString()
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, service.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeQueueResult reports 200 when the call went through and 202 when it
// was queued for retry.
func writeQueueResult(w http.ResponseWriter, deviceID string, item *models.QueueItem) {
	if item == nil {
		writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "queued": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id":     deviceID,
		"queued":        true,
		"queue_item_id": item.ID,
		"next_retry_at": item.NextRetryAt,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
