package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/RemindPipe/internal/cloudapi"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/go-chi/chi/v5"
)

// Operator listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// verifyWebhookHandler answers the Meta subscription handshake.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || s.opts.VerifyToken == "" || token != s.opts.VerifyToken {
		slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", mode, "tokenSet", token != "")
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid token"))
		return
	}
	writeTextResponse(w, http.StatusOK, challenge)
}

func (s *Server) cloudWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Body too large"))
		return
	}
	if s.opts.AppSecret != "" && !cloudapi.VerifySignature(s.opts.AppSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
		slog.Warn("Server.cloudWebhookHandler: invalid signature")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}
	n, err := s.opts.Cloud.HandleWebhook(body)
	if errors.Is(err, messaging.ErrEventsDropped) {
		slog.Warn("Server.cloudWebhookHandler: events dropped, asking for redelivery", "accepted", n, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Inbound queue full"))
		return
	}
	if err != nil {
		slog.Warn("Server.cloudWebhookHandler: bad payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	slog.Debug("Server.cloudWebhookHandler: accepted", "events", n)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

type createUserRequest struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Surname  string `json:"surname"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
	Language string `json:"language"`
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := messaging.CanonicalizePhone(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("name is required"))
		return
	}

	user := &models.User{
		ChannelID: phone,
		Name:      strings.TrimSpace(req.Name),
		Surname:   strings.TrimSpace(req.Surname),
		Email:     strings.TrimSpace(req.Email),
		Timezone:  strings.TrimSpace(req.Timezone),
		Language:  strings.TrimSpace(req.Language),
	}
	if err := user.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createUserHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create user"))
		return
	}
	slog.Info("Server.createUserHandler: user registered", "userID", user.ID, "timezone", user.Timezone)
	writeJSONResponse(w, http.StatusCreated, models.Created(user))
}

// userFromPath loads the {id} user, writing the error response itself.
func (s *Server) userFromPath(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid user id"))
		return nil, false
	}
	user, err := s.st.GetUser(id)
	if err != nil {
		slog.Error("Server.userFromPath: lookup failed", "userID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user"))
		return nil, false
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("user not found"))
		return nil, false
	}
	return user, true
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

func (s *Server) listRemindersHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	pendingOnly, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	reminders, err := s.st.ListReminders(user.ID, pendingOnly)
	if err != nil {
		slog.Error("Server.listRemindersHandler: list failed", "userID", user.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list reminders"))
		return
	}
	if reminders == nil {
		reminders = []models.Reminder{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reminders))
}

var jobStatuses = map[string]store.JobStatus{
	string(store.JobStatusQueued):   store.JobStatusQueued,
	string(store.JobStatusRunning):  store.JobStatusRunning,
	string(store.JobStatusDone):     store.JobStatusDone,
	string(store.JobStatusFailed):   store.JobStatusFailed,
	string(store.JobStatusCanceled): store.JobStatusCanceled,
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("job queue not available"))
		return
	}
	q := r.URL.Query()
	raw := q.Get("status")
	if raw == "" {
		raw = string(store.JobStatusFailed)
	}
	status, ok := jobStatuses[raw]
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("unknown job status"))
		return
	}
	limit := DefaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid limit"))
			return
		}
		limit = min(n, MaxListLimit)
	}
	jobs, err := s.jobs.ListJobs(status, limit)
	if err != nil {
		slog.Error("Server.listJobsHandler: list failed", "status", status, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list jobs"))
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(jobs))
}
