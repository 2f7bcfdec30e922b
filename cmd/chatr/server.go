package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/metrics"
	"chatr/internal/middleware"
	"chatr/internal/models"
	"chatr/internal/notify"
	"chatr/internal/service"
	"chatr/internal/tracing"
	"chatr/pkg/circuitbreaker"
)

// Pinger reports whether local storage is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityControl is the network monitor as seen by the control API.
type ConnectivityControl interface {
	Online() bool
	SetOnline(online bool)
}

// ServerDeps are the components the control API drives.
type ServerDeps struct {
	Config   *models.Config
	Sessions *service.SessionManager
	Toasts   *notify.ToastCenter
	Network  ConnectivityControl
	Metrics  *metrics.Registry
	Storage  Pinger
	Realtime interface{ Connected() bool }
	Breaker  func() circuitbreaker.Stats
	Logger   *logrus.Logger
}

type Server struct {
	router *mux.Router
	deps   ServerDeps
	logger *logrus.Logger
	server *http.Server
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: deps.Logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger, s.deps.Metrics))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/session", s.handleLogin()).Methods(http.MethodPost)
	v1.HandleFunc("/session", s.handleLogout()).Methods(http.MethodDelete)

	v1.HandleFunc("/messages", s.handleSend()).Methods(http.MethodPost)
	v1.HandleFunc("/messages/direct", s.handleSendDirect()).Methods(http.MethodPost)
	v1.HandleFunc("/queue", s.handleQueue()).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleClearQueue()).Methods(http.MethodDelete)
	v1.HandleFunc("/delivery/status", s.handleDeliveryStatus()).Methods(http.MethodGet)

	v1.HandleFunc("/toasts", s.handleToasts()).Methods(http.MethodGet)
	v1.HandleFunc("/toasts/{id}/actions/{action}", s.handleToastAction()).Methods(http.MethodPost)
	v1.HandleFunc("/toasts/{id}", s.handleDismissToast()).Methods(http.MethodDelete)

	v1.HandleFunc("/network", s.handleNetwork()).Methods(http.MethodPut)
	v1.HandleFunc("/focus", s.handleFocus()).Methods(http.MethodPut)
	v1.HandleFunc("/conversation", s.handleConversation()).Methods(http.MethodPut)
	v1.HandleFunc("/presence", s.handlePresence()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	cfg := s.deps.Config.Server
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting control API on port %d", cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status    string                `json:"status"`
	Database  string                `json:"database"`
	Online    bool                  `json:"online"`
	Realtime  bool                  `json:"realtime"`
	LoggedIn  bool                  `json:"loggedIn"`
	Backend   *circuitbreaker.Stats `json:"backend,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "ok",
			Database:  "ok",
			Online:    s.deps.Network.Online(),
			LoggedIn:  s.deps.Sessions.Current() != nil,
			Timestamp: time.Now().UTC(),
		}
		if s.deps.Realtime != nil {
			resp.Realtime = s.deps.Realtime.Connected()
		}
		if s.deps.Breaker != nil {
			stats := s.deps.Breaker()
			resp.Backend = &stats
		}

		status := http.StatusOK
		if s.deps.Storage != nil {
			if err := s.deps.Storage.Ping(r.Context()); err != nil {
				s.logger.WithError(err).Warn("Health check: database unavailable")
				resp.Status = "degraded"
				resp.Database = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		s.writeJSON(w, r, status, resp)
	}
}

type loginRequest struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		session, err := s.deps.Sessions.Login(r.Context(), models.Identity{
			UserID:      req.UserID,
			AccessToken: req.AccessToken,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, map[string]interface{}{
			"userId":  session.Identity().UserID,
			"pending": len(session.Queue()),
		})
	}
}

func (s *Server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Sessions.Logout(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSend() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		var draft models.MessageDraft
		if err := s.decode(w, r, &draft); err != nil {
			s.writeError(w, r, err)
			return
		}
		msg, err := session.Send(r.Context(), draft)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, msg)
	})
}

func (s *Server) handleSendDirect() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		var draft models.MessageDraft
		if err := s.decode(w, r, &draft); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := session.SendDirect(r.Context(), draft); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, map[string]string{"status": constants.OutboundMessageStatus})
	})
}

func (s *Server) handleQueue() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"messages": session.Queue(),
		})
	})
}

func (s *Server) handleClearQueue() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		if err := session.ClearQueue(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleDeliveryStatus() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		s.writeJSON(w, r, http.StatusOK, session.Status())
	})
}

func (s *Server) handleToasts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"toasts": s.deps.Toasts.List(),
		})
	}
}

func (s *Server) handleToastAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := s.deps.Toasts.Invoke(r.Context(), vars["id"], vars["action"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDismissToast() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.deps.Toasts.Dismiss(id) {
			s.writeError(w, r, apperrors.NewNotFoundError("toast", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleNetwork() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online *bool `json:"online"`
		}
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Online == nil {
			s.writeError(w, r, apperrors.NewValidationError("online", "", "online is required"))
			return
		}
		s.deps.Network.SetOnline(*req.Online)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleFocus() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		var req struct {
			Focused *bool `json:"focused"`
		}
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Focused == nil {
			s.writeError(w, r, apperrors.NewValidationError("focused", "", "focused is required"))
			return
		}
		session.Presenter().SetFocused(*req.Focused)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleConversation() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		var req struct {
			ConversationID string `json:"conversationId"`
		}
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		session.Presenter().SetActiveConversation(req.ConversationID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handlePresence() http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, session *service.Session) {
		snapshot := session.Presence()
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"online":  snapshot.UserIDs(),
			"takenAt": snapshot.TakenAt,
		})
	})
}

func (s *Server) withSession(fn func(http.ResponseWriter, *http.Request, *service.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := s.deps.Sessions.Current()
		if session == nil {
			s.writeError(w, r, apperrors.NewAuthError("no active session").
				WithUserMessage("Log in first"))
			return
		}
		fn(w, r, session)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body").
			WithUserMessage("Request body must be valid JSON")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).WithField(service.LogFieldRequestID, tracing.GetRequestID(r.Context())).
			Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		apperrors.WrapLogger(s.logger).LogError(err, "Request failed", logrus.Fields{
			service.LogFieldRequestID: requestID,
		})
	}
	s.writeJSON(w, r, status, apperrors.ToHTTPResponse(err, requestID))
}
