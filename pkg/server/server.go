package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/artifacts"
	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/config"
	"github.com/sdrctf/challengectl/pkg/engine"
	"github.com/sdrctf/challengectl/pkg/enroll"
	"github.com/sdrctf/challengectl/pkg/events"
	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/recording"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// Server wires the HTTP surface over the domain components. No business
// logic lives here; handlers unwrap the envelope, call a procedure, and
// render the result.
type Server struct {
	cfg         *config.Config
	store       *storage.Store
	engine      *engine.Engine
	coordinator *recording.Coordinator
	artifacts   *artifacts.Store
	enroll      *enroll.Service
	auth        *auth.Authenticator
	hub         *events.Hub
	logs        *LogRing
	logger      zerolog.Logger

	loginLimiter     *auth.LimiterMap
	heartbeatLimiter *auth.LimiterMap
	registerLimiter  *auth.LimiterMap
	provisionLimiter *auth.LimiterMap

	httpServer *http.Server
}

// Deps carries the constructed domain components into the server.
type Deps struct {
	Config      *config.Config
	Store       *storage.Store
	Engine      *engine.Engine
	Coordinator *recording.Coordinator
	Artifacts   *artifacts.Store
	Enroll      *enroll.Service
	Auth        *auth.Authenticator
	Hub         *events.Hub
}

func New(d Deps) *Server {
	s := &Server{
		cfg:         d.Config,
		store:       d.Store,
		engine:      d.Engine,
		coordinator: d.Coordinator,
		artifacts:   d.Artifacts,
		enroll:      d.Enroll,
		auth:        d.Auth,
		hub:         d.Hub,
		logs:        NewLogRing(1000),
		logger:      log.WithComponent("server"),

		loginLimiter:     auth.NewLimiterMap(auth.LoginLimit),
		heartbeatLimiter: auth.NewLimiterMap(auth.HeartbeatLimit),
		registerLimiter:  auth.NewLimiterMap(auth.RegisterLimit),
		provisionLimiter: auth.NewLimiterMap(auth.ProvisionLimit),
	}
	s.httpServer = &http.Server{
		Addr:              d.Config.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Operator authentication.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(s.loginLimiter))
		r.Post("/api/v1/auth/login", s.handleLogin)
		r.Post("/api/v1/auth/verify-totp", s.handleVerifyTOTP)
	})

	// Agent enrollment and provisioning.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(s.registerLimiter))
		r.Post("/api/v1/agents/enroll", s.handleEnroll)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(s.provisionLimiter))
		r.Use(s.requireProvisioningKey)
		r.Post("/api/v1/provision", s.handleProvision)
	})

	// Agent surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAgent)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.heartbeatLimiter))
			r.Post("/api/v1/agents/heartbeat", s.handleHeartbeat)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.registerLimiter))
			r.Post("/api/v1/agents/register", s.handleRegister)
		})

		r.Post("/api/v1/agents/poll", s.handlePoll)
		r.Post("/api/v1/agents/complete", s.handleComplete)
		r.Post("/api/v1/agents/signout", s.handleSignout)
		r.Post("/api/v1/agents/log", s.handleAgentLog)
		r.Get("/api/v1/artifacts/{hash}", s.handleArtifactDownload)
		r.Get("/api/v1/agents/events", s.handleAgentEvents)

		r.Post("/api/v1/recordings/{id}/started", s.handleRecordingStarted)
		r.Post("/api/v1/recordings/{id}/completed", s.handleRecordingCompleted)
		r.Post("/api/v1/recordings/{id}/failed", s.handleRecordingFailed)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/api/v1/auth/logout", s.handleLogout)
		r.Post("/api/v1/auth/password", s.handleChangePassword)
		r.Get("/api/v1/auth/me", s.handleWhoAmI)
		r.Get("/api/v1/events", s.handleOperatorEvents)
		r.Get("/api/v1/dashboard", s.handleDashboard)
		r.Get("/api/v1/transmissions", s.handleTransmissions)
		r.Get("/api/v1/recordings", s.handleRecordings)
		r.Get("/api/v1/logs", s.handleLogTail)

		r.Route("/api/v1/challenges", func(r chi.Router) {
			r.Get("/", s.handleListChallenges)
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(types.PermManageChallenges))
				r.Post("/", s.handleCreateChallenge)
				r.Put("/{id}", s.handleUpdateChallenge)
				r.Delete("/{id}", s.handleDeleteChallenge)
				r.Post("/{id}/trigger", s.handleTriggerChallenge)
				r.Post("/{id}/enable", s.handleEnableChallenge)
				r.Post("/{id}/disable", s.handleDisableChallenge)
			})
		})

		r.Route("/api/v1/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(types.PermManageAgents))
				r.Post("/{id}/enable", s.handleEnableAgent)
				r.Post("/{id}/disable", s.handleDisableAgent)
				r.Delete("/{id}", s.handleDeleteAgent)
				r.Post("/enroll-tokens", s.handleCreateEnrollToken)
				r.Get("/enroll-tokens", s.handleListEnrollTokens)
				r.Delete("/enroll-tokens/{token}", s.handleDeleteEnrollToken)
			})
		})

		r.Route("/api/v1/provisioning-keys", func(r chi.Router) {
			r.Use(s.requirePermission(types.PermManageAgents))
			r.Post("/", s.handleCreateProvisioningKey)
			r.Get("/", s.handleListProvisioningKeys)
			r.Post("/{id}/toggle", s.handleToggleProvisioningKey)
			r.Delete("/{id}", s.handleDeleteProvisioningKey)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(types.PermManageChallenges))
			r.Post("/api/v1/artifacts", s.handleArtifactUpload)
			r.Get("/api/v1/artifacts", s.handleListArtifacts)
			r.Delete("/api/v1/artifacts/{hash}", s.handleDeleteArtifact)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(types.PermAdmin))
			r.Post("/api/v1/system/pause", s.handlePause)
			r.Post("/api/v1/system/resume", s.handleResume)
		})

		r.Route("/api/v1/users", func(r chi.Router) {
			r.Use(s.requirePermission(types.PermCreateUsers))
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Delete("/{username}", s.handleDeleteUser)
			r.Post("/{username}/reset-password", s.handleResetPassword)
			r.Post("/{username}/totp", s.handleProvisionTOTP)
			r.Post("/{username}/permissions", s.handleGrantPermission)
			r.Delete("/{username}/permissions/{perm}", s.handleRevokePermission)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("HTTP server starting")
	if s.cfg.TLSCert != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
