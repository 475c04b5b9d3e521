package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/co-desk/pkg/logger"
)

// Router wires the handlers onto chi routes
type Router struct {
	handler        *Handler
	allowedOrigins []string
	logger         *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, allowedOrigins []string, logger *logger.Logger) *Router {
	return &Router{
		handler:        handler,
		allowedOrigins: allowedOrigins,
		logger:         logger.Named("router"),
	}
}

// Routes returns the HTTP handler for all endpoints
func (rt *Router) Routes() http.Handler {
	h := rt.handler
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(rt.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(rt.allowedOrigins))

	r.Get("/health", h.GetHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/handoff", h.HandleDecision)
		r.Post("/inbound", h.HandleInbound)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Get("/history", h.GetSessionHistory)
				r.Post("/close", h.CloseSession)
				r.Post("/assign", h.AssignSession)
			})
		})

		r.Get("/queue", h.GetQueue)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/online", h.GetOnlineAgents)
			r.Post("/{agentID}/heartbeat", h.AgentHeartbeat)
		})

		r.Route("/feedback", func(r chi.Router) {
			r.Post("/", h.CreateFeedback)
			r.Get("/analytics", h.GetFeedbackAnalytics)
			r.Get("/{feedbackID}", h.GetFeedback)
			r.Post("/{feedbackID}/rating", h.SubmitFeedback)
		})

		r.Route("/pending/{userID}", func(r chi.Router) {
			r.Get("/", h.GetPendingAction)
			r.Post("/", h.SetPendingAction)
			r.Post("/confirm", h.ConfirmPendingAction)
			r.Delete("/", h.CancelPendingAction)
		})

		r.Route("/history/{userID}", func(r chi.Router) {
			r.Get("/", h.GetHistory)
			r.Post("/", h.AddHistory)
			r.Delete("/", h.ClearHistory)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Get("/chat/user/{sessionID}", h.HandleUserChat)
		r.Get("/chat/agent/{sessionID}/{agentID}", h.HandleAgentChat)
		r.Get("/dashboard", h.HandleDashboard)
	})

	return r
}
