/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the access log
  2. RealIP:     Client address from X-Forwarded-For behind the proxy
  3. Logger:     logrus access log (requestLogger)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Dashboard origins

ROUTE GROUPS:
  /healthz                 Liveness
  /api/postback/{network}  Offerwall callbacks, shared-secret auth
  /api/earning, /api/tasks, /api/withdrawals   Bearer token
  /api/admin/*             Bearer token with role=admin

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go:     Token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth           *Authenticator
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Networks call both verbs depending on their configuration
		r.Get("/postback/{network}", h.Postback)
		r.Post("/postback/{network}", h.Postback)

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.RequireUser)

			r.Route("/earning", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)
				r.Put("/payout-email", h.SetPayoutEmail)
			})

			r.Get("/tasks", h.ListActiveTasks)
			r.Post("/tasks/{id}/submissions", h.SubmitTask)

			r.Get("/withdrawals", h.ListMyWithdrawals)
			r.Post("/withdrawals", h.RequestWithdrawal)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(opts.Auth.RequireAdmin)

			r.Get("/tasks", h.ListAllTasks)
			r.Post("/tasks", h.CreateTask)
			r.Get("/task-submissions", h.ListSubmissions)
			r.Patch("/task-submissions/{id}", h.ReviewSubmission)

			r.Get("/referrals", h.ListReferrals)
			r.Post("/referrals", h.RegisterReferral)
			r.Patch("/referrals/{id}", h.ValidateReferral)

			r.Put("/users/{id}/profile", h.UpsertUserProfile)

			r.Get("/withdrawals", h.ListWithdrawals)
			r.Patch("/withdrawals/{id}", h.ResolveWithdrawal)

			r.Get("/ledger/audit", h.RunAudit)
		})
	})

	return r
}

// requestLogger writes one logrus line per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"remote":     r.RemoteAddr,
				}).Info("http request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
