package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RateLimit struct {
	Enabled           bool
	Limit             int
	Window            time.Duration
	MessagesPerMinute int
}

type RouterDeps struct {
	Cache     domain.CacheRepository // nil falls back to in-process limiting
	Handler   *Handler
	Verifier  security.CredentialVerifier
	WS        http.Handler // authenticates on its own
	RateLimit RateLimit
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(Metrics)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.RateLimit.Enabled {
		if d.Cache != nil {
			r.Use(RateLimitMiddleware(d.Cache, d.RateLimit.Limit, d.RateLimit.Window))
		} else {
			r.Use(httprate.LimitByIP(d.RateLimit.Limit, d.RateLimit.Window))
		}
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier))

		r.Post("/events/{eventID}/requests", d.Handler.CreateRequest)
		r.Get("/events/{eventID}/requests", d.Handler.ListRequests)
		r.Patch("/requests/{requestID}", d.Handler.UpdateRequest)

		r.Get("/channels/{channelID}/messages", d.Handler.History)
		r.Group(func(r chi.Router) {
			if d.RateLimit.MessagesPerMinute > 0 {
				r.Use(httprate.LimitByIP(d.RateLimit.MessagesPerMinute, time.Minute))
			}
			r.Post("/channels/{channelID}/messages", d.Handler.SendMessage)
		})
	})

	return r
}
