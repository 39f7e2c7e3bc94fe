package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"presenter-sync-service/internal/broadcast"
	"presenter-sync-service/internal/config"
	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/media"
	"presenter-sync-service/internal/replication"
)

type Handler struct {
	replication *replication.Manager
	broadcast   *broadcast.Machine
	hub         *broadcast.Hub
	slots       *media.Slots
	cache       *media.CacheBridge
	corsOrigins []string
}

type Options struct {
	Replication *replication.Manager
	// Broadcast defaults to the process-wide Machine from broadcast.Install.
	Broadcast *broadcast.Machine
	Hub       *broadcast.Hub
	Slots       *media.Slots
	// Cache is nil in web mode.
	Cache  *media.CacheBridge
	Server config.ServerConfig
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		replication: opts.Replication,
		broadcast:   opts.Broadcast,
		hub:         opts.Hub,
		slots:       opts.Slots,
		cache:       opts.Cache,
		corsOrigins: opts.Server.CorsOrigins,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.corsOrigins))

	r.Get("/health", h.HealthCheck)

	// Display surfaces and remote controllers attach over WebSocket.
	r.Get("/display/ws", h.hub.ServeDisplay)
	r.Get("/broadcast/publish", h.hub.ServePublisher)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/replication", func(r chi.Router) {
			r.Get("/status", h.GetReplicationStatus)
			r.Post("/trigger", h.TriggerReplication)
			r.Post("/stop", h.StopReplication)
			r.Get("/history", h.GetSyncHistory)
			r.Get("/conflicts", h.ListConflicts)
		})

		r.Route("/broadcast", func(r chi.Router) {
			r.Post("/", h.PostBroadcast)
			r.Get("/status", h.GetBroadcastStatus)
			r.Post("/reconnect", h.ReconnectBroadcast)
		})

		r.Route("/media", func(r chi.Router) {
			r.Get("/slots", h.ListSlots)
			r.Get("/slots/{slot}", h.GetSlot)
			r.Put("/slots/{slot}", h.ResolveSlot)
			r.Get("/cache", h.GetCacheUsage)
			r.Post("/cache/prune", h.PruneCache)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Get("/*", h.GetDocument)
			r.Put("/*", h.PutDocument)
			r.Delete("/*", h.DeleteDocument)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// RequestLogger logs one line per request through the process logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Log.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
