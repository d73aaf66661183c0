package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/joaniekitchen/backend/internal/api/handlers"
	"github.com/joaniekitchen/backend/internal/api/middleware"
	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/auth"
	"github.com/joaniekitchen/backend/internal/cache"
	"github.com/joaniekitchen/backend/internal/config"
	"github.com/joaniekitchen/backend/internal/queue"
	"github.com/joaniekitchen/backend/internal/usage"
)

type Router struct {
	mux      *chi.Mux
	db       *pgxpool.Pool
	redis    *redis.Client
	cfg      *config.Config
	keys     *apikey.Service
	guard    *auth.Guard
	recorder *usage.Recorder
	queue    *queue.Client
}

// NewRouter assembles the auth core. With no database the key store
// falls back to process memory (development only); with no redis the
// validation cache and the task queue are simply absent.
func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Router {
	var repo apikey.Repository
	if db != nil {
		repo = apikey.NewPostgresRepository(db)
	} else {
		repo = apikey.NewMemoryRepository()
	}

	var validationCache apikey.ValidationCache
	var queueClient *queue.Client
	if rdb != nil {
		validationCache = cache.NewValidationCache(rdb, cfg.Auth.CacheTTL)
		queueClient = queue.NewClient(cfg.Redis)
	}

	keys := apikey.NewService(repo, validationCache)

	var spill usage.Spiller
	if queueClient != nil {
		spill = queueClient
	}
	recorder := usage.NewRecorder(keys, cfg.Usage.BufferSize, spill)

	sessions := auth.NewJWTSessionProvider(cfg.Auth.SessionJWTSecret, cfg.Auth.SessionCookieName)
	authenticator := auth.NewAuthenticator(keys, sessions)

	return &Router{
		mux:      chi.NewRouter(),
		db:       db,
		redis:    rdb,
		cfg:      cfg,
		keys:     keys,
		guard:    auth.NewGuard(authenticator, recorder),
		recorder: recorder,
		queue:    queueClient,
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	rl := middleware.NewRateLimiter(100, 200)
	r.Use(rl.Limit)

	health := handlers.NewHealthHandler(rt.db, rt.redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	keysH := handlers.NewKeysHandler(rt.keys)
	r.Route("/api/v1/keys", func(r chi.Router) {
		// Console sessions manage their own keys; a bearer key can only
		// reach the management surface with an explicit admin:keys grant,
		// so a low-privilege key cannot mint itself a broader one.
		r.Use(rt.guard.RequireSessionOrScopes("admin:keys"))
		r.Post("/", keysH.Create)
		r.Get("/", keysH.List)
		r.Get("/{id}", keysH.Get)
		r.Patch("/{id}", keysH.Update)
		r.Delete("/{id}", keysH.Revoke)
		r.Delete("/{id}/hard", keysH.HardDelete)
		r.Get("/{id}/stats", keysH.Stats)
		r.Get("/{id}/usage", keysH.Usage)
	})

	return r
}

// Guard exposes the route guards so the recipe/meal route modules can
// wrap their handlers with scope policies.
func (rt *Router) Guard() *auth.Guard {
	return rt.guard
}

// Close flushes the usage recorder and releases the queue client.
func (rt *Router) Close(ctx context.Context) {
	rt.recorder.Close(ctx)
	if rt.queue != nil {
		rt.queue.Close()
	}
}
