package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"oxylend/gateway/middleware"
	"oxylend/native/lending"
)

const (
	ScopeLendingWrite = "lending.write"
	ScopeLendingAdmin = "lending.admin"

	rateLimitKeyRead  = "lending.read"
	rateLimitKeyWrite = "lending.write"
)

type Config struct {
	Engine        *lending.Engine
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the public REST surface in front of the lending engine.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	lendingAPI := &lendingRoutes{engine: cfg.Engine}

	r.Route("/v1/lending", func(sr chi.Router) {
		if obs != nil {
			sr.Use(obs.Middleware("lending"))
		}

		sr.Group(func(read chi.Router) {
			if cfg.RateLimiter != nil {
				read.Use(cfg.RateLimiter.Middleware(rateLimitKeyRead))
			}
			read.Get("/pools", lendingAPI.listPools)
			read.Get("/pools/{poolID}", lendingAPI.getPool)
			read.Get("/positions/{address}", lendingAPI.getPosition)
			read.Get("/positions/{address}/health", lendingAPI.getHealth)
			read.Get("/positions/{address}/max-borrow/{poolID}", lendingAPI.getMaxBorrow)
			read.Get("/balances/{address}/{asset}", lendingAPI.getBalance)
			read.Get("/events", lendingAPI.listEvents)
		})

		sr.Group(func(write chi.Router) {
			if cfg.RateLimiter != nil {
				write.Use(cfg.RateLimiter.Middleware(rateLimitKeyWrite))
			}
			if cfg.Authenticator != nil {
				write.Use(cfg.Authenticator.Middleware(ScopeLendingWrite))
			}
			write.Post("/deposits", lendingAPI.deposit)
			write.Post("/withdrawals", lendingAPI.withdraw)
			write.Post("/borrows", lendingAPI.borrow)
			write.Post("/repayments", lendingAPI.repay)
			write.Post("/yield-claims", lendingAPI.claimYield)
			write.Post("/collateral", lendingAPI.setCollateral)
			write.Post("/lending-mode", lendingAPI.setLendingEnabled)
			write.Post("/liquidations", lendingAPI.liquidate)
		})

		sr.Group(func(admin chi.Router) {
			if cfg.RateLimiter != nil {
				admin.Use(cfg.RateLimiter.Middleware(rateLimitKeyWrite))
			}
			if cfg.Authenticator != nil {
				admin.Use(cfg.Authenticator.Middleware(ScopeLendingAdmin))
			}
			admin.Post("/pools", lendingAPI.initPool)
			admin.Post("/reserves/withdrawals", lendingAPI.withdrawReserves)
			admin.Post("/credits", lendingAPI.credit)
		})
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r
}
