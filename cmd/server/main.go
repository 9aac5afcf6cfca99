package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oddex/exchange-core/internal/ledger"
	"github.com/oddex/exchange-core/internal/metrics"
	"github.com/oddex/exchange-core/internal/order"
	"github.com/oddex/exchange-core/internal/quotes"
	"github.com/oddex/exchange-core/internal/settle"
	"github.com/oddex/exchange-core/internal/store"
	"github.com/oddex/exchange-core/internal/sweep"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Market-data provider ---
	client := quotes.NewClient(quotes.Config{
		APIURL:   os.Getenv("EXCHANGE_API_URL"),
		LoginURL: os.Getenv("EXCHANGE_LOGIN_URL"),
		AppKey:   os.Getenv("EXCHANGE_APP_KEY"),
		Username: os.Getenv("EXCHANGE_USERNAME"),
		Password: os.Getenv("EXCHANGE_PASSWORD"),
	})

	var quoteProvider quotes.QuoteProvider = client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		quoteProvider = quotes.NewCachedProvider(client, rdb, 5*time.Second)
		slog.Info("Redis quote cache enabled")
	}

	// --- WebSocket hub ---
	hub := order.NewHub()
	go hub.Run()

	// --- Core services ---
	lg := ledger.New(st)
	orderSvc := order.NewService(st, lg, quoteProvider, client, hub)
	settleEngine := settle.NewEngine(st, lg, hub)

	sweepInterval := 30 * time.Second
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("invalid SWEEP_INTERVAL", "err", err)
			os.Exit(1)
		}
		sweepInterval = d
	}
	scheduler := sweep.NewScheduler(st, lg, quoteProvider, hub, sweepInterval)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go scheduler.Run(sweepCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-core"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order and balance pushes.
		r.Get("/ws", hub.HandleWS)

		// Order lifecycle.
		r.Post("/orders", orderSvc.PlaceOrders)
		r.Get("/orders", orderSvc.GetOrders)
		r.Post("/orders/{orderID}/cancel", orderSvc.CancelOrder)
		r.Post("/orders/cancel-all", orderSvc.CancelAllPending)

		// Market operations.
		r.Post("/markets/{marketID}/auto-match", scheduler.HandleTrigger)
		r.Post("/markets/{marketID}/settle", settleEngine.HandleSettle)

		// Account queries.
		r.Post("/users/{userID}/deposit", orderSvc.Deposit)
		r.Get("/users/{userID}/balance", orderSvc.GetBalance)
		r.Get("/users/{userID}/transactions", orderSvc.GetTransactions)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-core...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-core stopped")
}
