package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store"
	"github.com/ignite/dispatch-engine/internal/store/postgres"
	"github.com/ignite/dispatch-engine/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	st := postgres.New(db, cfg.Worker.StalenessTimeout())

	p, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to build provider: %v", err)
	}

	svc := worker.NewService(cfg, st, p)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("[Redis] Unreachable (%v), continuing without it", err)
			rdb.Close()
			rdb = nil
		} else {
			log.Printf("[Redis] Connected to %s", cfg.Redis.Addr)
			svc.SetRedis(rdb)
			defer rdb.Close()
		}
	}

	if err := svc.Initialize(); err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler: setupRoutes(svc, st),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting HTTP server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	svc.Stop(shutdownCtx)
	cancel()

	log.Println("Dispatcher stopped")
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Name {
	case "resend":
		return provider.NewResendWithConfig(provider.ResendConfig{
			APIKey:  cfg.Provider.Resend.APIKey,
			BaseURL: cfg.Provider.Resend.BaseURL,
			Timeout: cfg.Provider.Timeout(),
		}), nil
	case "sendgrid":
		return provider.NewSendGridWithConfig(provider.SendGridConfig{
			APIKey:  cfg.Provider.SendGrid.APIKey,
			BaseURL: cfg.Provider.SendGrid.BaseURL,
			Timeout: cfg.Provider.Timeout(),
		}), nil
	case "ses":
		return provider.NewSES(cfg.Provider.SES.AccessKey, cfg.Provider.SES.SecretKey, cfg.Provider.SES.Region), nil
	case "noop":
		return provider.NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

// setupRoutes builds the operational HTTP surface: a thin shim over the
// service's operator interface, not a campaign CRUD API.
func setupRoutes(svc *worker.Service, st store.Store) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		h := svc.Health()
		code := http.StatusOK
		if !h.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
			var spec domain.JobSpec
			if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				return
			}
			jobID, err := svc.SubmitJob(req.Context(), &spec)
			if err != nil {
				code := http.StatusBadRequest
				if errors.Is(err, worker.ErrQueueFull) {
					code = http.StatusTooManyRequests
				}
				writeError(w, code, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		})

		r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
			job, err := st.GetJob(req.Context(), chi.URLParam(req, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, svc.Status())
		})

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, svc.Health())
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := svc.Stats(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
