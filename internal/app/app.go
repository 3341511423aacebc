// Package app wires configuration, storage and services for the server and
// worker binaries.
package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/bounce"
	"github.com/unclebandit/outreach-scheduler/internal/clock"
	"github.com/unclebandit/outreach-scheduler/internal/config"
	"github.com/unclebandit/outreach-scheduler/internal/controller"
	"github.com/unclebandit/outreach-scheduler/internal/gateway"
	"github.com/unclebandit/outreach-scheduler/internal/guard"
	"github.com/unclebandit/outreach-scheduler/internal/handler"
	"github.com/unclebandit/outreach-scheduler/internal/metrics"
	"github.com/unclebandit/outreach-scheduler/internal/repository"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

type App struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *sql.DB
	Redis      *redis.Client
	Metrics    *metrics.Metrics
	Campaigns  *service.CampaignService
	Dispatcher *service.Dispatcher
	Bounces    *bounce.Consumer
}

// Repositories returns the Postgres-backed stores.
func Repositories(db *sql.DB) service.Repositories {
	return service.Repositories{
		Campaigns: &repository.CampaignRepository{DB: db},
		Leads:     &repository.LeadRepository{DB: db},
		Accounts:  &repository.AccountRepository{DB: db},
		Messages:  &repository.ScheduledMessageRepository{DB: db},
	}
}

// NewGateway builds the configured send gateway behind the latency decorator.
func NewGateway(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (gateway.Gateway, error) {
	var gw gateway.Gateway
	switch cfg.Gateway {
	case "smtp":
		gw = &gateway.SMTP{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Log:      log.Named("smtp"),
			Now:      time.Now,
		}
	case "mock":
		gw = &gateway.Mock{}
	default:
		return nil, fmt.Errorf("unknown gateway %q", cfg.Gateway)
	}
	return &gateway.Instrumented{Next: gw, Duration: m.GatewaySend}, nil
}

// NewGuard returns a Redis start guard when REDIS_ADDR is set. The client is
// nil otherwise.
func NewGuard(cfg *config.Config) (guard.StartGuard, *redis.Client) {
	if cfg.RedisAddr == "" {
		return guard.Noop{}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return guard.NewRedisGuard(client), client
}

// New assembles the services over an open database. reg receives the
// scheduler's collectors.
func New(cfg *config.Config, log *zap.Logger, db *sql.DB, reg prometheus.Registerer) (*App, error) {
	m := metrics.New(reg)
	gw, err := NewGateway(cfg, m, log)
	if err != nil {
		return nil, err
	}
	g, rdb := NewGuard(cfg)
	repos := Repositories(db)
	clk := clock.Real{}

	campaigns := service.NewCampaignService(repos, g, cfg.StartGuardWindow, clk, m, log.Named("campaign"))
	dispatcher := service.NewDispatcher(repos, gw, service.DispatchOptions{
		BatchSize:   cfg.TickBatchSize,
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.MaxAttempts,
		SendTimeout: cfg.SendTimeout,
		ClaimLease:  cfg.ClaimLease,
		JitterMax:   cfg.ExecutionJitterMax,
		FromDomain:  cfg.SMTPFromDomain,
	}, clk, m, log.Named("dispatch"))

	return &App{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Redis:      rdb,
		Metrics:    m,
		Campaigns:  campaigns,
		Dispatcher: dispatcher,
		Bounces:    &bounce.Consumer{Service: campaigns, Log: log.Named("bounce")},
	}, nil
}

// Router mounts the campaign API, the bounce webhook and /metrics.
func (a *App) Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	ctl := &controller.CampaignController{
		CampaignService: a.Campaigns,
		Dispatcher:      a.Dispatcher,
		Log:             a.Log.Named("http"),
	}
	ctl.Routes(r)

	h := &handler.CampaignHandler{
		Stats:   a.Campaigns,
		Bounces: a.Bounces,
		Log:     a.Log.Named("http"),
	}
	h.Routes(r)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	return a.DB.Close()
}
