package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/config"
	"github.com/bulkwave/wacampaign-backend/internal/controller"
	"github.com/bulkwave/wacampaign-backend/internal/db"
	"github.com/bulkwave/wacampaign-backend/internal/engine"
	"github.com/bulkwave/wacampaign-backend/internal/gateway"
	"github.com/bulkwave/wacampaign-backend/internal/queue"
	"github.com/bulkwave/wacampaign-backend/internal/repository"
	"github.com/bulkwave/wacampaign-backend/internal/resolver"
	"github.com/bulkwave/wacampaign-backend/internal/service"
	"github.com/bulkwave/wacampaign-backend/internal/throttle"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using environment")
	}
	cfg := config.Load()

	dbConn, err := db.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer dbConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := throttle.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer redisClient.Close()

	campaigns := &repository.CampaignRepository{DB: dbConn}
	deliveries := &repository.DeliveryRepository{DB: dbConn}
	locks := &repository.SessionLockRepository{DB: dbConn}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken)
	res := &resolver.Resolver{Directory: gw, BasePath: cfg.CSVBasePath}
	thr := throttle.NewSessionThrottle(redisClient)

	eng := engine.New(campaigns, deliveries, locks, res, gw, gw, thr, log)

	if reaped, err := locks.ReapStale(cfg.SessionLockTTL); err != nil {
		log.WithError(err).Warn("lock reap failed")
	} else if reaped > 0 {
		log.WithField("reaped", reaped).Info("stale session locks cleared")
	}

	var starts queue.StartPublisher
	local := cfg.DispatchMode != "amqp"
	if local {
		bus := queue.NewInMemoryQueue(log)
		if err := queue.SubscribeStarts(bus, eng.Start, log); err != nil {
			log.WithError(err).Fatal("start subscriber failed")
		}
		starts = &queue.LocalPublisher{Q: bus}
	} else {
		pub, err := queue.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.WithError(err).Fatal("RabbitMQ connection failed")
		}
		defer pub.Close()
		starts = pub
	}

	// Dispatch-side duties (recovery, scheduled sweep) belong to whichever
	// process runs the dispatch loops. In amqp mode that is the worker.
	scheduler := cron.New()
	if local {
		if n := eng.Recover(ctx); n > 0 {
			log.WithField("recovered", n).Info("interrupted campaigns resumed")
		}
		_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.SchedulerSweepInterval), func() {
			eng.PromoteDueScheduled(ctx, time.Now())
		})
		if err != nil {
			log.WithError(err).Fatal("scheduler setup failed")
		}
	}
	scheduler.AddFunc("@hourly", func() {
		if _, err := locks.ReapStale(cfg.SessionLockTTL); err != nil {
			log.WithError(err).Warn("lock reap failed")
		}
	})
	scheduler.Start()

	svc := service.NewCampaignService(campaigns, deliveries, eng, starts)
	cc := controller.NewCampaignController(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		cc.Routes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.ServerPort).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown failed")
	}
	scheduler.Stop()
	eng.Shutdown()
}
