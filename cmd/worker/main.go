package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/bulkwave/wacampaign-backend/internal/config"
	"github.com/bulkwave/wacampaign-backend/internal/db"
	"github.com/bulkwave/wacampaign-backend/internal/engine"
	"github.com/bulkwave/wacampaign-backend/internal/gateway"
	"github.com/bulkwave/wacampaign-backend/internal/queue"
	"github.com/bulkwave/wacampaign-backend/internal/repository"
	"github.com/bulkwave/wacampaign-backend/internal/resolver"
	"github.com/bulkwave/wacampaign-backend/internal/throttle"
)

// The worker owns the dispatch side of an amqp-mode deployment: it consumes
// campaign-start jobs, runs recovery at boot and sweeps scheduled campaigns.
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
	if n := eng.Recover(ctx); n > 0 {
		log.WithField("recovered", n).Info("interrupted campaigns resumed")
	}

	go sweepScheduled(ctx, eng, cfg.SchedulerSweepInterval)

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.WithError(err).Fatal("RabbitMQ connection failed")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("RabbitMQ channel failed")
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(queue.TopicCampaignStarts, true, false, false, false, nil)
	if err != nil {
		log.WithError(err).Fatal("queue declare failed")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		log.WithError(err).Fatal("qos failed")
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		log.WithError(err).Fatal("consume failed")
	}

	log.Info("worker consuming campaign starts")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			eng.Shutdown()
			return
		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				eng.Shutdown()
				return
			}
			handle(ctx, eng, log, d)
		}
	}
}

func handle(ctx context.Context, eng *engine.Engine, log *logrus.Logger, d amqp.Delivery) {
	var job queue.StartJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.WithError(err).Error("malformed start job")
		d.Ack(false)
		return
	}

	err := eng.Start(ctx, job.CampaignID)
	switch {
	case err == nil:
		d.Ack(false)
	case queue.Permanent(err):
		log.WithError(err).WithField("campaign", job.CampaignID).Warn("campaign start rejected")
		d.Ack(false)
	case d.Redelivered:
		log.WithError(err).WithField("campaign", job.CampaignID).Error("campaign start abandoned")
		d.Ack(false)
	default:
		log.WithError(err).WithField("campaign", job.CampaignID).Warn("campaign start requeued")
		d.Nack(false, true)
	}
}

func sweepScheduled(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			eng.PromoteDueScheduled(ctx, now)
		}
	}
}
