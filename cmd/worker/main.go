// Package main runs the event router on its own: it consumes the customer
// channels from Redis and sends the resulting notifications.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielsht11/riley/config"
	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/notify"
	"github.com/danielsht11/riley/internal/redisx"
	"github.com/danielsht11/riley/internal/store"
	"github.com/danielsht11/riley/internal/twilio"
	"github.com/danielsht11/riley/internal/worker"
)

const workerVersion = "0.3.0-go"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting Riley event router v%s", workerVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":   workerVersion,
		"redisAddr": cfg.RedisAddr,
		"redisURL":  cfg.RedisURL != "",
		"channels":  events.RoutedChannels(),
	})
	if !cfg.RedisConfigured() {
		log.Fatalf("worker: REDIS_URL or REDIS_ADDR is required; without Redis run the router inside the server")
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("worker: failed to open datastore: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(redisx.Config{
		URL:         cfg.RedisURL,
		Addr:        cfg.RedisAddr,
		Username:    cfg.RedisUsername,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		TLSEnabled:  cfg.RedisTLSEnabled,
		TLSInsecure: cfg.RedisTLSInsecure,
	})
	if err != nil {
		log.Fatalf("worker: failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	eventBus := events.NewBus(events.Options{
		Transport: events.NewRedisTransport(redisClient),
		Logger:    log.Default(),
		Retention: cfg.EventRetention,
	})

	service, err := notify.NewService(notify.Options{
		Mailer: notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPServer,
			Port:     cfg.SMTPPort,
			Username: cfg.EmailUser,
			Password: cfg.EmailPassword,
			From:     cfg.EmailFrom,
			Timeout:  cfg.DeliveryTimeout,
		}),
		DefaultEmail: cfg.BusinessEmail,
		WhatsApp:     twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		WhatsAppFrom: cfg.TwilioWhatsAppNumber,
		Audit:        stateStore,
		Logger:       log.Default(),
		Timeout:      cfg.DeliveryTimeout,
	})
	if err != nil {
		log.Fatalf("worker: failed to load notification templates: %v", err)
	}
	if !service.EmailConfigured() {
		log.Println("worker: email delivery disabled (EMAIL_USER, EMAIL_PASS or BUSINESS_EMAIL not set)")
	}
	if !service.WhatsAppConfigured() {
		log.Println("worker: WhatsApp delivery disabled (Twilio credentials or TWILIO_WHATSAPP_NUMBER not set)")
	}

	registry, err := worker.NotificationRegistry(notify.HandlerOptions{
		Deliverer:        service,
		BusinessWhatsApp: cfg.BusinessWhatsAppNumber,
		BusinessEmail:    cfg.BusinessEmail,
		Directory:        stateStore,
		Logger:           log.Default(),
	}, stateStore)
	if err != nil {
		log.Fatalf("worker: failed to register handlers: %v", err)
	}

	runner := worker.New(worker.Options{
		Subscriber:  eventBus,
		Registry:    registry,
		Logger:      log.Default(),
		PollTimeout: cfg.RouterPollTimeout,
	})

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
	log.Println("worker exited cleanly")
}
