// Package main is the entry point for the voice agent service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielsht11/riley/config"
	"github.com/danielsht11/riley/internal/api"
	"github.com/danielsht11/riley/internal/bridge"
	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/handlers"
	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/notify"
	"github.com/danielsht11/riley/internal/redisx"
	"github.com/danielsht11/riley/internal/sessioncache"
	"github.com/danielsht11/riley/internal/store"
	"github.com/danielsht11/riley/internal/tools"
	"github.com/danielsht11/riley/internal/twilio"
	"github.com/danielsht11/riley/internal/worker"
)

const (
	version         = "0.3.0-go"
	shutdownTimeout = 5 * time.Second
)

func main() {
	// Initialize logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting Riley voice agent v%s", version)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Load configuration
	cfg := config.Load()
	if cfg.OpenAIAPIKey == "" {
		log.Fatalf("OPENAI_API_KEY is required")
	}
	profile, err := cfg.AgentProfile()
	if err != nil {
		log.Fatalf("Failed to load agent profile: %v", err)
	}
	instructions, err := bridge.NewInstructions(profile)
	if err != nil {
		log.Fatalf("Failed to parse agent instructions: %v", err)
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer stateStore.Close()

	if cfg.SeedPath != "" {
		seed, err := store.LoadSeed(cfg.SeedPath)
		if err != nil {
			log.Fatalf("Failed to load directory seed: %v", err)
		}
		n, err := stateStore.ApplySeed(rootCtx, seed)
		if err != nil {
			log.Fatalf("Failed to apply directory seed: %v", err)
		}
		log.Printf("Seeded %d businesses from %s", n, cfg.SeedPath)
	}

	// Event transport: Redis when configured, otherwise in-process with the
	// router running alongside the API.
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
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	var transport events.Transport
	inProcessRouter := cfg.InProcessRouter
	if redisClient != nil {
		defer redisClient.Close()
		transport = events.NewRedisTransport(redisClient)
	} else {
		log.Println("Redis not configured; using the in-memory event transport")
		transport = events.NewMemoryTransport()
		inProcessRouter = true
	}

	eventBus := events.NewBus(events.Options{
		Transport: transport,
		Logger:    log.Default(),
		Retention: cfg.EventRetention,
	})
	snapshots := sessioncache.New(sessioncache.Options{
		KV:      transport,
		Durable: stateStore,
		Logger:  log.Default(),
		TTL:     cfg.EventRetention,
	})

	dispatcher, err := tools.NewDispatcher(tools.Options{
		Publisher: eventBus,
		Logger:    log.Default(),
		Functions: tools.Defaults(snapshots, log.Default()),
	})
	if err != nil {
		log.Fatalf("Failed to build function registry: %v", err)
	}

	twilioClient := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	var telephony bridge.Telephony
	if twilioClient.Configured() {
		telephony = twilioClient
	} else {
		log.Println("Twilio credentials not set; call lookups and hangups disabled")
	}

	mediaBridge, err := bridge.New(bridge.Options{
		Dispatcher:   dispatcher,
		Instructions: instructions,
		Telephony:    telephony,
		Directory:    stateStore,
		CallLog:      stateStore,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize media bridge: %v", err)
	}

	dial := func(ctx context.Context) (bridge.Conn, error) {
		conn, err := bridge.DialModel(ctx, cfg.ModelURL, cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	if inProcessRouter {
		runner, err := newRouter(cfg, eventBus, twilioClient, stateStore)
		if err != nil {
			log.Fatalf("Failed to initialize event router: %v", err)
		}
		go func() {
			if err := runner.Run(rootCtx); err != nil && err != context.Canceled {
				logutil.Error("router_stopped", err, nil)
			}
		}()
	}

	startAutomation(rootCtx, automationOptions{
		Store:     stateStore,
		Interval:  cfg.AutomationInterval,
		Retention: cfg.CallRetention,
	})

	h := handlers.New(eventBus, snapshots, stateStore, mediaBridge, dial, handlers.Options{
		PublicHost: cfg.PublicHost,
	})
	server := api.NewServer(h, api.Options{
		APIToken:        cfg.APIToken,
		TwilioAuthToken: twilioWebhookToken(cfg),
		PublicHost:      cfg.PublicHost,
	})
	srv := server.Start(":" + cfg.ServerPort)
	logutil.Info("server_started", map[string]interface{}{
		"version":         version,
		"port":            cfg.ServerPort,
		"redis":           redisClient != nil,
		"inProcessRouter": inProcessRouter,
		"datastore":       cfg.DataStoreDriver,
	})

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	rootCancel()
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// twilioWebhookToken returns the token used to verify webhook signatures
// unless verification was switched off.
func twilioWebhookToken(cfg *config.Config) string {
	if !cfg.VerifyTwilioSignature {
		log.Println("Twilio webhook signature verification disabled")
		return ""
	}
	return cfg.TwilioAuthToken
}

func newRouter(cfg *config.Config, bus *events.Bus, sender *twilio.Client, stateStore *store.Store) (*worker.Runner, error) {
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
		WhatsApp:     sender,
		WhatsAppFrom: cfg.TwilioWhatsAppNumber,
		Audit:        stateStore,
		Logger:       log.Default(),
		Timeout:      cfg.DeliveryTimeout,
	})
	if err != nil {
		return nil, err
	}
	registry, err := worker.NotificationRegistry(notify.HandlerOptions{
		Deliverer:        service,
		BusinessWhatsApp: cfg.BusinessWhatsAppNumber,
		BusinessEmail:    cfg.BusinessEmail,
		Directory:        stateStore,
		Logger:           log.Default(),
	}, stateStore)
	if err != nil {
		return nil, err
	}
	return worker.New(worker.Options{
		Subscriber:  bus,
		Registry:    registry,
		Logger:      log.Default(),
		PollTimeout: cfg.RouterPollTimeout,
	}), nil
}
