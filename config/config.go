// Package config provides application configuration management.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/danielsht11/riley/internal/bridge"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	PublicHost string
	APIToken   string

	// Speech model
	OpenAIAPIKey     string
	ModelURL         string
	AgentProfilePath string
	AgentTemperature float64
	// FallbackBusinessNumber is used when the provider reports no forwarding number.
	FallbackBusinessNumber string

	// Telephony provider
	TwilioAccountSID       string
	TwilioAuthToken        string
	// VerifyTwilioSignature checks X-Twilio-Signature on the voice webhooks
	// whenever an auth token is set.
	VerifyTwilioSignature  bool
	TwilioWhatsAppNumber   string
	BusinessWhatsAppNumber string

	// Email delivery
	SMTPServer    string
	SMTPPort      int
	EmailUser     string
	EmailPassword string
	EmailFrom     string
	BusinessEmail string

	// Persistence
	DataStoreDriver string
	DataStoreDSN    string
	StatePath       string
	SeedPath        string

	// Redis / events configuration
	RedisURL         string
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventRetention   time.Duration

	// Router and automation
	InProcessRouter    bool
	RouterPollTimeout  time.Duration
	AutomationInterval time.Duration
	CallRetention      time.Duration
	DeliveryTimeout    time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDriver == "postgres" && dataStoreDSN == "" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" && dataStoreDriver != "postgres" {
		dataStoreDSN = filepath.Join(statePath, "riley.db")
	}
	emailUser := os.Getenv("EMAIL_USER")
	return &Config{
		ServerPort:             getEnv("PORT", getEnv("SERVER_PORT", "8080")),
		PublicHost:             getEnv("PUBLIC_HOST", ""),
		APIToken:               os.Getenv("RILEY_API_TOKEN"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		ModelURL:               getEnv("OPENAI_REALTIME_URL", bridge.DefaultModelURL),
		AgentProfilePath:       getEnv("AGENT_PROFILE_PATH", ""),
		AgentTemperature:       getEnvFloat("AGENT_TEMPERATURE", 0),
		FallbackBusinessNumber: getEnv("FORWARDED_FROM", ""),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		VerifyTwilioSignature:  getEnvBool("TWILIO_VERIFY_SIGNATURE", true),
		TwilioWhatsAppNumber:   getEnv("TWILIO_WHATSAPP_NUMBER", ""),
		BusinessWhatsAppNumber: getEnv("BUSINESS_WHATSAPP_NUMBER", ""),
		SMTPServer:             getEnv("SMTP_SERVER", "smtp.gmail.com"),
		SMTPPort:               getEnvInt("SMTP_PORT", 587),
		EmailUser:              emailUser,
		EmailPassword:          os.Getenv("EMAIL_PASS"),
		EmailFrom:              getEnv("EMAIL_FROM", emailUser),
		BusinessEmail:          getEnv("BUSINESS_EMAIL", ""),
		DataStoreDriver:        dataStoreDriver,
		DataStoreDSN:           dataStoreDSN,
		StatePath:              statePath,
		SeedPath:               getEnv("DIRECTORY_SEED_PATH", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisUsername:          getEnv("REDIS_USERNAME", ""),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:        getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:       getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventRetention:         getEnvDuration("EVENT_RETENTION", 24*time.Hour),
		InProcessRouter:        getEnvBool("IN_PROCESS_ROUTER", false),
		RouterPollTimeout:      getEnvDuration("ROUTER_POLL_TIMEOUT", time.Second),
		AutomationInterval:     getEnvDuration("AUTOMATION_INTERVAL", time.Hour),
		CallRetention:          getEnvDuration("CALL_RETENTION", 90*24*time.Hour),
		DeliveryTimeout:        getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second),
	}
}

// RedisConfigured reports whether a Redis endpoint was provided.
func (c *Config) RedisConfigured() bool {
	return c.RedisURL != "" || c.RedisAddr != ""
}

// AgentProfile returns the configured agent profile. Without a profile file
// the stock profile is used. Values set in the environment win over the file.
func (c *Config) AgentProfile() (bridge.Profile, error) {
	profile := bridge.DefaultProfile()
	if c.AgentProfilePath != "" {
		loaded, err := LoadAgentProfile(c.AgentProfilePath)
		if err != nil {
			return bridge.Profile{}, err
		}
		profile = loaded
	}
	if c.FallbackBusinessNumber != "" {
		profile.FallbackNumber = c.FallbackBusinessNumber
	}
	if c.AgentTemperature > 0 {
		profile.Temperature = c.AgentTemperature
	}
	return profile, nil
}

// LoadAgentProfile reads a YAML agent profile. Unset fields keep their defaults.
func LoadAgentProfile(path string) (bridge.Profile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return bridge.Profile{}, fmt.Errorf("failed to read agent profile: %w", err)
	}
	profile := bridge.DefaultProfile()
	if err := yaml.UnmarshalStrict(data, &profile); err != nil {
		return bridge.Profile{}, fmt.Errorf("failed to parse agent profile: %w", err)
	}
	if profile.Temperature < 0 || profile.Temperature > 2 {
		return bridge.Profile{}, fmt.Errorf("agent profile temperature %.2f out of range", profile.Temperature)
	}
	return profile, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid float for %s: %s, using default %f", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
