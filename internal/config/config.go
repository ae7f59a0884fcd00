package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrDeviceSecretKeyRequired is returned when a durable store is selected
// without DEVICE_SECRET_KEY. A per-process key would leave every stored
// secret unreadable after a restart or on another instance.
var ErrDeviceSecretKeyRequired = errors.New("DEVICE_SECRET_KEY is required when STORE_BACKEND is not memory")

type Config struct {
	ServerPort     string
	JWTSecret      string
	AllowedOrigins []string

	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            byte
	MQTTPublishTimeout time.Duration

	ConfirmationTimeout time.Duration
	ConfirmRatePerMin   int

	StoreBackend string
	RedisURL     string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	DeviceSecretKey string

	InstanceID string

	Retention     time.Duration
	SweepInterval time.Duration

	ArchiveEndpoint        string
	ArchiveRegion          string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string
	ArchiveBucket          string
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables")
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "3000"
	}

	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		origins = "http://localhost:3000,http://localhost:3001"
	}

	mqttBroker := os.Getenv("MQTT_BROKER")
	if mqttBroker == "" {
		mqttBroker = "tcp://localhost:1883"
	}

	qos := positiveInt("MQTT_QOS", 1)
	if qos > 2 {
		qos = 1
	}

	storeBackend := strings.ToLower(os.Getenv("STORE_BACKEND"))
	if storeBackend == "" {
		storeBackend = StoreMemory
	}

	deviceSecretKey := os.Getenv("DEVICE_SECRET_KEY")
	if deviceSecretKey == "" && storeBackend != StoreMemory {
		return nil, ErrDeviceSecretKeyRequired
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	sslMode := os.Getenv("DB_SSLMODE")
	if sslMode == "" {
		sslMode = "require"
	}

	// Names this instance's consumer group on the outcome stream
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}
	if instanceID == "" {
		instanceID = "local"
	}

	archiveRegion := os.Getenv("ARCHIVE_REGION")
	if archiveRegion == "" {
		archiveRegion = "auto"
	}

	return &Config{
		ServerPort:     serverPort,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowedOrigins: splitList(origins),

		MQTTBroker:         mqttBroker,
		MQTTClientID:       os.Getenv("MQTT_CLIENT_ID"),
		MQTTUsername:       os.Getenv("MQTT_USERNAME"),
		MQTTPassword:       os.Getenv("MQTT_PASSWORD"),
		MQTTQoS:            byte(qos),
		MQTTPublishTimeout: time.Duration(positiveInt("MQTT_PUBLISH_TIMEOUT_SECONDS", 10)) * time.Second,

		ConfirmationTimeout: time.Duration(positiveInt("CONFIRMATION_TIMEOUT_SECONDS", 300)) * time.Second,
		ConfirmRatePerMin:   positiveInt("CONFIRM_RATE_PER_MINUTE", 10),

		StoreBackend: storeBackend,
		RedisURL:     os.Getenv("REDIS_URL"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     dbPort,
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  sslMode,

		DeviceSecretKey: deviceSecretKey,

		InstanceID: instanceID,

		// 0 disables purging
		Retention:     time.Duration(nonNegativeInt("RETENTION_HOURS", 24*30)) * time.Hour,
		SweepInterval: time.Duration(positiveInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,

		ArchiveEndpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveRegion:          archiveRegion,
		ArchiveAccessKeyID:     os.Getenv("ARCHIVE_ACCESS_KEY_ID"),
		ArchiveSecretAccessKey: os.Getenv("ARCHIVE_SECRET_ACCESS_KEY"),
		ArchiveBucket:          os.Getenv("ARCHIVE_BUCKET"),
	}, nil
}

// ArchiveEnabled reports whether purged confirmations should be archived.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != "" && c.ArchiveAccessKeyID != "" && c.ArchiveSecretAccessKey != ""
}

func positiveInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func nonNegativeInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
