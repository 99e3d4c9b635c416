package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server is the cloud process configuration, read from the environment
// (optionally seeded from a .env file).
type Server struct {
	Port     string
	LogLevel string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// DeviceAPIKey is shared by all devices; it may be a bcrypt hash.
	// DeviceKeys holds per-user keys ("user:key,user:key") that take precedence.
	DeviceAPIKey string
	DeviceKeys   map[string]string

	MaxConnections int
	AuthTimeout    time.Duration
	IdleTimeout    time.Duration
	SessionExpiry  time.Duration
	ReaperInterval time.Duration
	WindowSamples  int
	WindowHop      int
	SampleRate     float64
	LaneSize       int
	BufferSize     int

	ClassifierTimeout    time.Duration
	RemoteClassifierURL  string
	RemoteClassifierName string
	RemoteAttempts       int

	BatchSize           int
	FlushInterval       time.Duration
	FlushAttempts       int
	StoreFeatureVectors bool
	PersistRawSamples   bool
	RawRetention        time.Duration

	PostgresURI string
	AutoMigrate bool
	MongoURI    string
	MongoDB     string
	RedisAddr   string
	NATSURL     string
	NATSPrefix  string

	DeadLetterGCSBucket string
	DeadLetterS3Bucket  string
	AWSRegion           string
	DeadLetterPrefix    string

	ShutdownTimeout time.Duration
}

// env collects parse failures so every bad variable is reported at once.
type env struct {
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, key+": not an integer")
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, key+": not a number")
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, key+": not a boolean")
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, key+": not a duration")
		return def
	}
	return d
}

func parseKeyList(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, key, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(user) == "" || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("DEVICE_KEYS: entry %q is not user:key", pair)
		}
		out[strings.TrimSpace(user)] = strings.TrimSpace(key)
	}
	return out, nil
}

func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	e := &env{}
	c := &Server{
		Port:     e.str("PORT", "8080"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		JWTSecret:   e.str("JWT_SECRET", ""),
		JWTIssuer:   e.str("JWT_ISSUER", ""),
		JWTAudience: e.str("JWT_AUDIENCE", ""),

		DeviceAPIKey: e.str("DEVICE_API_KEY", ""),

		MaxConnections: e.integer("MAX_CONNECTIONS", 100),
		AuthTimeout:    e.duration("AUTH_TIMEOUT", 10*time.Second),
		IdleTimeout:    e.duration("IDLE_TIMEOUT", 30*time.Second),
		SessionExpiry:  e.duration("SESSION_EXPIRY", 10*time.Minute),
		ReaperInterval: e.duration("REAPER_INTERVAL", 5*time.Second),
		WindowSamples:  e.integer("WINDOW_SAMPLES", 1000),
		WindowHop:      e.integer("WINDOW_HOP", 500),
		SampleRate:     e.number("SAMPLE_RATE", 250),
		LaneSize:       e.integer("LANE_SIZE", 16),
		BufferSize:     e.integer("BUFFER_SIZE", 1000),

		ClassifierTimeout:    e.duration("CLASSIFIER_TIMEOUT", 5*time.Second),
		RemoteClassifierURL:  e.str("REMOTE_CLASSIFIER_URL", ""),
		RemoteClassifierName: e.str("REMOTE_CLASSIFIER_NAME", "remote"),
		RemoteAttempts:       e.integer("REMOTE_CLASSIFIER_ATTEMPTS", 3),

		BatchSize:           e.integer("BATCH_SIZE", 50),
		FlushInterval:       e.duration("FLUSH_INTERVAL", 5*time.Second),
		FlushAttempts:       e.integer("FLUSH_ATTEMPTS", 5),
		StoreFeatureVectors: e.boolean("STORE_FEATURE_VECTORS", true),
		PersistRawSamples:   e.boolean("PERSIST_RAW_SAMPLES", false),
		RawRetention:        e.duration("RAW_RETENTION", 24*time.Hour),

		PostgresURI: e.str("POSTGRES_URI", ""),
		AutoMigrate: e.boolean("AUTO_MIGRATE", false),
		MongoURI:    e.str("MONGO_URI", ""),
		MongoDB:     e.str("MONGO_DB", "cogload"),
		RedisAddr:   e.str("REDIS_ADDR", e.str("REDIS_URL", "")),
		NATSURL:     e.str("NATS_URL", ""),
		NATSPrefix:  e.str("NATS_SUBJECT_PREFIX", "cogload.results"),

		DeadLetterGCSBucket: e.str("DEADLETTER_GCS_BUCKET", ""),
		DeadLetterS3Bucket:  e.str("DEADLETTER_S3_BUCKET", ""),
		AWSRegion:           e.str("AWS_REGION", "us-east-1"),
		DeadLetterPrefix:    e.str("DEADLETTER_PREFIX", "deadletter"),

		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	keys, err := parseKeyList(os.Getenv("DEVICE_KEYS"))
	if err != nil {
		e.errs = append(e.errs, err.Error())
	}
	c.DeviceKeys = keys

	if c.JWTSecret == "" {
		e.errs = append(e.errs, "JWT_SECRET is not set")
	}
	if c.DeviceAPIKey == "" && len(c.DeviceKeys) == 0 {
		e.errs = append(e.errs, "DEVICE_API_KEY or DEVICE_KEYS must be set")
	}
	if c.PersistRawSamples && c.MongoURI == "" {
		e.errs = append(e.errs, "PERSIST_RAW_SAMPLES requires MONGO_URI")
	}
	if c.WindowHop <= 0 || c.WindowHop > c.WindowSamples {
		e.errs = append(e.errs, "WINDOW_HOP must be in 1..WINDOW_SAMPLES")
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	return c, nil
}
