// Package config reads the simulator configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"binspire-simulator/internal/models"

	"github.com/joho/godotenv"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set")
	ErrNoTrashbins        = errors.New("TRASHBIN_IDS is empty")
)

// Config is everything the simulator process needs at startup
type Config struct {
	DatabaseURL string
	DBOpTimeout time.Duration

	MQTT MQTT

	TrashbinIDs       []string
	SensorTrashbinIDs []string

	SimulationInterval time.Duration
	SensorInterval     time.Duration
	MaxWeightKg        float64

	Ultrasonic Ultrasonic

	FirebaseCredentialsBase64 string
	FirebaseCredentialsFile   string
	NotificationLinkBase      string

	HTTPPort        string
	LoggingLevel    string
	ShutdownTimeout time.Duration
}

// MQTT holds the broker endpoint and credentials
type MQTT struct {
	Broker   string
	Port     int
	Username string
	Password string
	TLS      bool
}

// URL returns the broker URL paho expects, e.g. ssl://host:8883
func (m MQTT) URL() string {
	scheme := "tcp"
	if m.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker, m.Port)
}

// Ultrasonic holds the BCM pin assignment of the physical sensor
type Ultrasonic struct {
	TrigPin int
	EchoPin int
	Timeout time.Duration
}

// LoadDotEnv loads a .env file if present. The returned bool reports whether one was found.
func LoadDotEnv(filenames ...string) bool {
	return godotenv.Load(filenames...) == nil
}

// FromEnv reads and validates the configuration from the process environment
func FromEnv() (Config, error) {
	return Parse(os.Getenv)
}

// Parse reads the configuration through getenv and validates it
func Parse(getenv func(string) string) (Config, error) {
	var errs []error
	p := parser{getenv: getenv, errs: &errs}

	cfg := Config{
		DatabaseURL: strings.TrimSpace(getenv("DATABASE_URL")),
		DBOpTimeout: p.duration("DB_OP_TIMEOUT", 10*time.Second),
		MQTT: MQTT{
			Broker:   p.str("MQTT_BROKER", "localhost"),
			Port:     p.integer("MQTT_PORT", 8883),
			Username: getenv("MQTT_USERNAME"),
			Password: getenv("MQTT_PASSWORD"),
			TLS:      p.boolean("MQTT_TLS", true),
		},
		TrashbinIDs:        splitList(getenv("TRASHBIN_IDS")),
		SensorTrashbinIDs:  splitList(getenv("SENSOR_TRASHBIN_IDS")),
		SimulationInterval: p.duration("SIMULATION_INTERVAL", 60*time.Second),
		SensorInterval:     p.duration("SENSOR_INTERVAL", 20*time.Second),
		MaxWeightKg:        p.float("MAX_WEIGHT_KG", 30),
		Ultrasonic: Ultrasonic{
			TrigPin: p.integer("ULTRASONIC_TRIG_PIN", 23),
			EchoPin: p.integer("ULTRASONIC_ECHO_PIN", 24),
			Timeout: p.duration("ULTRASONIC_TIMEOUT", time.Second),
		},
		FirebaseCredentialsBase64: getenv("FIREBASE_CREDENTIALS_BASE64"),
		FirebaseCredentialsFile:   p.str("FIREBASE_CREDENTIALS_FILE", "./service-account.json"),
		NotificationLinkBase:      p.str("NOTIFICATION_LINK_BASE", models.DefaultNotificationLinkBase),
		HTTPPort:                  p.str("HTTP_PORT", "8080"),
		LoggingLevel:              getenv("LOGGING_LEVEL"),
		ShutdownTimeout:           p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if len(c.TrashbinIDs) == 0 {
		errs = append(errs, ErrNoTrashbins)
	}

	seen := make(map[string]bool, len(c.TrashbinIDs))
	for _, id := range c.TrashbinIDs {
		if seen[id] {
			errs = append(errs, fmt.Errorf("trashbin id %q is configured twice", id))
		}
		seen[id] = true
	}
	for _, id := range c.SensorTrashbinIDs {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("sensor trashbin id %q is not in TRASHBIN_IDS", id))
		}
	}

	if c.SimulationInterval <= 0 || c.SensorInterval <= 0 {
		errs = append(errs, errors.New("loop intervals must be positive"))
	}
	if c.MaxWeightKg <= 0 {
		errs = append(errs, errors.New("MAX_WEIGHT_KG must be positive"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("MQTT_PORT %d out of range", c.MQTT.Port))
	}

	return errs
}

// IsSensorBin reports whether the bin is bound to the physical sensor
func (c Config) IsSensorBin(id string) bool {
	for _, s := range c.SensorTrashbinIDs {
		if s == id {
			return true
		}
	}
	return false
}

// IntervalFor returns the sleep interval of the bin's loop
func (c Config) IntervalFor(id string) time.Duration {
	if c.IsSensorBin(id) {
		return c.SensorInterval
	}
	return c.SimulationInterval
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type parser struct {
	getenv func(string) string
	errs   *[]error
}

func (p parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("20s") or plain seconds ("20")
func (p parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
