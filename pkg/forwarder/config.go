package forwarder

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultShutdownGraceDuration = 3 * time.Second
	defaultEnqueueRetryDuration  = 1 * time.Second
	defaultLogLevel              = logrus.InfoLevel
	defaultRateLimitWindow       = time.Minute

	// minConnectTimeout is the floor applied to the
	// configured connect timeout.
	minConnectTimeout = 10 * time.Second
)

// Rate limiter kinds accepted by the rateLimiter key.
const (
	RateLimiterWindow = "window"
	RateLimiterBucket = "bucket"
)

// Config is the forwarder configuration.
//
// It is usually built from a flat key/value map with ParseConfig,
// the koanf tags are the recognised keys.
type Config struct {
	// Enabled switches forwarding on. When false, notifications
	// are refused rather than queued.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the base URL of the collector.
	Endpoint  string `koanf:"endpoint" validate:"required,url"`
	AuthToken string `koanf:"authToken"`

	MaxRequestsPerMinute int    `koanf:"maxRequestsPerMinute" validate:"gt=0"`
	RateLimiter          string `koanf:"rateLimiter" validate:"oneof=window bucket"`

	// ClientThreads is the number of workers in the pool.
	ClientThreads int `koanf:"clientThreads" validate:"gte=1"`

	ConnectTimeoutMillis int `koanf:"connectTimeoutMillis" validate:"gte=0"`

	ProxyHost string `koanf:"proxyHost" validate:"required_with=ProxyPort"`
	ProxyPort int    `koanf:"proxyPort" validate:"gte=0,lte=65535"`

	// Custom keystore for mutual TLS, in PKCS#12 format.
	CustomKeystorePath        string `koanf:"customKeystorePath"`
	CustomKeystorePassword    string `koanf:"customKeystorePassword" validate:"required_with=CustomKeystorePath"`
	CustomKeystoreKeyPassword string `koanf:"customKeystoreKeyPassword"`
	InsecureSkipVerify        bool   `koanf:"insecureSkipVerify"`

	MaxRetryAttempts     int     `koanf:"maxRetryAttempts" validate:"gte=1"`
	RetryBaseDelayMillis int     `koanf:"retryBaseDelayMillis" validate:"gte=0"`
	RetryMultiplier      float64 `koanf:"retryMultiplier" validate:"gte=1"`
	RetryMaxDelayMillis  int     `koanf:"retryMaxDelayMillis" validate:"gtefield=RetryBaseDelayMillis"`

	BatchSize int `koanf:"batchSize" validate:"gte=1"`

	// QueueCapacity bounds the number of queued notifications.
	// Zero means unbounded.
	QueueCapacity int `koanf:"queueCapacity" validate:"gte=0"`

	// PollIntervalMillis is how long a worker sleeps
	// between two batches.
	PollIntervalMillis   int `koanf:"pollIntervalMillis" validate:"gt=0"`
	StatusIntervalMillis int `koanf:"statusIntervalMillis" validate:"gte=0"`

	PerNotificationLogging bool `koanf:"perNotificationLogging"`
	ForwardingHistory      bool `koanf:"forwardingHistory"`
}

// DefaultConfig returns the configuration used for keys
// that are not set.
//
// Endpoint has no default.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxRequestsPerMinute:   500,
		RateLimiter:            RateLimiterWindow,
		ClientThreads:          1,
		ConnectTimeoutMillis:   int(minConnectTimeout / time.Millisecond),
		MaxRetryAttempts:       3,
		RetryBaseDelayMillis:   100,
		RetryMultiplier:        4,
		RetryMaxDelayMillis:    5000,
		BatchSize:              50,
		PollIntervalMillis:     10,
		StatusIntervalMillis:   60000,
		PerNotificationLogging: false,
		ForwardingHistory:      true,
	}
}

// ParseConfig builds a Config from a flat key/value map,
// using DefaultConfig for the keys that are absent.
//
// Values may be strings ("100", "true") or already typed.
// The result is validated.
func ParseConfig(values map[string]any) (Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(values, ""), nil); err != nil {
		return Config{}, fmt.Errorf("load config map: %w", err)
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, newConfigError(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return v
}

// Validate checks the configuration.
//
// Invalid values are rejected rather than replaced
// with defaults.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return newConfigError(err)
	}

	return nil
}

func (c Config) connectTimeout() time.Duration {
	d := time.Duration(c.ConnectTimeoutMillis) * time.Millisecond
	if d < minConnectTimeout {
		return minConnectTimeout
	}

	return d
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c Config) statusInterval() time.Duration {
	return time.Duration(c.StatusIntervalMillis) * time.Millisecond
}

func (c Config) backoff() Backoff {
	return Backoff{
		BaseDelay: time.Duration(c.RetryBaseDelayMillis) * time.Millisecond,
		MaxDelay:  time.Duration(c.RetryMaxDelayMillis) * time.Millisecond,
		Factor:    c.RetryMultiplier,
	}
}
