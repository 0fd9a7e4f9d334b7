package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from an optional config.yaml overlaid by environment variables,
// with defaults that let the binary run locally without Redis, Kafka or
// Postgres.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	GeoStaleness   time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	PGDSN          string
	RunMigrations  bool
	JWTSecret      string
	LogLevel       string
	LogFormat      string
	TravelCaptains []string

	UrbanRadiusKm      float64
	IntercityRadiusKm  float64
	QueryTimeout       time.Duration
	EligibilityTimeout time.Duration
	OfferWindow        time.Duration
	MaxCandidates      int
	DefaultSpeedMps    float64
	WSSendBuffer       int
	WSPingInterval     time.Duration
	WSAuthTimeout      time.Duration
	WSMaxPendingSubs   int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers:geo",
		GeoStaleness:       2 * time.Minute,
		KafkaTopic:         "driver-locations",
		LogLevel:           "info",
		LogFormat:          "json",
		UrbanRadiusKm:      10,
		IntercityRadiusKm:  50,
		QueryTimeout:       2 * time.Second,
		EligibilityTimeout: 2 * time.Second,
		OfferWindow:        2 * time.Minute,
		MaxCandidates:      50,
		DefaultSpeedMps:    8,
		WSSendBuffer:       64,
		WSPingInterval:     30 * time.Second,
		WSAuthTimeout:      10 * time.Second,
		WSMaxPendingSubs:   32,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := defaultServerConfig()
	var errs []error

	setString(v, &cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDuration(v, &cfg.GeoStaleness, "GEO_STALENESS_WINDOW", &errs)

	setList(v, &cfg.KafkaBrokers, "KAFKA_BROKERS")
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")

	setString(v, &cfg.PGDSN, "PG_DSN")
	setBool(v, &cfg.RunMigrations, "MIGRATE", &errs)
	cfg.JWTSecret = v.GetString("JWT_SECRET")
	setString(v, &cfg.LogLevel, "LOG_LEVEL")
	setString(v, &cfg.LogFormat, "LOG_FORMAT")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	setList(v, &cfg.TravelCaptains, "TRAVEL_CAPTAINS")

	setFloat(v, &cfg.UrbanRadiusKm, "DISPATCH_URBAN_RADIUS_KM", &errs)
	setFloat(v, &cfg.IntercityRadiusKm, "DISPATCH_INTERCITY_RADIUS_KM", &errs)
	setDuration(v, &cfg.QueryTimeout, "DISPATCH_QUERY_TIMEOUT", &errs)
	setDuration(v, &cfg.EligibilityTimeout, "DISPATCH_ELIGIBILITY_TIMEOUT", &errs)
	setDuration(v, &cfg.OfferWindow, "DISPATCH_OFFER_WINDOW", &errs)
	setInt(v, &cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setFloat(v, &cfg.DefaultSpeedMps, "DISPATCH_DEFAULT_SPEED_MPS", &errs)

	setInt(v, &cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDuration(v, &cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDuration(v, &cfg.WSAuthTimeout, "WS_AUTH_TIMEOUT", &errs)
	setInt(v, &cfg.WSMaxPendingSubs, "WS_MAX_PENDING_SUBSCRIPTIONS", &errs)

	if cfg.UrbanRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_URBAN_RADIUS_KM must be > 0"))
	}
	if cfg.IntercityRadiusKm < cfg.UrbanRadiusKm {
		errs = append(errs, fmt.Errorf("DISPATCH_INTERCITY_RADIUS_KM must be >= DISPATCH_URBAN_RADIUS_KM"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.GeoStaleness <= 0 {
		errs = append(errs, fmt.Errorf("GEO_STALENESS_WINDOW must be > 0"))
	}
	// Heartbeats sent to Kafka land in Redis through the consumer; an
	// in-process index would never see them.
	if len(cfg.KafkaBrokers) > 0 && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS requires REDIS_ADDR"))
	}
	errs = append(errs, checkLogFormat(cfg.LogFormat))

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the heartbeat consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoStaleness  time.Duration
	// PruneInterval is how often expired drivers are swept from the GEO set.
	// Zero disables the sweep.
	PruneInterval time.Duration
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
	LogFormat     string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "trip-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers:geo",
		GeoStaleness:  2 * time.Minute,
		PruneInterval: 10 * time.Minute,
		Attempts:      3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := defaultConsumerConfig()
	var errs []error

	setString(v, &cfg.MetricsAddr, "METRICS_ADDR")
	setList(v, &cfg.KafkaBrokers, "KAFKA_BROKERS")
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(v, &cfg.KafkaGroup, "KAFKA_GROUP")
	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDuration(v, &cfg.GeoStaleness, "GEO_STALENESS_WINDOW", &errs)
	setDuration(v, &cfg.PruneInterval, "GEO_PRUNE_INTERVAL", &errs)
	setInt(v, &cfg.Attempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDuration(v, &cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	setString(v, &cfg.LogLevel, "LOG_LEVEL")
	setString(v, &cfg.LogFormat, "LOG_FORMAT")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.PruneInterval < 0 {
		errs = append(errs, fmt.Errorf("GEO_PRUNE_INTERVAL must be >= 0"))
	}
	errs = append(errs, checkLogFormat(cfg.LogFormat))

	return cfg, errors.Join(errs...)
}

// ClientConfig configures the rider-side tripwatch tool.
type ClientConfig struct {
	APIURL       string
	APIVersion   string
	Token        string
	TripID       string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	LogLevel     string
	LogFormat    string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIURL:       "http://localhost:8080/api",
		APIVersion:   "v1",
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		PollInterval: 5 * time.Second,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// ClientFlags registers the tripwatch flags. Every flag overrides the
// environment variable of the same name in upper snake case.
func ClientFlags(fs *pflag.FlagSet) {
	d := defaultClientConfig()
	fs.String("api-url", d.APIURL, "REST base URL; the WebSocket URL is derived from it")
	fs.String("api-version", d.APIVersion, "REST version prefix appended to api-url")
	fs.String("token", "", "bearer token for the API and the realtime auth frame")
	fs.String("trip-id", "", "trip to follow")
	fs.Duration("reconnect-base-delay", d.BaseDelay, "first reconnect delay")
	fs.Duration("reconnect-max-delay", d.MaxDelay, "reconnect delay cap")
	fs.Duration("poll-interval", d.PollInterval, "status poll interval")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "json or text")
}

func LoadClientConfig(fs *pflag.FlagSet) (ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return ClientConfig{}, err
	}
	if fs != nil {
		var bindErrs []error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			bindErrs = append(bindErrs, v.BindPFlag(key, f))
		})
		if err := errors.Join(bindErrs...); err != nil {
			return ClientConfig{}, err
		}
	}
	cfg := defaultClientConfig()
	var errs []error

	setString(v, &cfg.APIURL, "API_URL")
	setString(v, &cfg.APIVersion, "API_VERSION")
	setString(v, &cfg.Token, "TOKEN")
	setString(v, &cfg.TripID, "TRIP_ID")
	setDuration(v, &cfg.BaseDelay, "RECONNECT_BASE_DELAY", &errs)
	setDuration(v, &cfg.MaxDelay, "RECONNECT_MAX_DELAY", &errs)
	setDuration(v, &cfg.PollInterval, "POLL_INTERVAL", &errs)
	setString(v, &cfg.LogLevel, "LOG_LEVEL")
	setString(v, &cfg.LogFormat, "LOG_FORMAT")
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if cfg.TripID == "" {
		errs = append(errs, fmt.Errorf("TRIP_ID is required"))
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY > 0"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}
	errs = append(errs, checkLogFormat(cfg.LogFormat))

	return cfg, errors.Join(errs...)
}

// RESTBase is the URL the trip endpoints hang off.
func (c ClientConfig) RESTBase() string {
	base := strings.TrimRight(c.APIURL, "/")
	if c.APIVersion == "" {
		return base
	}
	return base + "/" + strings.Trim(c.APIVersion, "/")
}

// newViper reads config.yaml from . or ./config, or the file named by
// CONFIG_FILE, and overlays the environment. A missing file is fine.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return v, nil
}

func raw(v *viper.Viper, key string) (string, bool) {
	if !v.IsSet(key) {
		return "", false
	}
	s := strings.TrimSpace(v.GetString(key))
	return s, s != ""
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s, ok := raw(v, key); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if s, ok := raw(v, key); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	if s, ok := raw(v, key); ok {
		i, err := strconv.Atoi(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBool(v *viper.Viper, target *bool, key string, errs *[]error) {
	if s, ok := raw(v, key); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setString(v *viper.Viper, target *string, key string) {
	if s, ok := raw(v, key); ok {
		*target = s
	}
}

// setList accepts a comma separated string (env) or a YAML sequence.
func setList(v *viper.Viper, target *[]string, key string) {
	if !v.IsSet(key) {
		return
	}
	var items []string
	for _, s := range v.GetStringSlice(key) {
		items = append(items, splitAndTrim(s)...)
	}
	if len(items) > 0 {
		*target = items
	}
}

func checkLogFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("LOG_FORMAT must be json or text, got %q", format)
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
