package domain

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete cardsim configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Simulation defaults applied to every run
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds

	// AllowedOrigins lists the CORS origins allowed to call the API.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// SimulationConfig describes one simulation run.
type SimulationConfig struct {
	// ParamsPath points at the YAML empirical table. Empty selects the
	// built-in uniform table.
	ParamsPath string `json:"paramsPath,omitempty" yaml:"params_path"`

	Seed           uint64 `json:"seed" yaml:"seed"`
	StartDate      string `json:"startDate" yaml:"start_date"` // 2006-01-02 or RFC 3339
	EndDate        string `json:"endDate" yaml:"end_date"`
	GlobalTimezone string `json:"globalTimezone" yaml:"global_timezone"`

	// Workers > 1 evaluates agent transaction decisions in parallel.
	Workers int `json:"workers" yaml:"workers"`

	// BlockAfterFrauds blocks a card after this many authorized fraudulent
	// transactions. Zero disables blocking.
	BlockAfterFrauds int `json:"blockAfterFrauds,omitempty" yaml:"block_after_frauds"`

	Authenticator AuthenticatorConfig `json:"authenticator" yaml:"authenticator"`
	Behavior      BehaviorConfig      `json:"behavior" yaml:"behavior"`
}

// Period parses the start and end dates in the global timezone.
func (s SimulationConfig) Period() (start, end time.Time, err error) {
	loc := time.UTC
	if s.GlobalTimezone != "" {
		loc, err = time.LoadLocation(s.GlobalTimezone)
		if err != nil {
			return start, end, fmt.Errorf("invalid global timezone %q: %w", s.GlobalTimezone, err)
		}
	}
	if start, err = parseDate(s.StartDate, loc); err != nil {
		return start, end, fmt.Errorf("invalid start date: %w", err)
	}
	if end, err = parseDate(s.EndDate, loc); err != nil {
		return start, end, fmt.Errorf("invalid end date: %w", err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end date %s is before start date %s", s.EndDate, s.StartDate)
	}
	return start, end, nil
}

// Window returns the first simulated hour and the first instant past the
// period. A bare end date covers that whole day; an end with a time of day
// covers up to and including its hour.
func (s SimulationConfig) Window() (start, stop time.Time, err error) {
	start, end, err := s.Period()
	if err != nil {
		return start, stop, err
	}
	return start, periodStop(end), nil
}

func periodStop(end time.Time) time.Time {
	y, mo, d := end.Date()
	h, mi, sec := end.Clock()
	if h == 0 && mi == 0 && sec == 0 && end.Nanosecond() == 0 {
		return time.Date(y, mo, d, 0, 0, 0, 0, end.Location()).AddDate(0, 0, 1)
	}
	return time.Date(y, mo, d, h, 0, 0, 0, end.Location()).Add(time.Hour)
}

func parseDate(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateTime, v, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// Authenticator types.
const (
	AuthOracle       = "oracle"
	AuthNeverSecond  = "never_second"
	AuthAlwaysSecond = "always_second"
	AuthHeuristic    = "heuristic"
	AuthRandom       = "random"
	AuthLearned      = "learned"
	AuthBandit       = "bandit"
	AuthRule         = "rule"
)

// AuthenticatorConfig selects and parameterises the authentication strategy.
type AuthenticatorConfig struct {
	Type string `json:"type" yaml:"type"`

	// heuristic
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold"`

	// random
	Probability float64 `json:"probability,omitempty" yaml:"probability"`

	// rule: CEL expression returning bool, true requests a second factor
	Expression string `json:"expression,omitempty" yaml:"expression"`

	// learned / bandit
	LearningRate  float64   `json:"learningRate,omitempty" yaml:"learning_rate"`
	Discount      float64   `json:"discount,omitempty" yaml:"discount"`
	Epsilon       float64   `json:"epsilon,omitempty" yaml:"epsilon"`
	AmountBuckets []float64 `json:"amountBuckets,omitempty" yaml:"amount_buckets"`
	Currencies    []string  `json:"currencies,omitempty" yaml:"currencies"`
	UseCurrency   bool      `json:"useCurrency,omitempty" yaml:"use_currency"`
	Init          string    `json:"init,omitempty" yaml:"init"` // zero, always_second, random
}

// BehaviorConfig holds the tunable constants of the agent behaviour model.
type BehaviorConfig struct {
	// SeasonalBlend weights the seasonally adjusted transaction probability
	// against the flat prior: p = blend*seasonal + (1-blend)*prior.
	SeasonalBlend float64 `json:"seasonalBlend" yaml:"seasonal_blend"`

	InitSatisfaction float64 `json:"initSatisfaction" yaml:"init_satisfaction"`

	// Multipliers applied to a genuine customer's satisfaction after a transaction.
	SatisfactionNoAuth     float64 `json:"satisfactionNoAuth" yaml:"satisfaction_no_auth"`
	SatisfactionAuthorized float64 `json:"satisfactionAuthorized" yaml:"satisfaction_authorized"`
	SatisfactionCancelled  float64 `json:"satisfactionCancelled" yaml:"satisfaction_cancelled"`
	SatisfactionCorrupted  float64 `json:"satisfactionCorrupted" yaml:"satisfaction_corrupted"`

	// Patience ~ Beta(PatienceAlpha, PatienceBeta).
	PatienceAlpha float64 `json:"patienceAlpha" yaml:"patience_alpha"`
	PatienceBeta  float64 `json:"patienceBeta" yaml:"patience_beta"`
}

// Validate checks that the behaviour constants describe a usable model.
func (b BehaviorConfig) Validate() error {
	if !(b.SeasonalBlend >= 0 && b.SeasonalBlend <= 1) {
		return fmt.Errorf("seasonal blend %v outside [0,1]", b.SeasonalBlend)
	}
	if !(b.PatienceAlpha > 0 && b.PatienceBeta > 0) {
		return fmt.Errorf("patience distribution Beta(%v, %v) is invalid", b.PatienceAlpha, b.PatienceBeta)
	}
	if !(b.InitSatisfaction >= 0 && b.InitSatisfaction <= 1) {
		return fmt.Errorf("initial satisfaction %v outside [0,1]", b.InitSatisfaction)
	}
	for _, f := range []float64{b.SatisfactionNoAuth, b.SatisfactionAuthorized, b.SatisfactionCancelled, b.SatisfactionCorrupted} {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("satisfaction multiplier %v must be finite and non-negative", f)
		}
	}
	return nil
}

// DefaultSimulationConfig returns the simulation defaults: one calendar year,
// no second-factor friction.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Seed:           666,
		StartDate:      "2016-01-01",
		EndDate:        "2016-12-31",
		GlobalTimezone: "UTC",
		Workers:        1,
		Authenticator: AuthenticatorConfig{
			Type:          AuthNeverSecond,
			Threshold:     50,
			Probability:   0.5,
			LearningRate:  0.01,
			Discount:      0.1,
			Epsilon:       0.1,
			AmountBuckets: []float64{5, 25, 50, 100, 1000},
			Currencies:    []string{"EUR", "USD"},
			Init:          "zero",
		},
		Behavior: BehaviorConfig{
			SeasonalBlend:          1.0,
			InitSatisfaction:       1.0,
			SatisfactionNoAuth:     1.01,
			SatisfactionAuthorized: 0.99,
			SatisfactionCancelled:  0.95,
			SatisfactionCorrupted:  0.9,
			PatienceAlpha:          10,
			PatienceBeta:           2,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   300,
			AllowedOrigins: []string{"*"},
		},
		Tier:       TierCommunity,
		Simulation: DefaultSimulationConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./cardsim.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cardsim",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "cardsim",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       300 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig reads a YAML configuration file on top of base. Environment
// variables in the file are expanded before parsing.
func LoadConfig(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
