package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"polymarket-copytrader/models"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "2s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// MonitorConfig controls the position monitor.
type MonitorConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// SweepConfig controls the status reconciler.
type SweepConfig struct {
	Interval     Duration `yaml:"interval"`
	PendingGrace Duration `yaml:"pending_grace"`
	BatchSize    int      `yaml:"batch_size"`
}

// MatchConfig controls FIFO matching and settlement pricing.
type MatchConfig struct {
	ClosureGrace   Duration `yaml:"closure_grace"`
	WinThreshold   float64  `yaml:"win_threshold"`
	LoseThreshold  float64  `yaml:"lose_threshold"`
	TransferPoll   Duration `yaml:"transfer_poll"`
	TransferLookup uint64   `yaml:"transfer_max_blocks"`
}

// ExecutorConfig controls order submission.
type ExecutorConfig struct {
	RetryBackoff   Duration `yaml:"retry_backoff"`
	MaxRetries     int      `yaml:"max_retries"`
	SubmitTimeout  Duration `yaml:"submit_timeout"`
	FanOutWorkers  int      `yaml:"fan_out_workers"`
	FanOutCapacity int      `yaml:"fan_out_capacity"`
}

// IngestConfig controls the trade source adapters.
type IngestConfig struct {
	ActivityPollInterval Duration `yaml:"activity_poll_interval"`
	ActivityLimit        int      `yaml:"activity_limit"`
	WSURL                string   `yaml:"ws_url"`
	WSReconnectDelay     Duration `yaml:"ws_reconnect_delay"`
	DisableWebsocket     bool     `yaml:"disable_websocket"`
}

// ExchangeConfig holds endpoints for external collaborators.
type ExchangeConfig struct {
	ClobURL        string   `yaml:"clob_url"`
	DataURL        string   `yaml:"data_url"`
	RPCURL         string   `yaml:"rpc_url"`
	ChainID        int64    `yaml:"chain_id"`
	CTFAddress     string   `yaml:"ctf_address"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// NotifyConfig controls outward notifications.
type NotifyConfig struct {
	TelegramChatID int64    `yaml:"telegram_chat_id"`
	DedupTTL       Duration `yaml:"dedup_ttl"`
	QueueSize      int      `yaml:"queue_size"`
}

// SeedConfig lists leaders, accounts and follower configs loaded into the store at boot.
type SeedConfig struct {
	Leaders   []models.Leader         `yaml:"leaders"`
	Accounts  []models.Account        `yaml:"accounts"`
	Followers []models.FollowerConfig `yaml:"followers"`
}

// Config aggregates all worker configuration knobs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Match    MatchConfig    `yaml:"match"`
	Executor ExecutorConfig `yaml:"executor"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Notify   NotifyConfig   `yaml:"notify"`
	Seed     SeedConfig     `yaml:"seed"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "INFO", Format: "console"},
		Monitor: MonitorConfig{
			PollInterval: Duration(2 * time.Second),
			FetchTimeout: Duration(10 * time.Second),
		},
		Sweep: SweepConfig{
			Interval:     Duration(5 * time.Second),
			PendingGrace: Duration(30 * time.Second),
			BatchSize:    100,
		},
		Match: MatchConfig{
			ClosureGrace:   Duration(30 * time.Second),
			WinThreshold:   0.99,
			LoseThreshold:  0.01,
			TransferPoll:   Duration(10 * time.Second),
			TransferLookup: 2000,
		},
		Executor: ExecutorConfig{
			RetryBackoff:   Duration(time.Second),
			MaxRetries:     1,
			SubmitTimeout:  Duration(10 * time.Second),
			FanOutWorkers:  16,
			FanOutCapacity: 256,
		},
		Ingest: IngestConfig{
			ActivityPollInterval: Duration(3 * time.Second),
			ActivityLimit:        50,
			WSURL:                "wss://ws-live-data.polymarket.com",
			WSReconnectDelay:     Duration(2 * time.Second),
		},
		Exchange: ExchangeConfig{
			ClobURL:        "https://clob.polymarket.com",
			DataURL:        "https://data-api.polymarket.com",
			RPCURL:         "https://polygon-rpc.com",
			ChainID:        137,
			CTFAddress:     "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			RateLimitRPS:   10,
			RequestTimeout: Duration(15 * time.Second),
		},
		Notify: NotifyConfig{
			DedupTTL:  Duration(10 * time.Minute),
			QueueSize: 256,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = def.Monitor.PollInterval
	}
	if c.Monitor.FetchTimeout == 0 {
		c.Monitor.FetchTimeout = def.Monitor.FetchTimeout
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = def.Sweep.Interval
	}
	if c.Sweep.PendingGrace == 0 {
		c.Sweep.PendingGrace = def.Sweep.PendingGrace
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = def.Sweep.BatchSize
	}
	if c.Match.ClosureGrace == 0 {
		c.Match.ClosureGrace = def.Match.ClosureGrace
	}
	if c.Match.WinThreshold == 0 {
		c.Match.WinThreshold = def.Match.WinThreshold
	}
	if c.Match.LoseThreshold == 0 {
		c.Match.LoseThreshold = def.Match.LoseThreshold
	}
	if c.Match.TransferPoll == 0 {
		c.Match.TransferPoll = def.Match.TransferPoll
	}
	if c.Match.TransferLookup == 0 {
		c.Match.TransferLookup = def.Match.TransferLookup
	}
	if c.Executor.RetryBackoff == 0 {
		c.Executor.RetryBackoff = def.Executor.RetryBackoff
	}
	if c.Executor.SubmitTimeout == 0 {
		c.Executor.SubmitTimeout = def.Executor.SubmitTimeout
	}
	if c.Executor.FanOutWorkers == 0 {
		c.Executor.FanOutWorkers = def.Executor.FanOutWorkers
	}
	if c.Executor.FanOutCapacity == 0 {
		c.Executor.FanOutCapacity = def.Executor.FanOutCapacity
	}
	if c.Ingest.ActivityPollInterval == 0 {
		c.Ingest.ActivityPollInterval = def.Ingest.ActivityPollInterval
	}
	if c.Ingest.ActivityLimit == 0 {
		c.Ingest.ActivityLimit = def.Ingest.ActivityLimit
	}
	if c.Ingest.WSURL == "" {
		c.Ingest.WSURL = def.Ingest.WSURL
	}
	if c.Ingest.WSReconnectDelay == 0 {
		c.Ingest.WSReconnectDelay = def.Ingest.WSReconnectDelay
	}
	if c.Exchange.ClobURL == "" {
		c.Exchange.ClobURL = def.Exchange.ClobURL
	}
	if c.Exchange.DataURL == "" {
		c.Exchange.DataURL = def.Exchange.DataURL
	}
	if c.Exchange.RPCURL == "" {
		c.Exchange.RPCURL = def.Exchange.RPCURL
	}
	if c.Exchange.ChainID == 0 {
		c.Exchange.ChainID = def.Exchange.ChainID
	}
	if c.Exchange.CTFAddress == "" {
		c.Exchange.CTFAddress = def.Exchange.CTFAddress
	}
	if c.Exchange.RateLimitRPS == 0 {
		c.Exchange.RateLimitRPS = def.Exchange.RateLimitRPS
	}
	if c.Exchange.RequestTimeout == 0 {
		c.Exchange.RequestTimeout = def.Exchange.RequestTimeout
	}
	if c.Notify.DedupTTL == 0 {
		c.Notify.DedupTTL = def.Notify.DedupTTL
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = def.Notify.QueueSize
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	intervals := map[string]Duration{
		"monitor.poll_interval":         c.Monitor.PollInterval,
		"sweep.interval":                c.Sweep.Interval,
		"sweep.pending_grace":           c.Sweep.PendingGrace,
		"match.closure_grace":           c.Match.ClosureGrace,
		"ingest.activity_poll_interval": c.Ingest.ActivityPollInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Match.WinThreshold <= 0 || c.Match.WinThreshold >= 1 {
		return fmt.Errorf("config: match.win_threshold %.4f outside (0,1)", c.Match.WinThreshold)
	}
	if c.Match.LoseThreshold <= 0 || c.Match.LoseThreshold >= c.Match.WinThreshold {
		return fmt.Errorf("config: match.lose_threshold %.4f must be in (0, win_threshold)", c.Match.LoseThreshold)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("config: executor.max_retries must not be negative")
	}
	return nil
}

// ApplyEnv overrides endpoints and secrets-adjacent knobs from the
// environment. getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := getenv("POLYGON_RPC_URL"); v != "" {
		c.Exchange.RPCURL = v
	}
	if v := getenv("CLOB_URL"); v != "" {
		c.Exchange.ClobURL = v
	}
	if v := getenv("DATA_API_URL"); v != "" {
		c.Exchange.DataURL = v
	}
	if v := getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		}
	}
}
