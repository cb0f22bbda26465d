package lotteryd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/wire"
)

// AcceptMode selects how the accept loop relates to the draw barrier.
type AcceptMode string

const (
	// AcceptAgencies keeps accepting until shutdown. The draw waits for
	// distinct completed agency ids only.
	AcceptAgencies AcceptMode = "agencies"
	// AcceptConnections pauses accepting after Agencies connections and
	// resumes once the draw is published. A client that reconnects before
	// completing consumes an extra slot and can stall the draw.
	AcceptConnections AcceptMode = "connections"
)

const (
	// DefaultListen is the default TCP listen address.
	DefaultListen = ":12345"
	// DefaultListenProto is the default listen network.
	DefaultListenProto = "tcp"
	// DefaultListenBacklog is the default accept queue depth.
	DefaultListenBacklog = 5
	// DefaultAgencies is the default number of agencies the draw waits for.
	DefaultAgencies = 5
	// DefaultAcceptMode keeps accepting connections for the whole run.
	DefaultAcceptMode = AcceptAgencies
	// DefaultWinningNumber is the number the default rule matches.
	DefaultWinningNumber = lottery.DefaultWinningNumber
	// DefaultStore keeps bets in memory.
	DefaultStore = "mem://"
	// DefaultMetricsListen disables the metrics endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof endpoint.
	DefaultPprofListen = ""
	// DefaultReadTimeout disables per-message read deadlines.
	DefaultReadTimeout = time.Duration(0)
	// DefaultWriteTimeout bounds every response write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMaxStringBytes caps decoded NUL-terminated strings.
	DefaultMaxStringBytes = wire.DefaultMaxStringLength
	// DefaultShutdownTimeout bounds a graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultDrawRetryDelay caps the backoff between failed draw attempts.
	DefaultDrawRetryDelay = 5 * time.Second
	// DefaultStorageRetryMaxAttempts bounds transient storage retries.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first storage retry delay.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps storage retry delays.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows storage retry delays.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConnGuardThreshold disables the connection guard.
	DefaultConnGuardThreshold = 0
	// DefaultConnGuardWindow is the period violations are counted over.
	DefaultConnGuardWindow = 10 * time.Second
	// DefaultConnGuardBlockDuration is how long an offending host is blocked.
	DefaultConnGuardBlockDuration = time.Minute
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the server configuration.
type Config struct {
	Listen        string
	ListenProto   string
	ListenBacklog int

	// Agencies is the number of distinct agencies whose completion triggers
	// the draw.
	Agencies      int
	AcceptMode    AcceptMode
	WinningNumber uint32

	Store string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxStringBytes  int
	ShutdownTimeout time.Duration
	DrawRetryDelay  time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// S3 credentials for s3:// stores. Empty values fall back to the
	// environment.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// ConnGuardThreshold blocks a remote host after this many protocol
	// violations within ConnGuardWindow. Zero disables the guard.
	ConnGuardThreshold     int
	ConnGuardWindow        time.Duration
	ConnGuardBlockDuration time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// DefaultConfig returns a Config populated with the Default* values.
func DefaultConfig() Config {
	return Config{
		Listen:                  DefaultListen,
		ListenProto:             DefaultListenProto,
		ListenBacklog:           DefaultListenBacklog,
		Agencies:                DefaultAgencies,
		AcceptMode:              DefaultAcceptMode,
		WinningNumber:           DefaultWinningNumber,
		Store:                   DefaultStore,
		ReadTimeout:             DefaultReadTimeout,
		WriteTimeout:            DefaultWriteTimeout,
		MaxStringBytes:          DefaultMaxStringBytes,
		ShutdownTimeout:         DefaultShutdownTimeout,
		DrawRetryDelay:          DefaultDrawRetryDelay,
		StorageRetryMaxAttempts: DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   DefaultStorageRetryBaseDelay,
		StorageRetryMaxDelay:    DefaultStorageRetryMaxDelay,
		StorageRetryMultiplier:  DefaultStorageRetryMultiplier,
		ConnGuardThreshold:      DefaultConnGuardThreshold,
		ConnGuardWindow:         DefaultConnGuardWindow,
		ConnGuardBlockDuration:  DefaultConnGuardBlockDuration,
	}
}

// Validate fills unset fields with defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: listen-proto must be tcp, tcp4 or tcp6, got %q", c.ListenProto)
	}
	if c.ListenBacklog < 0 {
		return fmt.Errorf("config: listen-backlog must be >= 0")
	}
	if c.Agencies <= 0 {
		return fmt.Errorf("config: agencies must be > 0")
	}
	c.AcceptMode = AcceptMode(strings.ToLower(strings.TrimSpace(string(c.AcceptMode))))
	switch c.AcceptMode {
	case "":
		c.AcceptMode = DefaultAcceptMode
	case AcceptAgencies, AcceptConnections:
	default:
		return fmt.Errorf("config: accept-mode must be %q or %q", AcceptAgencies, AcceptConnections)
	}
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("config: timeouts must be >= 0")
	}
	if c.MaxStringBytes == 0 {
		c.MaxStringBytes = DefaultMaxStringBytes
	} else if c.MaxStringBytes < 0 {
		return fmt.Errorf("config: max-string-bytes must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DrawRetryDelay <= 0 {
		c.DrawRetryDelay = DefaultDrawRetryDelay
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage-retry-max-delay must be >= storage-retry-base-delay")
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ConnGuardThreshold < 0 {
		return fmt.Errorf("config: connguard-threshold must be >= 0")
	}
	if c.ConnGuardWindow <= 0 {
		c.ConnGuardWindow = DefaultConnGuardWindow
	}
	if c.ConnGuardBlockDuration <= 0 {
		c.ConnGuardBlockDuration = DefaultConnGuardBlockDuration
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns $LOTTERYD_CONFIG_DIR or ~/.lotteryd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LOTTERYD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lotteryd"), nil
}
