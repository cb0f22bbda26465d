package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/lotteryd"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LOTTERYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lotteryd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Root failures are logged, subcommand failures
// are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := lotteryd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, lotteryd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// newViper returns a viper instance reading LOTTERYD_* environment
// variables, dashes mapped to underscores.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LOTTERYD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

// applyLogLevel lowers or raises the logger threshold from --log-level.
func applyLogLevel(v *viper.Viper, logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(v.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

var serverKeys = []string{
	"listen", "listen-proto", "listen-backlog",
	"agencies", "accept-mode", "winning-number",
	"store",
	"read-timeout", "write-timeout", "max-string-bytes", "shutdown-timeout", "draw-retry-delay",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"connguard-threshold", "connguard-window", "connguard-block-duration",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:           "lotteryd",
		Short:         "lotteryd aggregates lottery bets from agencies and publishes the winners once every agency is done",
		SilenceErrors: true,
		Example: `
  # Five agencies, bets kept in memory
  lotteryd --agencies 5

  # Append bets to a CSV file under /var/lib/lotteryd
  lotteryd --store disk:///var/lib/lotteryd

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  LOTTERYD_STORE=s3://localhost:9000/bets?insecure=1 LOTTERYD_S3_ACCESS_KEY_ID=minioadmin LOTTERYD_S3_SECRET_ACCESS_KEY=minioadmin lotteryd

  # AWS S3 backend
  LOTTERYD_STORE=aws://my-bucket/bets LOTTERYD_AWS_REGION=eu-north-1 lotteryd

  # Legacy behaviour: stop accepting after N connections until the draw
  lotteryd --accept-mode connections
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			logger := applyLogLevel(v, baseLogger)
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to lotteryd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			server, err := lotteryd.NewServer(cfg, lotteryd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, lotteryd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lotteryd/"+lotteryd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	bindFlags(v, persistentFlags, "config", "log-level")

	registerServerFlags(v, cmd.Flags())

	cmd.AddCommand(newAgencyCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// registerServerFlags declares the server flags on flags and binds each to
// the viper key of the same name.
func registerServerFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("listen", lotteryd.DefaultListen, "listen address")
	flags.String("listen-proto", lotteryd.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.Int("listen-backlog", lotteryd.DefaultListenBacklog, "accept backlog depth (0 uses the system default)")
	flags.IntP("agencies", "n", lotteryd.DefaultAgencies, "number of agencies the draw waits for")
	flags.String("accept-mode", string(lotteryd.DefaultAcceptMode), "accept mode (agencies or connections)")
	flags.Uint32("winning-number", lotteryd.DefaultWinningNumber, "number the winner rule matches")
	flags.String("store", lotteryd.DefaultStore, "bet store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Duration("read-timeout", lotteryd.DefaultReadTimeout, "per-message read deadline (0 disables)")
	flags.Duration("write-timeout", lotteryd.DefaultWriteTimeout, "per-response write deadline")
	flags.String("max-string-bytes", humanizeBytes(lotteryd.DefaultMaxStringBytes), "maximum decoded string length")
	flags.Duration("shutdown-timeout", lotteryd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.Duration("draw-retry-delay", lotteryd.DefaultDrawRetryDelay, "maximum backoff between failed draw attempts")
	flags.Int("storage-retry-attempts", lotteryd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", lotteryd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", lotteryd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", lotteryd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-access-key-id", "", "S3 access key id (or LOTTERYD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret access key (or LOTTERYD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (defaults to the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or LOTTERYD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Int("connguard-threshold", lotteryd.DefaultConnGuardThreshold, "protocol violations before a remote host is blocked (0 disables)")
	flags.Duration("connguard-window", lotteryd.DefaultConnGuardWindow, "window used to count protocol violations")
	flags.Duration("connguard-block-duration", lotteryd.DefaultConnGuardBlockDuration, "time a remote host stays blocked")
	flags.String("metrics-listen", lotteryd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", lotteryd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	bindFlags(v, flags, serverKeys...)
}

func bindConfig(v *viper.Viper) (lotteryd.Config, error) {
	cfg := lotteryd.DefaultConfig()
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	cfg.ListenBacklog = v.GetInt("listen-backlog")
	cfg.Agencies = v.GetInt("agencies")
	cfg.AcceptMode = lotteryd.AcceptMode(v.GetString("accept-mode"))
	cfg.WinningNumber = v.GetUint32("winning-number")
	cfg.Store = v.GetString("store")
	cfg.ReadTimeout = v.GetDuration("read-timeout")
	cfg.WriteTimeout = v.GetDuration("write-timeout")
	if raw := strings.TrimSpace(v.GetString("max-string-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-string-bytes: %w", err)
		}
		cfg.MaxStringBytes = int(size)
	}
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.DrawRetryDelay = v.GetDuration("draw-retry-delay")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = strings.TrimSpace(v.GetString("s3-access-key-id"))
	cfg.S3SecretAccessKey = strings.TrimSpace(v.GetString("s3-secret-access-key"))
	cfg.S3SessionToken = strings.TrimSpace(v.GetString("s3-session-token"))
	cfg.AWSRegion = strings.TrimSpace(v.GetString("aws-region"))
	cfg.AzureAccount = strings.TrimSpace(v.GetString("azure-account"))
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.ConnGuardThreshold = v.GetInt("connguard-threshold")
	cfg.ConnGuardWindow = v.GetDuration("connguard-window")
	cfg.ConnGuardBlockDuration = v.GetDuration("connguard-block-duration")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
