package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lotteryd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lotteryd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lotteryd/" + lotteryd.DefaultConfigFileName
	if dir, err := lotteryd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, lotteryd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lotteryd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := lotteryd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, lotteryd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	ListenBacklog          int     `yaml:"listen-backlog"`
	Agencies               int     `yaml:"agencies"`
	AcceptMode             string  `yaml:"accept-mode"`
	WinningNumber          uint32  `yaml:"winning-number"`
	Store                  string  `yaml:"store"`
	ReadTimeout            string  `yaml:"read-timeout"`
	WriteTimeout           string  `yaml:"write-timeout"`
	MaxStringBytes         string  `yaml:"max-string-bytes"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	DrawRetryDelay         string  `yaml:"draw-retry-delay"`
	StorageRetryMaxAttempt int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	AWSRegion              string  `yaml:"aws-region"`
	AzureEndpoint          string  `yaml:"azure-endpoint"`
	ConnGuardThreshold     int     `yaml:"connguard-threshold"`
	ConnGuardWindow        string  `yaml:"connguard-window"`
	ConnGuardBlockDuration string  `yaml:"connguard-block-duration"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                 lotteryd.DefaultListen,
		ListenProto:            lotteryd.DefaultListenProto,
		ListenBacklog:          lotteryd.DefaultListenBacklog,
		Agencies:               lotteryd.DefaultAgencies,
		AcceptMode:             string(lotteryd.DefaultAcceptMode),
		WinningNumber:          lotteryd.DefaultWinningNumber,
		Store:                  lotteryd.DefaultStore,
		ReadTimeout:            lotteryd.DefaultReadTimeout.String(),
		WriteTimeout:           lotteryd.DefaultWriteTimeout.String(),
		MaxStringBytes:         humanizeBytes(lotteryd.DefaultMaxStringBytes),
		ShutdownTimeout:        lotteryd.DefaultShutdownTimeout.String(),
		DrawRetryDelay:         lotteryd.DefaultDrawRetryDelay.String(),
		StorageRetryMaxAttempt: lotteryd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  lotteryd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   lotteryd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: lotteryd.DefaultStorageRetryMultiplier,
		ConnGuardThreshold:     lotteryd.DefaultConnGuardThreshold,
		ConnGuardWindow:        lotteryd.DefaultConnGuardWindow.String(),
		ConnGuardBlockDuration: lotteryd.DefaultConnGuardBlockDuration.String(),
		MetricsListen:          lotteryd.DefaultMetricsListen,
		PprofListen:            lotteryd.DefaultPprofListen,
		LogLevel:               "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# lotteryd configuration. Every key can also be set with a flag or a\n# LOTTERYD_* environment variable (dashes become underscores).\n")
	return append(header, data...), nil
}
