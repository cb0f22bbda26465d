package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/lotteryd/client"
	"pkt.systems/lotteryd/internal/loggingutil"
)

const defaultAgencyServer = "127.0.0.1:12345"

var agencyKeys = []string{
	"agency-server", "agency-id", "agency-file", "agency-batch-max",
	"agency-poll-interval", "agency-poll-max-interval", "agency-dial-timeout", "agency-io-timeout",
}

// newAgencyCommand runs one agency end to end: submit the bet file, send
// the terminator and wait for the agency's winners.
func newAgencyCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "agency",
		Short: "Submit an agency's bets and report its winners",
		Example: `
  # Agency 1 sends bets from agency-1.csv in batches of 50
  lotteryd agency --server lottery:12345 --id 1 --file agency-1.csv --batch-max 50

  # The same, configured through the environment
  LOTTERYD_AGENCY_ID=1 LOTTERYD_AGENCY_FILE=/data/agency-1.csv lotteryd agency
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			if f := cmd.Flag("log-level"); f != nil {
				_ = v.BindPFlag("log-level", f)
			}
			logger := applyLogLevel(v, baseLogger)

			id := v.GetUint32("agency-id")
			if id == 0 {
				return fmt.Errorf("--id is required")
			}
			path := strings.TrimSpace(v.GetString("agency-file"))
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			agency, err := client.New(client.Config{
				Server:          v.GetString("agency-server"),
				Agency:          id,
				BatchMax:        v.GetInt("agency-batch-max"),
				PollInterval:    v.GetDuration("agency-poll-interval"),
				PollMaxInterval: v.GetDuration("agency-poll-max-interval"),
				DialTimeout:     v.GetDuration("agency-dial-timeout"),
				IOTimeout:       v.GetDuration("agency-io-timeout"),
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			defer agency.Close()
			cliLogger := loggingutil.WithSubsystem(logger, "cli.agency").With("agency", id)

			reader, err := client.OpenBetFile(path, id, logger)
			if err != nil {
				return err
			}
			sent, err := agency.SubmitFrom(ctx, reader)
			_ = reader.Close()
			if err != nil {
				return fmt.Errorf("submit bets: %w", err)
			}
			cliLogger.Info("agency.bets.submitted", "bets", sent, "skipped", reader.Skipped(), "file", path)
			if err := agency.Finish(ctx); err != nil {
				return err
			}
			winners, err := agency.QueryWinners(ctx)
			if err != nil {
				return fmt.Errorf("query winners: %w", err)
			}
			cliLogger.Info("agency.winners", "count", len(winners), "documents", winners)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringP("server", "s", defaultAgencyServer, "lottery server address")
	flags.Uint32("id", 0, "agency id (1-based)")
	flags.StringP("file", "f", "", "CSV file with first_name,last_name,document,birthdate,number records")
	flags.Int("batch-max", client.DefaultBatchMax, fmt.Sprintf("maximum bets per batch (at most %d)", client.MaxBatchBets))
	flags.Duration("poll-interval", client.DefaultPollInterval, "first wait after the draw is reported not ready")
	flags.Duration("poll-max-interval", client.DefaultPollMaxInterval, "maximum wait between winner queries")
	flags.Duration("dial-timeout", client.DefaultDialTimeout, "connection timeout")
	flags.Duration("io-timeout", client.DefaultIOTimeout, "timeout for every request/reply exchange")
	// Keys carry an agency- prefix so the environment reads LOTTERYD_AGENCY_*.
	for _, key := range agencyKeys {
		if err := v.BindPFlag(key, flags.Lookup(strings.TrimPrefix(key, "agency-"))); err != nil {
			panic(err)
		}
	}
	return cmd
}
