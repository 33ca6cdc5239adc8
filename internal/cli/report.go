package cli

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/isometry/admembers/internal/flatten"
	"github.com/isometry/admembers/internal/ldap"
)

func newReportCmd() *cobra.Command {
	var (
		prefix   string
		format   string
		failFast bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report the flattened membership of groups matching a name prefix",
		Long: "Resolves every group whose name starts with the given prefix and reports " +
			"its complete set of distinct end-user members, following nested group " +
			"membership to any depth.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("prefix") {
				cfg.Report.Prefix = prefix
			}
			if cmd.Flags().Changed("format") {
				cfg.Report.Format = strings.ToLower(format)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("fail-fast") {
				cfg.Report.FailFast = failFast
			}

			logger := newLogger(cfg)
			ctx := cmd.Context()

			client, baseDN, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			resolver := ldap.NewMemberResolver(client, baseDN, logger)
			resolver.SetTimeout(time.Duration(cfg.Connection.TimeoutSeconds) * time.Second)
			reporter := flatten.NewReporter(resolver, resolver, logger, cfg.Report.FailFast)

			report, runErr := reporter.Run(ctx, cfg.Report.Prefix)
			if runErr != nil && report == nil {
				return runErr
			}

			if err := renderReport(os.Stdout, report, cfg.Report.Format); err != nil {
				return err
			}

			if runErr != nil {
				if errors.Is(runErr, flatten.ErrCycleDetected) {
					logger.Error("one or more groups contain membership cycles")
				}
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Group name prefix to match (empty matches all groups)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json, csv)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first group that fails to resolve")

	return cmd
}
