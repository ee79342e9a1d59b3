package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/FormDrop/internal/app"
	"github.com/dharsanguruparan/FormDrop/internal/export"
)

const dateLayout = "2006-01-02"

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the records schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(core *app.Core) error {
				if core.Config.DatabaseURL == "" {
					return errors.New("FORMDROP_DATABASE_URL is not set")
				}
				if err := core.Migrate(cmd.Context()); err != nil {
					return err
				}
				log.Info("schema up to date")
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		opts          export.Options
		output        string
		after, before string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored records as CSV or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Filter.After, err = parseDate(after); err != nil {
				return fmt.Errorf("--after: %w", err)
			}
			if opts.Filter.Before, err = parseDate(before); err != nil {
				return fmt.Errorf("--before: %w", err)
			}
			return withCore(cmd.Context(), func(core *app.Core) error {
				if opts.FileBaseURL == "" {
					opts.FileBaseURL = core.Config.FileBaseURL
				}
				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("create output: %w", err)
					}
					defer f.Close()
					w = f
				}
				n, err := export.Write(cmd.Context(), core.Records, w, opts)
				if err != nil {
					return err
				}
				log.WithField("records", n).Info("export finished")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Format, "format", export.FormatCSV, "Output format: csv or xlsx")
	f.StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	f.StringSliceVar(&opts.Filter.Groups, "group", nil, "Only export these groups (repeatable)")
	f.StringVar(&after, "after", "", "Only records created on or after this date (YYYY-MM-DD)")
	f.StringVar(&before, "before", "", "Only records created before this date (YYYY-MM-DD)")
	f.BoolVar(&opts.Filter.WithTrashed, "trashed", false, "Include soft-deleted records")
	f.BoolVar(&opts.Semicolon, "semicolon", false, "Use ; as the CSV delimiter")
	f.BoolVar(&opts.BOM, "bom", false, "Prefix CSV output with a UTF-8 BOM")
	f.BoolVar(&opts.Metadata, "metadata", false, "Add id, group, ip and created_at columns")
	f.BoolVar(&opts.Files, "files", false, "Add a column with attachment references")
	f.StringVar(&opts.FileBaseURL, "file-base-url", "", "Prefix for attachment references (defaults to FORMDROP_FILE_BASE_URL)")
	return cmd
}

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List record groups available as export filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(core *app.Core) error {
				groups, err := core.Records.Groups(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(groups, "\n"))
				return err
			})
		},
	}
}

func newGDPRCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "gdpr",
		Short: "Delete records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(core *app.Core) error {
				window := days
				if window <= 0 {
					window = core.Config.GDPRDays
				}
				removed, err := core.Purger().Purge(cmd.Context(), window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged records older than %d days (%d attachments removed)\n", window, removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (defaults to FORMDROP_GDPR_DAYS)")
	return cmd
}

func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Manage temporary uploads",
	}
	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove temp uploads that were never submitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(core *app.Core) error {
				age := olderThan
				if age <= 0 {
					age = core.Config.SweepAge
				}
				n, err := core.Uploads.Sweep(age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d temp uploads\n", n)
				return nil
			})
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age (defaults to FORMDROP_SWEEP_AGE)")
	cmd.AddCommand(sweep)
	return cmd
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
