package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/therapist/pkg/archive"
)

type archiveFlags struct {
	db     string
	output string
}

func NewArchiveCommand() *cobra.Command {
	f := &archiveFlags{}
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived sessions",
	}
	cmd.PersistentFlags().StringVar(&f.db, "db", os.Getenv("THERAPIST_ARCHIVE_DB"), "SQLite archive file")
	cmd.PersistentFlags().StringVarP(&f.output, "output", "o", "table", "output format (table, json, yaml)")

	var since time.Duration
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, most recently ended first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := f.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			q := archive.Query{Limit: limit}
			if since > 0 {
				q.SinceMs = time.Now().Add(-since).UnixMilli()
			}
			items, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), f.output, items)
		},
	}
	list.Flags().DurationVar(&since, "since", 0, "only sessions ended within this window")
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of sessions")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one archived session with its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := f.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, archive.ErrNotFound) {
				return errors.Errorf("session %q is not archived", args[0])
			}
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), f.output, rec)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (f *archiveFlags) open() (*archive.SQLiteStore, error) {
	if strings.TrimSpace(f.db) == "" {
		return nil, errors.New("--db (or THERAPIST_ARCHIVE_DB) is required")
	}
	if _, err := os.Stat(f.db); err != nil {
		return nil, errors.Wrap(err, "archive db")
	}
	dsn, err := archive.DSNForFile(f.db)
	if err != nil {
		return nil, err
	}
	return archive.NewSQLiteStore(dsn)
}

func writeRecords(w io.Writer, format string, items []archive.Record) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "yaml":
		return yaml.NewEncoder(w).Encode(items)
	case "table", "":
		_, _ = fmt.Fprintf(w, "%-38s %-10s %-20s %10s %10s\n", "ID", "STATE", "ENDED", "DURATION", "BILLED")
		for _, rec := range items {
			_, _ = fmt.Fprintf(w, "%-38s %-10s %-20s %10s %10s\n",
				rec.ID, rec.State, formatMs(rec.EndedAt),
				time.Duration(rec.DurationMs)*time.Millisecond,
				time.Duration(rec.BillingMs)*time.Millisecond)
		}
		return nil
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func writeRecord(w io.Writer, format string, rec archive.Record) error {
	switch format {
	case "json":
		b, err := archive.MarshalRecord(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		return yaml.NewEncoder(w).Encode(rec)
	case "table", "":
		if err := writeRecords(w, "table", []archive.Record{rec}); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w)
		for _, m := range rec.History {
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", formatMs(&m.Timestamp), strings.ToUpper(string(m.Role)), m.Content)
		}
		return nil
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func formatMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).UTC().Format("2006-01-02 15:04:05")
}
