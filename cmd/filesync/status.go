package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/filesync/internal/state"
)

const defaultSessionLimit = 10

// statusReport is what the status subcommand prints.
type statusReport struct {
	Settings map[string]map[string]string `yaml:"settings"`
	Sessions []sessionSummary             `yaml:"sessions"`
}

type sessionSummary struct {
	Role    string `yaml:"role"`
	Peer    string `yaml:"peer,omitempty"`
	Started string `yaml:"started"`
	Took    string `yaml:"took"`
	Pushed  int    `yaml:"pushed"`
	Fetched int    `yaml:"fetched"`
	Dirs    int    `yaml:"dirs_created"`
	Skipped int    `yaml:"skipped"`
	Bytes   string `yaml:"bytes"`
	Error   string `yaml:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	limit := defaultSessionLimit

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the config store and recent sessions as YAML",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVarP(&limit, "sessions", "n", defaultSessionLimit, "number of recent sessions to show")

	cmd.RunE = withApp(func(_ context.Context, a *app) error {
		return writeStatus(cmd.OutOrStdout(), a.state, limit)
	})

	return cmd
}

func writeStatus(w io.Writer, s *state.State, limit int) error {
	settings, err := s.Settings()
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}

	sessions, err := s.Sessions(limit)
	if err != nil {
		return fmt.Errorf("reading sessions: %w", err)
	}

	report := statusReport{Settings: settings}
	for _, rec := range sessions {
		report.Sessions = append(report.Sessions, summarize(rec))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	return enc.Close()
}

func summarize(rec state.SessionRecord) sessionSummary {
	return sessionSummary{
		Role:    rec.Role,
		Peer:    rec.Peer,
		Started: rec.Started.Local().Format(time.DateTime),
		Took:    rec.Finished.Sub(rec.Started).Round(time.Millisecond).String(),
		Pushed:  rec.Pushed,
		Fetched: rec.Fetched,
		Dirs:    rec.DirsCreated,
		Skipped: rec.Skipped,
		Bytes:   humanize.Bytes(rec.Bytes),
		Error:   rec.Error,
	}
}
