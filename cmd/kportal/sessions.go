package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/session"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List access windows held in storage",
	Long: `List the access windows persisted in the configured storage with their
remaining time. Storage is only read: expired records are shown as expired
and unreadable records are counted, neither is removed.`,
	Example: `  kportal -c config.yaml sessions`,
	Args:    cobra.NoArgs,
	RunE:    runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	now := access.RealClock{}.Now()
	entries, unreadable, err := readSessions(cmd.Context(), store.Windows(), now)
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}

	printSessions(entries, unreadable, now)
	return nil
}

// readSessions decodes every stored window without modifying storage.
func readSessions(ctx context.Context, windows storage.WindowStore, now time.Time) ([]session.Entry, int, error) {
	keys, err := windows.Keys(ctx)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]session.Entry, 0, len(keys))
	unreadable := 0
	for _, key := range keys {
		w, err := windows.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			unreadable++
			continue
		}
		sample, err := access.Sample(w, now)
		if err != nil {
			unreadable++
			continue
		}
		entries = append(entries, session.Entry{
			UserKey: key,
			Window:  w,
			Sample:  sample,
			Active:  now.Before(w.EndTime),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Window.EndTime.Equal(entries[j].Window.EndTime) {
			return entries[i].Window.EndTime.Before(entries[j].Window.EndTime)
		}
		return entries[i].UserKey < entries[j].UserKey
	})
	return entries, unreadable, nil
}

func printSessions(entries []session.Entry, unreadable int, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Printf("ACCESS WINDOWS at %s\n", now.Format(time.RFC3339))
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("%-24s %-10s %-21s %-10s %s\n", "USER", "PACKAGE", "ENDS", "REMAINING", "STATUS")
	for _, entry := range entries {
		fmt.Printf("%-24s %-10s %-21s %-10s ",
			entry.UserKey,
			entry.Window.PackageID,
			entry.Window.EndTime.Format(time.DateTime),
			entry.Sample.FormatRemaining(),
		)
		if entry.Active {
			green.Println("ACTIVE")
		} else {
			red.Println("EXPIRED")
		}
	}

	if len(entries) == 0 {
		fmt.Println("(no access windows)")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	active := 0
	for _, entry := range entries {
		if entry.Active {
			active++
		}
	}
	fmt.Printf("%d active, %d expired", active, len(entries)-active)
	if unreadable > 0 {
		red.Printf(", %d unreadable", unreadable)
	}
	fmt.Println()
	fmt.Println()
}
