package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/catalog"
	"github.com/spf13/cobra"
)

var (
	windowPackage  string
	windowDuration int
	windowUnit     string
	windowAt       string
	windowNow      string
	windowWatch    bool
	windowInterval time.Duration
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Compute and sample an access window offline",
	Long: `Compute the access window a purchase would grant and show the countdown
state at a given instant. No storage or payment is involved.`,
	Example: `  kportal window --package 2
  kportal window --duration 1 --unit days --at 2024-01-31T22:00:00Z --now 2024-02-01T10:00:00Z
  kportal window --duration 2 --unit minutes --watch`,
	RunE: runWindow,
}

func init() {
	windowCmd.Flags().StringVar(&windowPackage, "package", "", "Default catalog package ID")
	windowCmd.Flags().IntVar(&windowDuration, "duration", 0, "Custom package duration")
	windowCmd.Flags().StringVar(&windowUnit, "unit", "hours", "Custom package unit (minutes, hours, days)")
	windowCmd.Flags().StringVar(&windowAt, "at", "", "Purchase time (RFC3339) - defaults to now")
	windowCmd.Flags().StringVar(&windowNow, "now", "", "Sample time (RFC3339) - defaults to now")
	windowCmd.Flags().BoolVar(&windowWatch, "watch", false, "Follow the countdown until the window expires")
	windowCmd.Flags().DurationVar(&windowInterval, "interval", time.Second, "Countdown interval for --watch")
	windowCmd.MarkFlagsMutuallyExclusive("package", "duration")
	windowCmd.MarkFlagsMutuallyExclusive("now", "watch")
	rootCmd.AddCommand(windowCmd)
}

func runWindow(cmd *cobra.Command, args []string) error {
	pkg, err := resolveWindowPackage()
	if err != nil {
		return err
	}

	purchasedAt, err := parseInstant(windowAt)
	if err != nil {
		return fmt.Errorf("invalid --at: %w", err)
	}
	now, err := parseInstant(windowNow)
	if err != nil {
		return fmt.Errorf("invalid --now: %w", err)
	}

	window, err := access.Compute(pkg, purchasedAt)
	if err != nil {
		return err
	}

	sample, err := access.Sample(window, now)
	if err != nil {
		return err
	}

	printWindow(pkg, window, now, sample)

	if !windowWatch {
		return nil
	}
	if windowInterval <= 0 {
		return fmt.Errorf("invalid --interval: must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err = access.Countdown(ctx, window, access.RealClock{}, windowInterval, func(s access.ClockSample) {
		fmt.Printf("\r%s  %s", s.FormatRemaining(), progressBar(s.ProgressPercent, 30))
		if s.Expired() {
			fmt.Println()
		}
	})
	if errors.Is(err, context.Canceled) {
		fmt.Println()
		return nil
	}
	return err
}

func resolveWindowPackage() (access.Package, error) {
	if windowPackage != "" {
		for _, pkg := range catalog.DefaultPackages() {
			if pkg.ID == windowPackage {
				return pkg, nil
			}
		}
		return access.Package{}, fmt.Errorf("unknown package: %s", windowPackage)
	}

	if windowDuration == 0 {
		return access.Package{}, fmt.Errorf("either --package or --duration is required")
	}

	// Compute rejects bad values with an InvalidPackageError
	unit := access.DurationUnit(strings.ToLower(strings.TrimSpace(windowUnit)))
	return access.Package{
		ID:           "custom",
		Name:         fmt.Sprintf("%d %s", windowDuration, unit),
		Duration:     windowDuration,
		DurationUnit: unit,
	}, nil
}

// parseInstant parses an RFC3339 time, returning the current time for "".
func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func printWindow(pkg access.Package, window access.AccessWindow, now time.Time, sample access.ClockSample) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("ACCESS WINDOW")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Package:    %s (%s)\n", pkg.Name, pkg.ID)
	fmt.Printf("Duration:   %d %s\n", pkg.Duration, pkg.DurationUnit)
	fmt.Printf("Start:      %s\n", window.StartTime.Format(time.RFC3339))
	fmt.Printf("End:        %s\n", window.EndTime.Format(time.RFC3339))
	fmt.Printf("Length:     %s\n", window.Duration())
	fmt.Println()
	fmt.Printf("Sampled at: %s\n", now.Format(time.RFC3339))
	fmt.Printf("Remaining:  %s (%ds)\n", sample.FormatRemaining(), sample.RemainingSeconds)
	fmt.Printf("Progress:   %s %.1f%%\n", progressBar(sample.ProgressPercent, 30), sample.ProgressPercent)
	fmt.Println()

	fmt.Print("Status:     ")
	if sample.Expired() {
		red.Println("EXPIRED")
		fmt.Println("            → Customer must buy a new package")
	} else {
		green.Println("ACTIVE")
		fmt.Println("            → Customer has network access")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// progressBar renders the remaining share of the window as a bar of width cells.
func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	switch {
	case percent <= 10:
		return color.RedString(bar)
	case percent <= 25:
		return color.YellowString(bar)
	default:
		return color.GreenString(bar)
	}
}
