package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/outbox-mailer/filter"
	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/outbox"
	"github.com/dhcgn/outbox-mailer/stats"
)

// csvLimit caps the rows of every CSV report.
const csvLimit = 1000

var statsCategories = []string{"System", "Subsystem", "Template", "From"}

// OutboxStats counts entries per header category.
type OutboxStats struct {
	Entries  int
	Skipped  int
	Failures int
	Counts   map[string]map[string]int
}

func newOutboxStats() *OutboxStats {
	s := &OutboxStats{Counts: make(map[string]map[string]int)}
	for _, c := range statsCategories {
		s.Counts[c] = make(map[string]int)
	}
	return s
}

func (s *OutboxStats) add(h model.EmailHeader) {
	s.Entries++
	for category, value := range map[string]string{
		"System":    h.System,
		"Subsystem": h.Subsystem,
		"Template":  h.TemplateName,
		"From":      h.From,
	} {
		if value != "" {
			s.Counts[category][value]++
		}
	}
}

func NewStatsCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
		extension string
		fopts     filter.Options
	)

	cmd := &cobra.Command{
		Use:   "outbox-stats [outbox dir]",
		Short: "Analyse the outbox and show statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing outbox:", args[0])

			f, err := filter.New(fopts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			res, err := outbox.Load(cmd.Context(), outbox.Options{Dir: args[0], Extension: extension, Workers: 4}, nil)
			if err != nil {
				return fmt.Errorf("error reading outbox: %w", err)
			}

			s := newOutboxStats()
			s.Failures = len(res.Failures)
			for _, e := range res.Entries {
				if !f.Allows(e.Email) {
					s.Skipped++
					continue
				}
				s.add(e.Email)
			}

			printStats(out, s, topN)

			if err := saveCSVReports(s, reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().StringVar(&extension, "extension", outbox.DefaultExtension, "File name suffix of entry files (case-insensitive)")
	addFilterFlags(cmd, &fopts)
	return cmd
}

func printStats(w io.Writer, s *OutboxStats, topN int) {
	total := s.Entries + s.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(s.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d entries (skipped %d by filters, %.2f%%, %d unreadable)\n\n", s.Entries, s.Skipped, filterPercent, s.Failures)

	for _, category := range statsCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, s.Counts[category], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(s *OutboxStats, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range statsCategories {
		if err := writeCSV(filepath.Join(dir, "report_"+strings.ToLower(category)+".csv"), s.Counts[category], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
