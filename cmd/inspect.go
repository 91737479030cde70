// Package cmd holds the auxiliary subcommands of outbox-mailer.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/dhcgn/outbox-mailer/compose"
	"github.com/dhcgn/outbox-mailer/filter"
	"github.com/dhcgn/outbox-mailer/grouping"
	"github.com/dhcgn/outbox-mailer/jsonvalue"
	"github.com/dhcgn/outbox-mailer/model"
	"github.com/dhcgn/outbox-mailer/outbox"
)

// Report is what inspect prints: the composition of every group plus the
// entries that could not be decoded.
type Report struct {
	Groups   []GroupReport   `json:"groups"`
	Failures []FailureReport `json:"failures,omitempty"`
	Filtered []string        `json:"filtered,omitempty"`
}

type GroupReport struct {
	Identity  string            `json:"identity"`
	Mode      model.ComposeMode `json:"mode"`
	Entries   []string          `json:"entries"`
	Conflicts []string          `json:"conflicts,omitempty"`
	Emails    []EmailReport     `json:"emails"`
}

type EmailReport struct {
	Mode    model.ComposeMode `json:"mode"`
	Header  model.EmailHeader `json:"header"`
	Context *jsonvalue.Object `json:"context"`
	Entries []string          `json:"entries"`
}

type FailureReport struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Inspect loads the outbox and composes it without rendering or delivering.
func Inspect(ctx context.Context, opts outbox.Options, f *filter.Filter) (Report, error) {
	res, err := outbox.Load(ctx, opts, nil)
	if err != nil {
		return Report{}, err
	}

	report := Report{Groups: []GroupReport{}}
	for _, failure := range res.Failures {
		report.Failures = append(report.Failures, FailureReport{Source: failure.Raw.Source, Error: failure.Err.Error()})
	}

	entries := make([]model.Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		if !f.Allows(e.Email) {
			report.Filtered = append(report.Filtered, e.Source)
			continue
		}
		entries = append(entries, e)
	}

	groups, err := grouping.Group(entries)
	if err != nil {
		return Report{}, err
	}
	for i, c := range compose.ComposeAll(groups) {
		g := GroupReport{
			Identity:  c.Identity.String(),
			Mode:      c.Mode,
			Entries:   sources(groups[i].Entries),
			Conflicts: c.Conflicts,
			Emails:    make([]EmailReport, 0, len(c.Emails)),
		}
		for _, email := range c.Emails {
			g.Emails = append(g.Emails, EmailReport{
				Mode:    email.Mode,
				Header:  email.Header,
				Context: email.Context,
				Entries: email.Sources(),
			})
		}
		report.Groups = append(report.Groups, g)
	}
	return report, nil
}

// WriteReport encodes report as indented JSON or as YAML. YAML output sorts
// object keys.
func WriteReport(w io.Writer, report Report, format string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	switch strings.ToLower(format) {
	case "", "json":
		_, err := w.Write(buf.Bytes())
		return err
	case "yaml", "yml":
		out, err := yaml.JSONToYAML(buf.Bytes())
		if err != nil {
			return fmt.Errorf("convert report to yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

func NewInspectCommand() *cobra.Command {
	var (
		extension string
		format    string
		fopts     filter.Options
	)

	cmd := &cobra.Command{
		Use:   "inspect [outbox dir]",
		Short: "Show how the outbox would be grouped and composed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.New(fopts)
			if err != nil {
				return err
			}
			report, err := Inspect(cmd.Context(), outbox.Options{Dir: args[0], Extension: extension}, f)
			if err != nil {
				return err
			}
			return WriteReport(cmd.OutOrStdout(), report, format)
		},
	}

	cmd.Flags().StringVar(&extension, "extension", outbox.DefaultExtension, "File name suffix of entry files (case-insensitive)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	addFilterFlags(cmd, &fopts)
	return cmd
}

func addFilterFlags(cmd *cobra.Command, opts *filter.Options) {
	cmd.Flags().StringArrayVar(&opts.IncludeSystem, "include-system", nil, "Regex allow-list applied to the header system (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.ExcludeSystem, "exclude-system", nil, "Regex block-list applied to the header system (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&opts.IncludeSubsystem, "include-subsystem", nil, "Regex allow-list applied to the header subsystem (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.ExcludeSubsystem, "exclude-subsystem", nil, "Regex block-list applied to the header subsystem (mutually exclusive with include flags)")
}

func sources(entries []model.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Source)
	}
	return out
}
