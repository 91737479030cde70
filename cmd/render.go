package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/outbox-mailer/jsonvalue"
	"github.com/dhcgn/outbox-mailer/render"
)

type renderOptions struct {
	contextFile   string
	engine        string
	extension     string
	templatesRoot string
	output        string
}

// NewRenderCommand renders a single template file against a JSON context.
func NewRenderCommand() *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render [template file]",
		Short: "Render one template against a JSON context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := renderFile(args[0], opts)
			if err != nil {
				return err
			}

			target := opts.output
			if target == "" {
				target = render.RenderedPath(args[0])
			}
			if target == "-" {
				_, err := cmd.OutOrStdout().Write([]byte(out))
				return err
			}
			if err := os.WriteFile(target, []byte(out), 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Rendered to", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.contextFile, "context", "c", "", "JSON file with the template context (default: empty object)")
	cmd.Flags().StringVarP(&opts.engine, "engine", "e", "", "Force a template engine instead of detecting it")
	cmd.Flags().StringVar(&opts.extension, "extension", "", "Extension of the in-memory template for the full engine")
	cmd.Flags().StringVar(&opts.templatesRoot, "templates-root", "", "Root for included templates (default: the template's directory)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file, - for stdout (default: derived from the template name)")
	return cmd
}

func renderFile(path string, opts renderOptions) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", &render.LoadError{Template: filepath.Base(path), Path: path, Err: err}
	}

	data := jsonvalue.NewObject()
	if opts.contextFile != "" {
		raw, err := os.ReadFile(opts.contextFile)
		if err != nil {
			return "", fmt.Errorf("read context: %w", err)
		}
		if data, err = jsonvalue.ParseObject(raw); err != nil {
			return "", fmt.Errorf("parse context %s: %w", opts.contextFile, err)
		}
	}

	engine := render.EngineAuto
	if opts.engine != "" {
		if engine, err = render.ParseEngine(opts.engine); err != nil {
			return "", err
		}
	}

	renderer := render.NewRenderer(render.Options{
		Engine:        engine,
		Extension:     opts.extension,
		TemplatesRoot: opts.templatesRoot,
	})
	tpl := render.Template{Name: filepath.Base(path), Path: path, Source: string(source)}
	return renderer.Render(tpl, data.Native())
}
