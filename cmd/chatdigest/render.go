package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chatdigest/internal/app"
	"chatdigest/internal/config"
	"chatdigest/internal/digest"
	"chatdigest/internal/render/narrative"
	"chatdigest/internal/render/tabular"
	"chatdigest/pkg/logx"

	"github.com/spf13/cobra"
)

func renderCmd(cfgPath *string) *cobra.Command {
	var (
		in, out, title string
		single         bool
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a JSON file of report records to PDF or XLSX offline",
		Long: `Reads a JSON array of report records and writes a document.
The output format follows the --out extension: .pdf renders the narrative
report, .xlsx the workbook.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			var records []digest.ReportRecord
			if err := json.Unmarshal(raw, &records); err != nil {
				return fmt.Errorf("decode %s: %w", in, err)
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
			}

			log := logx.NewConsole("WARN")
			var data []byte
			switch strings.ToLower(filepath.Ext(out)) {
			case ".pdf":
				opts, err := renderOptions(*cfgPath)
				if err != nil {
					return err
				}
				data, err = narrative.New(opts, log).Render(cmd.Context(), records, title)
				if err != nil {
					return err
				}
			case ".xlsx":
				r := tabular.New(log)
				if single {
					if len(records) != 1 {
						return fmt.Errorf("--single needs exactly one record, got %d", len(records))
					}
					data, err = r.RenderSingle(cmd.Context(), records[0], limit)
				} else {
					data, err = r.Render(cmd.Context(), digest.GroupByGrouping(records), title, limit)
				}
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported output %q (use .pdf or .xlsx)", out)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "input JSON records")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output .pdf or .xlsx")
	cmd.Flags().StringVar(&title, "title", "", "document title (defaults to the input name)")
	cmd.Flags().BoolVar(&single, "single", false, "xlsx: render one record as a single-sheet workbook")
	cmd.Flags().IntVar(&limit, "max", 0, "xlsx: rows per resource, 0 for all")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// renderOptions reads the render section when a config file exists. The
// offline renderer needs no token, so only decoding is checked.
func renderOptions(path string) (narrative.Options, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if errors.Is(err, fs.ErrNotExist) {
		return narrative.Options{}, nil
	}
	if err != nil {
		return narrative.Options{}, err
	}
	return app.RenderOptions(cfg)
}
