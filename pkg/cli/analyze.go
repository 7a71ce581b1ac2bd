package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
	"github.com/ekaya-inc/ekaya-import/pkg/services/mapping"
)

// AnalyzeOptions are the flags of the analyze command.
type AnalyzeOptions struct {
	File       string
	EntityType string
	JSON       bool
}

// AnalyzeReport is the analyze command's JSON output.
type AnalyzeReport struct {
	File       string                   `json:"file"`
	Extraction *models.ExtractionResult `json:"extraction"`
	Mapping    *models.MappingResult    `json:"mapping"`
}

// NewAnalyzeCmd creates the analyze command. It runs extraction and the
// deterministic mapping strategies against a local file without a database.
func NewAnalyzeCmd(opts *rootOptions) *cobra.Command {
	analyzeOpts := &AnalyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Dry-run extraction and field mapping on a local file",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if analyzeOpts.EntityType == "" {
				analyzeOpts.EntityType = cfg.Import.DefaultEntityType
			}
			report, err := runAnalyze(c.Context(), cfg, analyzeOpts, zap.NewNop())
			if err != nil {
				return err
			}
			if analyzeOpts.JSON {
				enc := json.NewEncoder(c.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printReport(c.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVarP(&analyzeOpts.File, "file", "f", "", "Path to a CSV, JSON or XLSX file")
	cmd.Flags().StringVarP(&analyzeOpts.EntityType, "entity", "e", "", "Catalog entity type (defaults to import.default_entity_type)")
	cmd.Flags().BoolVar(&analyzeOpts.JSON, "json", false, "Print the full report as JSON")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runAnalyze(ctx context.Context, cfg *config.Config, opts *AnalyzeOptions, logger *zap.Logger) (*AnalyzeReport, error) {
	schema, ok := models.GetCatalogSchema(opts.EntityType)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q (known: %s)",
			opts.EntityType, strings.Join(models.CatalogEntityTypes(), ", "))
	}

	data, err := os.ReadFile(opts.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", opts.File, err)
	}

	extracted, err := extraction.New(cfg.Import.SampleRows, logger).Extract(ctx, data, filepath.Base(opts.File))
	if err != nil {
		return nil, err
	}

	engine := mapping.NewEngine(nil, nil, cfg.Mapping, logger)
	result, err := engine.Resolve(ctx, extracted.Fields, schema, mapping.Options{EntityType: opts.EntityType})
	if err != nil {
		return nil, err
	}

	return &AnalyzeReport{File: opts.File, Extraction: extracted, Mapping: result}, nil
}

func printReport(out io.Writer, report *AnalyzeReport) error {
	ext := report.Extraction
	fmt.Fprintf(out, "%s: %s, %d records, %d fields, parse confidence %.2f\n",
		report.File, ext.Format, ext.TotalRecords, len(ext.Fields), ext.Confidence)
	if ext.Headerless {
		fmt.Fprintln(out, "no header row detected; using positional names")
	}
	for _, w := range ext.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTYPE\tTARGET\tCONFIDENCE\tSTRATEGY")
	for _, m := range report.Mapping.Mappings {
		target := m.TargetField
		if target == "" {
			target = "-"
		}
		if m.Ambiguous {
			target += " (ambiguous)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\n",
			m.SourceField, fieldType(ext.Fields, m.SourceField), target, m.Confidence, m.Strategy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	meta := report.Mapping.Metadata
	fmt.Fprintf(out, "\nmapped %d, unmapped %d, mean confidence %.1f\n",
		meta.MappedCount, meta.UnmappedCount, meta.AggregateConfidence)
	if len(meta.UnclaimedRequired) > 0 {
		fmt.Fprintf(out, "required fields without a source: %s\n", strings.Join(meta.UnclaimedRequired, ", "))
	}
	for _, w := range meta.Warnings {
		fmt.Fprintf(out, "%s: %s\n", w.Kind, w.Message)
	}
	return nil
}

func fieldType(fields []models.SourceField, name string) models.PrimitiveType {
	for _, f := range fields {
		if f.Name == name {
			return f.PrimitiveType
		}
	}
	return ""
}
