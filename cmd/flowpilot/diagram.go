package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowpilot/internal/diagram"
)

var (
	diagramFormat string
	diagramOut    string
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <service-type>",
	Short: "Draw a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(context.Background()) }()

		out := cmd.OutOrStdout()
		if diagramOut != "" {
			f, err := os.Create(diagramOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return drawDefinition(cmd.Context(), out, s, args[0], diagramFormat)
	},
}

func init() {
	diagramCmd.Flags().StringVarP(&diagramFormat, "format", "f", diagram.FormatASCII, "output format: mermaid, ascii, svg, png")
	diagramCmd.Flags().StringVarP(&diagramOut, "output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(diagramCmd)
}

func drawDefinition(ctx context.Context, out io.Writer, s *stack, serviceType, format string) error {
	def, err := s.catalog.Load(ctx, serviceType)
	if err != nil {
		return err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}
	data, err := diagram.Render(ctx, model, format)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
