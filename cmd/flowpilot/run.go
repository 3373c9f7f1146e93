package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/pkg/schema"
)

var (
	runSet     []string
	runDecide  []string
	runContext string
)

var runCmd = &cobra.Command{
	Use:   "run <service-type>",
	Short: "Start an execution and answer its decisions from the command line",
	Long: `Load the definition for service-type, start an execution and walk it.
Each --decide value answers the next pending decision in order. Every walk
result is printed as JSON.`,
	Example: `  flowpilot run movie_ticket --definitions-dir ./defs --set seats=2 --decide confirm`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initial, err := initialContext(runContext, runSet)
		if err != nil {
			return err
		}
		s, err := buildStack(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(context.Background()) }()
		return runFlow(cmd.Context(), cmd.OutOrStdout(), s, args[0], initial, runDecide)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVar(&runSet, "set", nil, "initial context entry key=value (repeatable; values are YAML scalars)")
	f.StringVar(&runContext, "context", "", "initial context as a JSON or YAML object")
	f.StringArrayVar(&runDecide, "decide", nil, "answer for the next pending decision (repeatable)")
	rootCmd.AddCommand(runCmd)
}

// runFlow starts serviceType and feeds decisions to it until they run out
// or the execution stops pausing.
func runFlow(ctx context.Context, out io.Writer, s *stack, serviceType string, initial map[string]any, decisions []string) error {
	if _, err := s.catalog.Load(ctx, serviceType); err != nil {
		return err
	}
	res, err := s.executor.StartSync(ctx, serviceType, initial)
	if res != nil {
		if werr := writeResult(out, res); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}

	for _, value := range decisions {
		if res.State != schema.StatePaused {
			return fmt.Errorf("execution %s is %s; %q was not used", res.ExecutionID, res.State, value)
		}
		next, err := s.executor.Resume(ctx, res.ExecutionID, schema.Decision{Value: value, StepID: res.CurrentStep})
		if next != nil {
			if werr := writeResult(out, next); werr != nil {
				return werr
			}
			res = next
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeResult(out io.Writer, res *engine.WalkResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// initialContext merges an object document with key=value entries. Entries
// win over the document.
func initialContext(doc string, entries []string) (map[string]any, error) {
	ctx := map[string]any{}
	if doc != "" {
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal([]byte(doc), &ctx); err != nil {
			return nil, fmt.Errorf("parse --context: %w", err)
		}
	}
	for _, e := range entries {
		key, raw, ok := strings.Cut(e, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", e)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		ctx[key] = value
	}
	return ctx, nil
}
