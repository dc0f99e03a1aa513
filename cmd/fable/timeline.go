package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"fable/internal/timeline"
	"fable/pkg/types/stream"
)

func newTimelineCommand() *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "timeline [file]",
		Short: "Reduce captured conversation state to its display timeline",
		Long: `timeline reads a captured session snapshot ({"messages": [...],
"dataEvents": [...]}) from a file or stdin and prints the reduced, ordered,
deduplicated timeline as a JSON array.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(cmd, args, compact)
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "single-line JSON output")
	return cmd
}

type timelineInput struct {
	Messages   []stream.UIMessage `json:"messages"`
	DataEvents []stream.DataEvent `json:"dataEvents"`
}

func runTimeline(cmd *cobra.Command, args []string, compact bool) error {
	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var input timelineInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("parse session snapshot: %w", err)
	}

	items := timeline.Reduce(input.Messages, input.DataEvents)
	if items == nil {
		items = []timeline.Item{}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	if !compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(items)
}
