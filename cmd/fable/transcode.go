package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fable/internal/logging"
	"fable/internal/runtime"
	"fable/internal/transcode"
	"fable/internal/utils/id"
	"fable/pkg/types/stream"
)

func newTranscodeCommand() *cobra.Command {
	var (
		protocol  string
		sse       bool
		showStats bool
	)
	cmd := &cobra.Command{
		Use:   "transcode [file]",
		Short: "Replay a captured event log as a frame stream",
		Long: `transcode reads upstream envelopes from a file (or stdin when the
argument is "-" or omitted) and writes the resulting frame stream to stdout.
The input may be raw SSE capture ("data: {...}" lines) or bare JSON lines.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscode(cmd, args, protocol, sse, showStats)
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", transcode.ProtocolFrames, "wire protocol: frames or legacy")
	cmd.Flags().BoolVar(&sse, "sse", false, "wrap each record as an SSE data line")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print transcoding counters to stderr")
	return cmd
}

func runTranscode(cmd *cobra.Command, args []string, protocol string, sse, showStats bool) error {
	if !transcode.ValidProtocol(protocol) {
		return fmt.Errorf("unknown protocol %q", protocol)
	}

	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()

	events := runtime.NewEventStream(in, logging.Nop())
	transcoder := transcode.New(id.NewMessageID())
	encoder := transcode.NewEncoder(cmd.OutOrStdout(), protocol, sse)

	var envelopes, frames int
	emit := func(batch []stream.Frame) error {
		for _, frame := range batch {
			if err := encoder.Encode(frame); err != nil {
				return err
			}
			frames++
		}
		return nil
	}

	if err := emit(transcoder.Start()); err != nil {
		return err
	}

	var cause error
	for {
		env, err := events.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cause = err
			break
		}
		envelopes++
		if err := emit(transcoder.Consume(env)); err != nil {
			return err
		}
	}
	if err := emit(transcoder.Finish(cause)); err != nil {
		return err
	}

	if showStats {
		stats := transcoder.Stats()
		fmt.Fprintln(cmd.ErrOrStderr(), dimText(fmt.Sprintf(
			"envelopes=%d frames=%d dropped_lines=%d filtered=%d malformed=%d unknown=%d",
			envelopes, frames, events.Dropped(),
			stats.FilteredChunks, stats.MalformedChunks, stats.UnknownEvents)))
	}
	return cause
}

// openInput resolves the positional argument to a reader: a path, or stdin
// for "-" or no argument.
func openInput(args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	file, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return file, nil
}
