package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", boldText("fable"), successText(version))
			if commit != "" {
				fmt.Fprintf(out, "  commit:  %s\n", dimText(commit))
			}
			if builtAt != "" {
				fmt.Fprintf(out, "  built:   %s\n", dimText(builtAt))
			}
			fmt.Fprintf(out, "  go:      %s %s/%s\n", dimText(goruntime.Version()),
				goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
