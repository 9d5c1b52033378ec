package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// version is set by the build via -ldflags.
	version = "dev"
)

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uitsmijter version %s %s %s/%s\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
