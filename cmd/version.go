// cmd/version.go
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/platform"
)

// Version will be set at build time
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of captioner",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("captioner version %s (%s/%s, checkpoint format %s)\n",
			Version, platform.OS(), runtime.GOARCH, checkpoint.FormatVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
