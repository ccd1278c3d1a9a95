package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droppr/mediaedge/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(_ *cobra.Command, _ []string) error {
		if versionJSON {
			fmt.Println(version.JSON())
			return nil
		}
		fmt.Println(version.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version as JSON")
}
