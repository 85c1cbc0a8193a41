package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List the releases which can be tested",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		releases, err := newRunner(nil).Releases(context.Background())
		if err != nil {
			logrus.Fatalf("Failed to list releases - %v", err)
		}
		for _, r := range releases {
			fmt.Println(r)
		}
	},
}

func init() {
	rootCmd.AddCommand(releasesCmd)
}
