package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var locateStart string
var locateEnd string
var locateSkipCommits bool
var locateConfirm bool

var locateCmd = &cobra.Command{
	Use:   "locate job.yml",
	Short: "Locate the first release and commit at which the job's workload fails",
	Long: `Locate the first release at which the workload of a job.yml fails.
The start release is checked first. If it already fails, older releases are searched instead.
If the job configures a repository, the commits of the first bad release are bisected next.

The versions of the job can be overridden using flags.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := readJob(args[0])
		if locateStart != "" {
			job.StartVersion = locateStart
		}
		if locateEnd != "" {
			job.EndVersion = locateEnd
		}
		job.SkipCommits = job.SkipCommits || locateSkipCommits
		job.ConfirmBoundary = job.ConfirmBoundary || locateConfirm

		runner := newRunner(nil)
		task, err := runner.Locate(job)
		if err != nil {
			logrus.Fatalf("Failed to start bisection - %v", err)
		}

		snap := watch(task)
		runner.Registry().Cleanup(context.Background(), task.ID)

		fmt.Println()
		printResults(snap)
		fmt.Println()
		fmt.Println(snap.FinalResult)

		if snap.Status == sqlbisect.TaskError {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(locateCmd)

	locateCmd.Flags().StringVarP(&locateStart, "start", "s", "", "The oldest release to search")
	locateCmd.Flags().StringVarP(&locateEnd, "end", "e", "", "The release the regression was reported on")
	locateCmd.Flags().BoolVar(&locateSkipCommits, "skip-commits", false, "Only bisect releases")
	locateCmd.Flags().BoolVar(&locateConfirm, "confirm", false, "Evaluate the first bad candidate a second time")
}
