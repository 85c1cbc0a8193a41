package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var testStopAgree bool

var testCmd = &cobra.Command{
	Use:   "test job.yml version...",
	Short: "Evaluate the job's workload against the passed releases concurrently",
	Long: `Evaluate the workload of a job.yml against all passed releases at once.
The clusters are left running after the workload was evaluated, so they can be inspected.
They are stopped once confirmed, or right away if --assume-yes is passed.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		job := readJob(args[0])

		runner := newRunner(nil)
		task, err := runner.Test(job, args[1:])
		if err != nil {
			logrus.Fatalf("Failed to start test - %v", err)
		}

		snap := watch(task)
		fmt.Println()
		printResults(snap)
		fmt.Println()
		fmt.Println(snap.FinalResult)

		for _, p := range snap.Processes {
			if p.Running {
				fmt.Printf("%s is running as %s with port offset %d\n", p.Candidate, p.ID, p.PortOffset)
			}
		}

		if !testStopAgree {
			prompt := promptui.Prompt{
				Label:     "Stop clusters",
				IsConfirm: true,
			}
			// Declining keeps the clusters running, interrupting stops them too
			for {
				if _, err := prompt.Run(); !errors.Is(err, promptui.ErrAbort) {
					break
				}
			}
		}

		report := runner.Registry().Cleanup(context.Background(), task.ID)
		for _, e := range report.Errors {
			logrus.Warn(e)
		}
		logrus.Infof("Stopped %d clusters.", len(report.Stopped))
	},
}

func init() {
	rootCmd.AddCommand(testCmd)

	testCmd.Flags().BoolVarP(&testStopAgree, "assume-yes", "y", false, "Stop the clusters without asking")
}
