package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupLogs bool
var cleanupLogDir string
var cleanupTask string
var cleanupAgree bool

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker containers and cluster logs created by sqlbisect",
	Long: `This command removes all docker containers started by sqlbisect, both running and stopped,
and deletes the cluster log files in the log directory.
Clusters started as tiup playground processes are stopped by the command or server which started them.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		// Docker is optional, the playground backend does not need it
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		var containers []types.Container
		if err == nil {
			defer cli.Close()
			containers, err = listContainers(ctx, cli, cleanupTask)
		}
		if err != nil {
			logrus.Warnf("Couldn't list docker containers, only cleaning logs - %v", err)
		}

		var logs []string
		if cleanupLogs {
			logs, err = listLogs(cleanupLogDir, cleanupTask)
			if err != nil {
				logrus.Fatalf("Couldn't list log files in %s - %v", cleanupLogDir, err)
			}
		}

		if len(containers)+len(logs) == 0 {
			logrus.Info("No containers or log files to remove. Exiting...")
			return
		}

		logrus.Infof("About to delete %d containers and %d log files.", len(containers), len(logs))
		if !cleanupAgree {
			prompt := promptui.Prompt{
				Label:     "Proceed",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		failed := 0
		for _, c := range containers {
			logrus.Infof("Deleting container %s of task %s", c.ID[:12], c.Labels[sqlbisect.ContainerTaskLabel])
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				logrus.Errorf("Failed to remove container %s - %v", c.ID, err)
				failed++
			}
		}
		for _, l := range logs {
			logrus.Infof("Deleting log file %s", l)
			if err := os.Remove(l); err != nil {
				logrus.Errorf("Failed to remove log file %s - %v", l, err)
				failed++
			}
		}

		if failed != 0 {
			logrus.Fatalf("Failed to clean up %d items.", failed)
		}
		logrus.Info("Done cleaning up.")
	},
}

// listContainers returns the containers started by sqlbisect, optionally only the ones of the passed task
func listContainers(ctx context.Context, cli *client.Client, taskID string) ([]types.Container, error) {
	args := filters.NewArgs(filters.Arg("label", sqlbisect.ContainerLabel+"=1"))
	if taskID != "" {
		args.Add("label", fmt.Sprintf("%s=%s", sqlbisect.ContainerTaskLabel, taskID))
	}
	return cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
}

// listLogs returns the cluster log files in dir, optionally only the ones of the passed task
func listLogs(dir, taskID string) ([]string, error) {
	pattern := "task_*.log"
	if taskID != "" {
		// Log files only carry a prefix of the task id
		pattern = fmt.Sprintf("task_%s_*.log", taskID[:min(8, len(taskID))])
	}
	return filepath.Glob(filepath.Join(dir, pattern))
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVarP(&cleanupLogs, "logs", "l", true, "Delete cluster log files.")
	cleanupCmd.Flags().StringVar(&cleanupLogDir, "log-dir", "logs", "The directory cluster log files were written to.")
	cleanupCmd.Flags().StringVarP(&cleanupTask, "task", "t", "", "Only clean up after the task with this id.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
