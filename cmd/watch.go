package cmd

import (
	"fmt"
	"time"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
)

// watch prints the log lines of the task as they are appended and returns the snapshot of the finished task
func watch(task *sqlbisect.Task) sqlbisect.TaskSnapshot {
	printed := 0
	for {
		snap := task.Snapshot()
		for _, line := range snap.Log[printed:] {
			fmt.Println(line)
		}
		printed = len(snap.Log)

		if snap.Status != sqlbisect.TaskRunning {
			return snap
		}
		time.Sleep(time.Second)
	}
}

// printResults prints one line per finished evaluation
func printResults(snap sqlbisect.TaskSnapshot) {
	for _, res := range snap.Results {
		if res == nil {
			continue
		}
		line := fmt.Sprintf("%-28s %-18s %s", res.Candidate, res.Status, res.Duration.Round(time.Second))
		if res.Error != "" {
			line += " - " + res.Error
		}
		fmt.Println(line)
	}
}
