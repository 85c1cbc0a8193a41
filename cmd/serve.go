package cmd

import (
	"github.com/DominicWuest/sqlbisect/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve [job.yml]",
	Short: "Start a server for testing and locating regressions",
	Long: `Start a server for testing releases and locating regressions.
This command optionally takes in a job.yml, whose settings are used for every task started through the server.
The workload and versions are taken from the requests.

Calling this command results in a JSON HTTP server being created, with whose API tasks can be started and polled.
Metrics are served on /metrics.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		job := readJob(path)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		runner := newRunner(reg)

		port := viper.GetInt("port")
		logrus.Infof("Serving on port %d", port)
		if err := server.NewServer(runner, job, reg).Run(port); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 5001, "The port on which to start the server")
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}
