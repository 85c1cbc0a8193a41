package cmd

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/DominicWuest/sqlbisect/pkg/sqlbisect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "sqlbisect",
	Short: "Locate the release and commit at which a SQL workload started to misbehave",
	Long: `sqlbisect runs a SQL workload, an optional check script, or both against clusters of consecutive
releases of a database server and bisects them for the first release at which the workload fails.
If a local clone of the server's repository is configured, the commits of that release are bisected next.

Settings which are not part of a job can also be set using environment variables prefixed with SQLBISECT_,
e.g. SQLBISECT_MAX_BUILDS=2.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set logging format
		formatter := prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.TimeOnly,
		}
		logrus.SetFormatter(&formatter)

		if quiet {
			verbosity = -1
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns the logger passed to the runner, with its verbosity set according to the -v flags
func newLogger() *logrus.Logger {
	log := logrus.StandardLogger()

	// Set logger verbosity
	if verbosity < 0 {
		log.SetOutput(io.Discard)
	} else if verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}

	return log
}

// newRunner creates a runner using tiup as its release catalog
func newRunner(reg prometheus.Registerer) *sqlbisect.Runner {
	runner, err := sqlbisect.NewRunner(sqlbisect.RunnerConfig{
		Catalog: sqlbisect.TiupCatalog{
			Binary:   viper.GetString("tiup"),
			Fallback: viper.GetStringSlice("fallback-releases"),
		},
		Log:                 newLogger(),
		Registerer:          reg,
		MaxConcurrentBuilds: viper.GetInt64("max-builds"),
	})
	if err != nil {
		logrus.Fatalf("Failed to create runner - %v", err)
	}
	return runner
}

// readJob reads the job at the passed path. If path is empty, the default job is returned.
func readJob(path string) *sqlbisect.Job {
	if path == "" {
		job, err := sqlbisect.GetJobFromConfig(strings.NewReader(""))
		if err != nil {
			logrus.Fatalf("Failed to create default job - %v", err)
		}
		return job
	}

	jobYaml, err := os.Open(path)
	if err != nil {
		logrus.Fatalf("Failed to open job yaml - %v", err)
	}
	defer jobYaml.Close()

	job, err := sqlbisect.GetJobFromConfig(jobYaml)
	if err != nil {
		logrus.Fatalf("Failed to read job config from yaml - %v", err)
	}
	return job
}

func init() {
	viper.SetEnvPrefix("SQLBISECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the verbosity, may be repeated")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Don't log anything")

	rootCmd.PersistentFlags().Int64("max-builds", 1, "The max amount of commits built at once")
	viper.BindPFlag("max-builds", rootCmd.PersistentFlags().Lookup("max-builds"))

	rootCmd.PersistentFlags().String("tiup", "tiup", "The tiup binary used to list and install releases")
	viper.BindPFlag("tiup", rootCmd.PersistentFlags().Lookup("tiup"))

	rootCmd.PersistentFlags().StringSlice("fallback-releases", nil, "Releases to use if tiup cannot list them")
	viper.BindPFlag("fallback-releases", rootCmd.PersistentFlags().Lookup("fallback-releases"))
}
