package sqlbisect

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// DefaultStartVersion is the start of the release search if a job does not specify one
const DefaultStartVersion = "v5.4.0"

type jobYaml struct {
	Repository string `yaml:"repository"`
	WorkDir    string `yaml:"workDir"`
	LogDir     string `yaml:"logDir" default:"logs"`

	StartVersion         string `yaml:"startVersion"`
	EndVersion           string `yaml:"endVersion"`
	FallbackStartVersion string `yaml:"fallbackStartVersion"`

	SQL           string        `yaml:"sql"`
	Expected      string        `yaml:"expected"`
	CheckScript   string        `yaml:"checkScript"`
	ScriptTimeout time.Duration `yaml:"scriptTimeout" default:"10m"`
	IdentityQuery string        `yaml:"identityQuery" default:"SELECT tidb_version()"`
	LogPathQuery  string        `yaml:"logPathQuery" default:"SHOW CONFIG WHERE type='tidb' AND name='log.file.filename'"`

	Topology topologyYaml `yaml:"topology"`

	Backend string `yaml:"backend" default:"playground"`

	Build  buildYaml  `yaml:"build"`
	Launch launchYaml `yaml:"launch"`

	Toolchains map[string]string `yaml:"toolchains"`

	SkipCommits     bool `yaml:"skipCommits"`
	SkipStartCheck  bool `yaml:"skipStartCheck"`
	ConfirmBoundary bool `yaml:"confirmBoundary"`
}

type topologyYaml struct {
	SQL         int `yaml:"db" default:"1"`
	Storage     int `yaml:"kv" default:"3"`
	Coordinator int `yaml:"pd" default:"1"`
	Columnar    int `yaml:"tiflash"`
}

type buildYaml struct {
	Command    string        `yaml:"command" default:"make server"`
	BinaryPath string        `yaml:"binaryPath" default:"bin/tidb-server"`
	Attempts   int           `yaml:"attempts" default:"2"`
	RetryDelay time.Duration `yaml:"retryDelay" default:"10s"`
}

type launchYaml struct {
	Attempts      int           `yaml:"attempts" default:"3"`
	RetryDelay    time.Duration `yaml:"retryDelay" default:"5s"`
	ProbeInterval time.Duration `yaml:"probeInterval" default:"5s"`
	ProbeAttempts int           `yaml:"probeAttempts" default:"36"`
	StopTimeout   time.Duration `yaml:"stopTimeout" default:"30s"`

	Tiup  string `yaml:"tiup" default:"tiup"`
	Image string `yaml:"image" default:"tidb-playground:latest"`
}

// GetJobFromConfig reads in a job config in yaml format from a reader and initializes the corresponding job struct.
// An empty config results in the default job.
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	backends := map[string]BackendType{
		"playground": BackendPlayground,
		"docker":     BackendDocker,
	}
	backend, ok := backends[strings.ToLower(config.Backend)]
	if !ok {
		return nil, fmt.Errorf("invalid backend %s supplied", config.Backend)
	}

	toolchains := DefaultToolchains.Clone()
	for family, toolchain := range config.Toolchains {
		toolchains[family] = toolchain
	}

	// Convert to Job struct
	job := Job{
		Repository: config.Repository,
		WorkDir:    config.WorkDir,
		LogDir:     config.LogDir,

		StartVersion:         config.StartVersion,
		EndVersion:           config.EndVersion,
		FallbackStartVersion: config.FallbackStartVersion,

		Workload: Workload{
			SQL:           config.SQL,
			Expected:      config.Expected,
			CheckScript:   config.CheckScript,
			ScriptTimeout: config.ScriptTimeout,
			IdentityQuery: config.IdentityQuery,
			LogPathQuery:  config.LogPathQuery,
		},

		Topology: Topology{
			SQL:         config.Topology.SQL,
			Storage:     config.Topology.Storage,
			Coordinator: config.Topology.Coordinator,
			Columnar:    config.Topology.Columnar,
		},

		Backend: backend,

		Build: BuildConfig{
			Command:    config.Build.Command,
			BinaryPath: config.Build.BinaryPath,
			Retry: RetryPolicy{
				MaxAttempts: config.Build.Attempts,
				Delay:       config.Build.RetryDelay,
			},
		},

		Launch: LaunchConfig{
			Retry: RetryPolicy{
				MaxAttempts: config.Launch.Attempts,
				Delay:       config.Launch.RetryDelay,
			},
			ProbeInterval: config.Launch.ProbeInterval,
			ProbeAttempts: config.Launch.ProbeAttempts,
			StopTimeout:   config.Launch.StopTimeout,
			Tiup:          config.Launch.Tiup,
			Image:         config.Launch.Image,
		},

		Toolchains: toolchains,

		SkipCommits:     config.SkipCommits,
		SkipStartCheck:  config.SkipStartCheck,
		ConfirmBoundary: config.ConfirmBoundary,
	}

	return &job, nil
}

type BackendType string

const (
	BackendPlayground BackendType = "playground" // Clusters are started as local `tiup playground` processes
	BackendDocker     BackendType = "docker"     // Clusters are started as docker containers running tiup playground
)

// Topology specifies how many instances of each server role a cluster consists of
type Topology struct {
	SQL         int // SQL frontends
	Storage     int // Storage nodes
	Coordinator int // Coordinators / placement drivers
	Columnar    int // Columnar analytics nodes, optional
}

// BuildConfig configures how commits are compiled
type BuildConfig struct {
	Command    string      // The command building the server, run using sh in the root of the workspace
	BinaryPath string      // The path of the built server binary, relative to the root of the workspace
	Retry      RetryPolicy // How often provisioning is attempted
}

// LaunchConfig configures how clusters are started and stopped
type LaunchConfig struct {
	Retry RetryPolicy // How often the whole launch sequence is attempted

	ProbeInterval time.Duration // How long to wait between liveness probes
	ProbeAttempts int           // How many liveness probes are performed before the launch attempt is given up
	StopTimeout   time.Duration // How long to wait for a cluster to exit after it was asked to terminate

	Tiup  string // The tiup binary used by the playground backend
	Image string // The image used by the docker backend
}

// A Job is the blueprint of a task. Every task gets its own copy of the job, so jobs can be modified
// after a task was started without affecting it.
type Job struct {
	Repository string // The path to a local clone of the server's repository. Only needed if commits are bisected
	WorkDir    string // The directory in which workspaces are created. Defaults to the system's temp dir
	LogDir     string // The directory in which cluster logs are written

	StartVersion         string // The oldest release to search. Defaults to DefaultStartVersion
	EndVersion           string // The release the regression was reported on
	FallbackStartVersion string // Where the search continues if StartVersion is already bad. Defaults to the oldest release

	Workload Workload
	Topology Topology
	Backend  BackendType

	Build      BuildConfig
	Launch     LaunchConfig
	Toolchains ToolchainTable

	SkipCommits     bool // Only bisect releases
	SkipStartCheck  bool // Don't verify that StartVersion is good before searching
	ConfirmBoundary bool // Evaluate the first bad candidate a second time before reporting it
}

// Clone returns a deep copy of the job. Jobs without toolchains get the default ones.
func (j *Job) Clone() *Job {
	clone := *j
	if j.Toolchains != nil {
		clone.Toolchains = j.Toolchains.Clone()
	} else {
		clone.Toolchains = DefaultToolchains.Clone()
	}
	return &clone
}

// validateLocate normalizes the versions of the job and checks that it can be used for a bisection
func (j *Job) validateLocate() error {
	if strings.TrimSpace(j.EndVersion) == "" {
		return ErrMissingVersion
	}
	if j.StartVersion == "" {
		j.StartVersion = DefaultStartVersion
	}

	versions := []*string{&j.StartVersion, &j.EndVersion}
	if j.FallbackStartVersion != "" {
		versions = append(versions, &j.FallbackStartVersion)
	}
	for _, v := range versions {
		normalized, err := normalizeVersion(*v)
		if err != nil {
			return err
		}
		*v = normalized
	}

	if semver.Compare(j.StartVersion, j.EndVersion) >= 0 {
		return fmt.Errorf("%w: %s is not older than %s", ErrVersionOrder, j.StartVersion, j.EndVersion)
	}

	return j.Workload.Validate()
}

// normalizeVersion prefixes the passed version with a v if needed and checks that it is a valid semantic version
func normalizeVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return version, nil
}
