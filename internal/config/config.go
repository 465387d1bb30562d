// Package config resolves the run/record/compare configuration from,
// in increasing precedence, built-in defaults, a TOML file, and CLI
// flags: CLI overrides TOML overrides defaults.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// EnvConfigPath names the environment variable pointing at the TOML
// config file.
const EnvConfigPath = "FAST_FSTESTS_CONFIG_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "config.toml"

// Config is the fully-resolved record the runner and CLI wiring
// consume; field names mirror the flag surface.
type Config struct {
	Fstests string `toml:"fstests"`

	Groups         []string `toml:"groups"`
	Exclude        []string `toml:"exclude"`
	ExcludeFile    string   `toml:"exclude_file"`
	ExcludeGroups  []string `toml:"exclude_groups"`
	Section        string   `toml:"section"`
	ExcludeSection string   `toml:"exclude_section"`
	Randomize      bool     `toml:"randomize"`
	Iterate        int      `toml:"iterate"`
	ListOnly       bool     `toml:"list_only"`
	FileSystem     string   `toml:"file_system"`

	ResultsDir string `toml:"results_dir"`

	MkosiNum     int      `toml:"mkosi_num"`
	MkosiConfig  string   `toml:"mkosi_config"`
	MkosiOptions []string `toml:"mkosi_options"`
	MkosiFstests string   `toml:"mkosi_fstests"`
	MkosiTimeout int      `toml:"mkosi_timeout"`
	Build        bool     `toml:"build"`

	VMs          []string `toml:"vms"`
	VMPrivateKey string   `toml:"vm_private_key"`

	KeepAlive             bool   `toml:"keep_alive"`
	TestTimeout           int    `toml:"test_timeout"`
	Bpftrace              string `toml:"bpftrace"`
	BpftraceScript        string `toml:"bpftrace_script"`
	ProbeInterval         int    `toml:"probe_interval"`
	MaxSupervisorRestarts int    `toml:"max_supervisor_restarts"`
	Dmesg                 bool   `toml:"dmesg"`
	Verbose               bool   `toml:"verbose"`

	Record        string `toml:"record"`
	SlowestFirst  string `toml:"slowest_first"`
	RetryFailures int    `toml:"retry_failures"`

	PrintFailureList  bool `toml:"print_failure_list"`
	PrintNSlowest     int  `toml:"print_n_slowest"`
	PrintDurationHist bool `toml:"print_duration_hist"`

	JUnitXML    bool   `toml:"junit_xml"`
	MetricsAddr string `toml:"metrics_addr"`

	Baseline string `toml:"baseline"`
	Changed  string `toml:"changed"`
	Label    string `toml:"label"`
}

// Defaults returns the built-in defaults, the bottom of the
// CLI > TOML > defaults precedence chain.
func Defaults() Config {
	return Config{
		ResultsDir:            "results",
		TestTimeout:           300,
		ProbeInterval:         5,
		MaxSupervisorRestarts: 2,
		MkosiNum:              4,
		MkosiTimeout:          60,
		Iterate:               1,
	}
}

// ResolvePath returns the TOML config path: EnvConfigPath if set,
// otherwise DefaultConfigPath.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load decodes path over top of Defaults(). A missing file is not an
// error: the config file is optional, and defaults (further overridden
// by flags) still produce a usable Config.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyStringFlag overrides *dest with the flag's value only if the
// user actually passed it on the command line, so an unchanged flag
// default never clobbers a TOML value.
func ApplyStringFlag(cmd *cobra.Command, name string, value string, dest *string) {
	if cmd.Flags().Changed(name) {
		*dest = value
	}
}

// ApplyIntFlag is ApplyStringFlag for int-valued flags.
func ApplyIntFlag(cmd *cobra.Command, name string, value int, dest *int) {
	if cmd.Flags().Changed(name) {
		*dest = value
	}
}

// ApplyBoolFlag is ApplyStringFlag for bool-valued flags.
func ApplyBoolFlag(cmd *cobra.Command, name string, value bool, dest *bool) {
	if cmd.Flags().Changed(name) {
		*dest = value
	}
}

// ApplyStringSliceFlag is ApplyStringFlag for []string-valued flags.
func ApplyStringSliceFlag(cmd *cobra.Command, name string, value []string, dest *[]string) {
	if cmd.Flags().Changed(name) {
		*dest = value
	}
}
