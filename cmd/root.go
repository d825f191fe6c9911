package cmd

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/metlos/cm-bump/internal/app"
	"github.com/metlos/cm-bump/pkg/logging"
)

// Flag values. Defaults come from the CM_* environment variables, so the
// sidecar can be configured entirely through the pod spec without args.
var (
	flagDir            string
	flagNamespace      string
	flagLabels         string
	flagSignal         string
	flagProcessPid     int
	flagProcessCommand string
	flagParentPid      int
	flagParentCommand  string
	flagDebounce       time.Duration
	flagTLSVerify      bool
	flagConfigFile     string
	flagLogLevel       string
)

// rootCmd is the sidecar itself. cm-bump is a single-purpose binary, so
// the root command does the work rather than dispatching to subcommands.
var rootCmd = &cobra.Command{
	Use:   "cm-bump",
	Short: "Persist labeled config maps to disk and signal a process on change",
	Long: `cm-bump watches the config maps matching a label selector in one
namespace, keeps their keys materialized as files under a target directory,
and sends a configured signal to a co-located process whenever the
persisted content actually changes.

It is meant to run as a sidecar sharing a process namespace with the
payload (e.g. HAProxy or nginx), which picks up the files on the signal.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runRoot,
}

func runRoot(cmd *cobra.Command, args []string) error {
	logging.Init(logging.ParseLevel(flagLogLevel), os.Stderr)
	logging.Info("App", "cm-bump %s starting", cmd.Root().Version)

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	// The config file may carry a log level of its own.
	if cfg.LogLevel != "" && cfg.LogLevel != flagLogLevel {
		logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return application.Run(ctx)
}

// buildConfig reduces the three configuration sources to one Config.
// Precedence: flag > environment > config file > default. The environment
// layer is already folded into the flag defaults, so a file value only
// loses to a flag that was set explicitly or backed by an env var.
func buildConfig(cmd *cobra.Command) (app.Config, error) {
	cfg := app.DefaultConfig()

	fileLoaded := false
	if flagConfigFile != "" {
		loaded, err := app.LoadConfigFile(flagConfigFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
		fileLoaded = true
	}

	flagWins := func(name, envVar string) bool {
		if !fileLoaded {
			return true
		}
		if cmd.Flags().Changed(name) {
			return true
		}
		_, envSet := os.LookupEnv(envVar)
		return envSet
	}

	if flagWins("dir", "CM_DIR") {
		cfg.Dir = flagDir
	}
	if flagWins("namespace", "CM_NAMESPACE") {
		cfg.Namespace = flagNamespace
	}
	if flagWins("labels", "CM_LABELS") {
		cfg.Labels = flagLabels
	}
	if flagWins("signal", "CM_PROC_SIGNAL") {
		cfg.Signal = flagSignal
	}
	if flagWins("process-pid", "CM_PROC_PID") {
		cfg.ProcessPid = flagProcessPid
	}
	if flagWins("process-command", "CM_PROC_CMD") {
		cfg.ProcessCommand = flagProcessCommand
	}
	if flagWins("parent-pid", "CM_PROC_PARENT_PID") {
		cfg.ParentPid = flagParentPid
	}
	if flagWins("parent-command", "CM_PROC_PARENT_CMD") {
		cfg.ParentCommand = flagParentCommand
	}
	if flagWins("debounce", "CM_DEBOUNCE") {
		cfg.Debounce = flagDebounce
	}
	if flagWins("tls-verify", "CM_TLS_VERIFY") {
		cfg.TLSVerify = flagTLSVerify
	}
	if flagWins("log-level", "CM_LOG_LEVEL") {
		cfg.LogLevel = flagLogLevel
	}

	return cfg, nil
}

func envString(key, def string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return def
}

func envInt(key string, def int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return def
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "cm-bump version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	flags := rootCmd.Flags()
	flags.StringVarP(&flagDir, "dir", "d", envString("CM_DIR", ""),
		"The directory to which persist the files retrieved from config maps")
	flags.StringVarP(&flagNamespace, "namespace", "n", envString("CM_NAMESPACE", ""),
		"The namespace in which to look for the config maps to persist")
	flags.StringVarP(&flagLabels, "labels", "l", envString("CM_LABELS", ""),
		"An expression to match the config map labels against")
	flags.StringVarP(&flagSignal, "signal", "s", envString("CM_PROC_SIGNAL", ""),
		"The name of the signal to send on config change, e.g. SIGHUP; empty disables signalling")
	flags.IntVarP(&flagProcessPid, "process-pid", "p", envInt("CM_PROC_PID", app.PidUnset),
		"The PID of the process to signal, if known; otherwise process detection is used")
	flags.StringVarP(&flagProcessCommand, "process-command", "c", envString("CM_PROC_CMD", ""),
		"A regular expression identifying the process to signal by its command line; ignored if --process-pid is set")
	flags.IntVarP(&flagParentPid, "parent-pid", "i", envInt("CM_PROC_PARENT_PID", app.PidUnset),
		"The PID of the parent of the process to signal, if known; 0 selects the process whose recorded parent is 0, i.e. the container entrypoint")
	flags.StringVarP(&flagParentCommand, "parent-command", "a", envString("CM_PROC_PARENT_CMD", ""),
		"A regular expression identifying the parent of the process to signal; ignored if --parent-pid is set")
	flags.DurationVar(&flagDebounce, "debounce", envDuration("CM_DEBOUNCE", 0),
		"The quiet period after the last change before the signal is sent; 0 selects the built-in default")
	flags.BoolVar(&flagTLSVerify, "tls-verify", envBool("CM_TLS_VERIFY", true),
		"Whether to verify the TLS certificate of the API server")
	flags.StringVar(&flagConfigFile, "config", envString("CM_CONFIG", ""),
		"Path to an optional YAML config file; explicit flags and env vars override its values")
	flags.StringVar(&flagLogLevel, "log-level", envString("CM_LOG_LEVEL", "info"),
		"Log verbosity: debug, info, warn or error")
}
