package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/os-metering/usage-exporter/pkg/exporter"
	"github.com/os-metering/usage-exporter/pkg/weights"
)

const envPrefix = "USAGE_EXPORTER"

var (
	cfg      exporter.Config
	startStr string

	logLevelStr string
)

// Some environment variables predate this implementation and do not follow
// the mechanical flag-name derivation; they are mapped explicitly here. An
// empty value excludes the flag from environment lookup entirely.
var envOverrides = map[string]string{
	"dummy-data":             "USAGE_EXPORTER_DUMMY_FILE",
	"dummy-weights":          "USAGE_EXPORTER_DUMMY_WEIGHTS_FILE",
	"domain":                 "USAGE_EXPORTER_PROJECT_DOMAINS",
	"domain-id":              "USAGE_EXPORTER_PROJECT_DOMAIN_ID",
	"simple-vm-id":           "USAGE_EXPORTER_SIMPLE_VM_PROJECT_ID",
	"simple-vm-tag":          "USAGE_EXPORTER_SIMPLE_VM_PROJECT_TAG",
	"weight-update-endpoint": "USAGE_EXPORTER_WEIGHTS_UPDATE_ENDPOINT",
	"start":                  "USAGE_EXPORTER_START_DATE",
	"os-region":              "OS_REGION_NAME",
	"port":                   "",
}

var rootCmd = &cobra.Command{
	Use:   "usage-exporter",
	Short: "exports weighted per-project OpenStack usage as Prometheus gauges",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the usage exporter",
	// env fallback must run after cobra parsed the command line: filling
	// unset flags from the environment first would mark them as changed,
	// and a later parse of a slice flag would append to the env value
	// instead of replacing it.
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return SetFlagsFromEnv(cmd.Flags(), envPrefix)
	},
	Run: startExporter,
}

var updateIntervalSeconds int

func init() {
	// globally set time to UTC
	time.Local = time.UTC

	startCmd.Flags().StringVar(&logLevelStr, "log-level", log.InfoLevel.String(), "log level")

	startCmd.Flags().StringVarP(&cfg.DummyDataFile, "dummy-data", "d", "", "use simulated usage computed from the given machine-lifetime file instead of connecting to OpenStack; the file is re-read on every poll")
	startCmd.Flags().StringVarP(&cfg.DummyWeightsFile, "dummy-weights", "w", "", "use the fixed weight table from the given file; mutually exclusive with --weight-update-endpoint")
	startCmd.Flags().StringSliceVar(&cfg.Domains, "domain", nil, "only export usage of projects belonging to one of the given domains; separate by comma when passing via environment variable; empty means no filtering")
	startCmd.Flags().StringVar(&cfg.DomainID, "domain-id", "", "only export usage of projects belonging to the domain with this id; overrides --domain")
	startCmd.Flags().StringVar(&cfg.SimpleVMID, "simple-vm-id", "", "id of the umbrella project hosting SimpleVM sub-projects")
	startCmd.Flags().StringVar(&cfg.SimpleVMTag, "simple-vm-tag", "", "server metadata key distinguishing SimpleVM sub-projects")
	startCmd.Flags().Uint64Var(&cfg.WeightUpdateFrequency, "weight-update-frequency", exporter.DefaultWeightUpdateFrequency, "number of polling ticks between weight and start-date refreshes")
	startCmd.Flags().StringVar(&cfg.WeightUpdateEndpoint, "weight-update-endpoint", "", "HTTP endpoint returning the current weight table")
	startCmd.Flags().StringVar(&cfg.StartDateEndpoint, "start-date-endpoint", "", "HTTP endpoint returning the usage window start date; overrides --start")
	startCmd.Flags().StringVarP(&startStr, "start", "s", "", "beginning of the usage window (RFC3339 or YYYY-MM-DD); defaults to process start time")
	startCmd.Flags().IntVarP(&updateIntervalSeconds, "update-interval", "i", int(exporter.DefaultUpdateInterval/time.Second), "seconds to sleep between polling ticks")
	startCmd.Flags().IntVarP(&cfg.Port, "port", "p", exporter.DefaultPort, "port to serve the scrape endpoint on")
	startCmd.Flags().DurationVar(&cfg.RequestTimeout, "request-timeout", exporter.DefaultRequestTimeout, "timeout for a single request to the usage API or the weight/start-date endpoints")
	startCmd.Flags().StringVar(&cfg.Region, "os-region", "", "OpenStack region to resolve the compute endpoint in")
}

func main() {
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("error executing command: %v", err)
	}
}

func startExporter(cmd *cobra.Command, args []string) {
	logger := newLogger()

	cfg.UpdateInterval = time.Duration(updateIntervalSeconds) * time.Second

	cfg.StartDate = time.Now()
	if startStr != "" {
		start, err := weights.ParseStartDate(startStr)
		if err != nil {
			logger.WithError(err).Fatalf("invalid start date %q", startStr)
		}
		cfg.StartDate = start
	}

	e, err := exporter.New(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("unable to set up the usage exporter")
	}

	ctx := setupSignals(logger)
	if err := e.Run(ctx); err != nil {
		logger.WithError(err).Fatal("error occurred while the usage exporter was running")
	}
	logger.Info("usage exporter has stopped")
}

// SetFlagsFromEnv fills every flag that was not set on the command line from
// its environment variable, so flags always win over the environment. It has
// to run after the flag set was parsed. By default the variable takes the
// name of the flag, UPPERCASE, dashes replaced by underscores, prefixed by
// the given string and an underscore; entries in envOverrides replace that
// derivation.
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) (err error) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if alreadySet[f.Name] {
			return
		}
		key, overridden := envOverrides[f.Name]
		if !overridden {
			key = prefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
		}
		if key == "" {
			return
		}
		val := os.Getenv(key)
		if val != "" {
			if serr := fs.Set(f.Name, val); serr != nil {
				err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
			}
		}
	})
	return err
}

func setupSignals(logger log.FieldLogger) context.Context {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-sigs
		logger.Infof("got signal %s, performing shutdown", sig)
		cancel()
	}()
	return ctx
}

func newLogger() log.FieldLogger {
	logger := log.WithFields(log.Fields{
		"app": "usage-exporter",
	})
	logLevel, err := log.ParseLevel(logLevelStr)
	if err != nil {
		logger.WithError(err).Fatalf("invalid log level: %s", logLevelStr)
	}
	logger.Infof("setting log level to %s", logLevel.String())
	logger.Logger.Level = logLevel
	return logger
}
