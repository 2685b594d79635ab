package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/metrics"
	"github.com/mcules/modelctl/internal/triton"
)

type cliOptions struct {
	url        string
	verbose    bool
	token      string
	timeout    time.Duration
	jsonOutput bool

	logger  *zap.Logger
	latency *metrics.LatencyTracker
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		url:     triton.DefaultURL,
		timeout: 60 * time.Second,
		logger:  zap.NewNop(),
		latency: metrics.NewLatencyTracker(0.2),
	}
	smoke := newSmokeCmd(&opts)

	root := &cobra.Command{
		Use:           "modelctl",
		Short:         "Drive the model control API of a v2 inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyRootConfig(cmd, &opts)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
		// Without a subcommand the smoke scenario runs.
		RunE: smoke.RunE,
	}
	root.Flags().AddFlagSet(smoke.Flags())

	root.PersistentFlags().StringVarP(&opts.url, "url", "u", opts.url, "inference server URL, or a comma separated list")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every request and response")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token for servers that require an API key")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", opts.timeout, "per request timeout")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		smoke,
		newIndexCmd(&opts),
		newLoadCmd(&opts),
		newUnloadCmd(&opts),
		newReadyCmd(&opts),
		newConfigCmd(&opts),
		newMetadataCmd(&opts),
		newActivityCmd(&opts),
		newProbeCmd(&opts),
	)
	return root
}

// applyRootConfig layers MODELCTL_* environment variables under explicit flags.
func applyRootConfig(cmd *cobra.Command, opts *cliOptions) error {
	v := viper.New()
	v.SetEnvPrefix("MODELCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"url", "verbose", "token", "timeout"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	opts.url = v.GetString("url")
	opts.verbose = v.GetBool("verbose")
	opts.token = v.GetString("token")
	opts.timeout = v.GetDuration("timeout")

	if opts.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		opts.logger = logger
	}
	return nil
}

func newClient(opts *cliOptions) *triton.Client {
	clientOpts := []triton.Option{
		triton.WithTimeout(opts.timeout),
		triton.WithLatency(opts.latency),
	}
	if opts.verbose {
		clientOpts = append(clientOpts, triton.WithVerbose(opts.logger))
	}
	if opts.token != "" {
		clientOpts = append(clientOpts, triton.WithToken(opts.token))
	}
	return triton.New(opts.url, clientOpts...)
}
