package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcules/modelctl/internal/control"
	"github.com/mcules/modelctl/internal/smoke"
	"github.com/mcules/modelctl/internal/triton"
)

func newSmokeCmd(opts *cliOptions) *cobra.Command {
	var cfg smoke.Config
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run the load/override/unload scenario and exit 1 on the first failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newClient(opts)
			res := smoke.NewRunner(client, cfg, opts.logger).Run(cmd.Context())
			if err := printSmokeResult(cmd.OutOrStdout(), res, opts.latency, opts.jsonOutput); err != nil {
				return err
			}
			if failed, ok := res.Failed(); ok {
				return exitError{code: 1, message: fmt.Sprintf("smoke failed at %s: %v", failed.Name, failed.Err)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Model, "model", smoke.DefaultModel, "model the scenario loads and unloads")
	cmd.Flags().IntVar(&cfg.ExpectedModels, "expected-models", smoke.DefaultExpectedModels, "number of models the repository index must list")
	cmd.Flags().StringVar(&cfg.WrongModel, "wrong-model", smoke.DefaultWrongModel, "model name that must fail to load")
	return cmd
}

func newIndexCmd(opts *cliOptions) *cobra.Command {
	var readyOnly bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "List the models in the server's repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := newClient(opts).RepositoryIndex(cmd.Context(), readyOnly)
			if err != nil {
				return err
			}
			return printIndex(cmd.OutOrStdout(), entries, opts.jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&readyOnly, "ready", false, "only list models that are ready")
	return cmd
}

func newLoadCmd(opts *cliOptions) *cobra.Command {
	var config string
	cmd := &cobra.Command{
		Use:   "load <model>",
		Short: "Load or reload a model, optionally with a JSON config override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var loadOpts []triton.LoadOption
			if cmd.Flags().Changed("config") {
				loadOpts = append(loadOpts, triton.WithConfig(config))
			}
			if err := newClient(opts).LoadModel(cmd.Context(), args[0], loadOpts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&config, "config", "", `override as a JSON object, e.g. {"max_batch_size":"16"}`)
	return cmd
}

func newUnloadCmd(opts *cliOptions) *cobra.Command {
	var dependents bool
	cmd := &cobra.Command{
		Use:   "unload <model>",
		Short: "Unload a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var unloadOpts []triton.UnloadOption
			if dependents {
				unloadOpts = append(unloadOpts, triton.WithUnloadDependents())
			}
			if err := newClient(opts).UnloadModel(cmd.Context(), args[0], unloadOpts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unloaded %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&dependents, "dependents", false, "also unload dependent models")
	return cmd
}

func newReadyCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ready <model>",
		Short: "Print model readiness; exit 1 when not ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ready, err := newClient(opts).IsModelReady(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ready)
			if !ready {
				return exitSilent(1)
			}
			return nil
		},
	}
}

func newConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config <model>",
		Short: "Print the configuration of a loaded model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newClient(opts).ModelConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func newMetadataCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata [model]",
		Short: "Print server metadata, or model metadata when a model is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(opts)
			if len(args) == 0 {
				md, err := client.ServerMetadata(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), md)
			}
			md, err := client.ModelMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), md)
		},
	}
}

func newActivityCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Show recent control events of a modelrepo-server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := newClient(opts).Activity(cmd.Context())
			if err != nil {
				return err
			}
			return printActivity(cmd.OutOrStdout(), events, opts.jsonOutput)
		},
	}
}

func newProbeCmd(opts *cliOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "probe [model]",
		Short: "Check server or model health over gRPC",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := ""
			if len(args) == 1 {
				model = args[0]
			}
			serving, err := control.ProbeModel(cmd.Context(), addr, model, opts.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), serving)
			if !serving {
				return exitSilent(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "grpc", "localhost:8001", "gRPC health address")
	return cmd
}
