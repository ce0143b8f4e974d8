package main

import (
	"os"

	"github.com/archivision/archivision/pkg/config"
	"github.com/archivision/archivision/pkg/logging"
	"github.com/spf13/cobra"
)

// rootOptions carries state shared by all subcommands.
type rootOptions struct {
	// configPath is the optional YAML configuration file.
	configPath string
	// lookupEnv resolves environment overrides.
	lookupEnv config.LookupEnv
	// cfg is the loaded configuration, set before any subcommand runs.
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{
		configPath: os.Getenv("ARCHIVISION_CONFIG"),
		lookupEnv:  os.LookupEnv,
	}
	rootCmd := &cobra.Command{
		Use:           "archivision",
		Short:         "Sketch to render and sketch to mesh service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath,
		"path to a YAML configuration file (env ARCHIVISION_CONFIG)")
	rootCmd.AddCommand(
		newServeCmd(opts),
		newRenderCmd(opts),
		newMeshCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration and reconfigures the process logger from it.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath, o.lookupEnv)
	if err != nil {
		return err
	}
	configured, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log = configured
	o.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the ArchiVision version",
		// The version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("ArchiVision version %s\n", Version)
		},
	}
}
