package cmd

import (
	"context"
	"fmt"

	"argus/bootstrap"
	"argus/config"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var stdin bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the correlation daemon",
		Long: `Run the correlation daemon until SIGINT or SIGTERM.

With --stdin, every line of standard input is processed as one message
instead of reading the scanner socket, and argus exits once the input is
exhausted and every alert has been written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, stdin)
		},
	}
	runCmd.Flags().BoolVar(&stdin, "stdin", false, "Read messages from standard input instead of the socket")
	return runCmd
}

func runDaemon(cmd *cobra.Command, stdin bool) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	logger, sugar, err := bootstrap.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sugar.Infow("argus starting", "version", Version)

	app, err := bootstrap.NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if stdin {
		app.Stdin = cmd.InOrStdin()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}
	return app.Run(ctx)
}
