package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/logging"
	"github.com/KevinKickass/FieldPoller/internal/modbus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a Modbus TCP device simulator",
	Long: `Serve a bank of holding registers over Modbus TCP for bench tests.

Without --registers the built-in eight-signal bank is served. A register map
is a YAML file:

  registers:
    - address: 0
      values: [2200, 0]
    - address: 20
      type: float32
      value: 231.5`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("listen", ":5020", "listen address")
	simulateCmd.Flags().String("registers", "", "YAML register map")
	simulateCmd.Flags().StringSlice("search-path", []string{"configs/simulator"}, "directories searched for relative register maps")
	simulateCmd.Flags().Duration("animate", 0, "vary the value registers at this interval (0 = static)")
	simulateCmd.Flags().String("log-level", "info", "log level")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	registersFile, _ := cmd.Flags().GetString("registers")
	searchPaths, _ := cmd.Flags().GetStringSlice("search-path")
	animate, _ := cmd.Flags().GetDuration("animate")
	level, _ := cmd.Flags().GetString("log-level")

	logger, err := logging.New(config.LoggingConfig{Level: level, Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	registers := modbus.DefaultSimulatorRegisters
	if registersFile != "" {
		registers, err = modbus.LoadRegisterMap(registersFile, searchPaths)
		if err != nil {
			return err
		}
	}

	sim := modbus.NewSimulator(registers, logger.Named("simulator"))
	if err := sim.Listen(listen); err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if animate > 0 {
		logger.Info("Animating value registers", zap.Duration("interval", animate))
		go sim.Animate(ctx, animate)
	}

	return sim.Serve(ctx)
}
