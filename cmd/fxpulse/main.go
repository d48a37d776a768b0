// Command fxpulse collects USDT/NGN, cross and NGN buy/sell rates from external
// providers, derives cost prices and serves them over HTTP.
//
// Usage:
//
//	fxpulse load --config fxpulse.yaml
//	fxpulse serve --config fxpulse.yaml
//	fxpulse orders --since 24h
//	fxpulse setup
//	fxpulse watch --url http://localhost:8080/rates/stream
//
// Provider secrets are read from the environment or a .env file:
//
//	BYBIT_API_KEY, BYBIT_API_SECRET, VERTOFX_TOKEN, FX_API_KEY
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/config"
	"github.com/vadiminshakov/fxpulse/internal"
)

var (
	cfgFile string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "fxpulse",
	Short:         "NGN rate aggregation and cost-price service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to yaml config (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with provider secrets")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(loadCmd, ordersCmd, serveCmd, setupCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// bootstrap loads the config and wires the pipeline. The caller closes the services
// and syncs the logger.
func bootstrap() (*internal.Services, *zap.Logger, error) {
	conf, err := config.Get(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	svc, err := internal.NewServices(conf, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}

	return svc, logger, nil
}
