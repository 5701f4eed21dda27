// Stepwise CLI — операторский инструмент: circuit breaker, безопасный
// перезапуск воркеров, просмотр шагов и управление schedules.
//
// Использование:
//
//	stepwise [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	breaker   Включение и выключение отправки шагов
//	restart   Проверка готовности к перезапуску
//	step      Просмотр шагов, разбор NOT_RUNNABLE
//	schedule  Управление schedules
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepwise/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := os.Getenv("STEPWISE_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{
		Use:           "stepwise",
		Short:         "Stepwise CLI — step orchestration control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env STEPWISE_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewBreakerCmd(clientFn, outputFn),
		cli.NewRestartCmd(clientFn, outputFn),
		cli.NewStepCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
