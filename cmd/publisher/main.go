package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "publisher",
		Usage:  "Publish JSON line events to Kafka",
		Flags:  appFlags(),
		Before: loadEnvFile,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Publish every line of the input, in batches",
				Flags:  runFlags(),
				Action: run,
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads --env-file, if set, before command flags read their
// environment variables.
func loadEnvFile(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}
