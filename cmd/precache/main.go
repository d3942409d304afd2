package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "precache",
		Short: "Offline-first caching proxy",
		Long:  "Precache a manifest of resources from an origin and serve them cache-first, with a 503 fallback when the origin is unreachable",
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newLogger logs to stdout and, if a filename is given, to that file as well.
// The returned closer closes the log file.
func newLogger(logFilename string, trace bool) (zerolog.Logger, io.Closer, error) {
	// set log level
	logLevel := zerolog.DebugLevel
	if trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	var closer io.Closer = io.NopCloser(nil)
	if logFilename != "" {
		logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
		closer = logFileOutput
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	logger := zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return logger, closer, nil
}
