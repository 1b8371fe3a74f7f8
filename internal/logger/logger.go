// Package logger provides structured logging for the control plane.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger, configured by Initialize.
var Log zerolog.Logger

// Initialize configures the global logger from a level string and a
// pretty/JSON output toggle. Call once at startup.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "controlplane").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Identity returns a logger scoped to the Identity Gate.
func Identity() *zerolog.Logger { return component("identity") }

// Credentials returns a logger scoped to the Credential Store.
func Credentials() *zerolog.Logger { return component("credentials") }

// Session returns a logger scoped to the Session Manager.
func Session() *zerolog.Logger { return component("session") }

// Bridge returns a logger scoped to the Extension Bridge.
func Bridge() *zerolog.Logger { return component("bridge") }

// RunController returns a logger scoped to the Agent Run Controller.
func RunController() *zerolog.Logger { return component("runcontroller") }

// Scheduler returns a logger scoped to the Scheduled Execution Engine.
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Activity returns a logger scoped to the Activity Event Bus.
func Activity() *zerolog.Logger { return component("activity") }

// Database returns a logger scoped to persistence.
func Database() *zerolog.Logger { return component("database") }

// HTTP returns a logger scoped to the HTTP API.
func HTTP() *zerolog.Logger { return component("http") }
