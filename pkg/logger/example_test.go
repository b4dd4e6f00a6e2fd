package logger_test

import (
	"log/slog"

	"github.com/soundprediction/graphfold/pkg/logger"
)

func ExampleNewDefaultLogger() {
	// Create a logger with default settings
	log := logger.NewDefaultLogger(slog.LevelDebug)

	// Log different levels
	log.Debug("This is a debug message")
	log.Info("Reconciling batch against stored graph")
	log.Warn("This is a warning message") // Will be yellow in terminal
	log.Error("This is an error message") // Will be red in terminal
}
