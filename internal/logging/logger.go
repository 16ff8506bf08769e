// Package logging builds the zap loggers used across the archiver.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every log line.
const Service = "readlater-archiver"

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		// Capture outcomes are low volume and each one matters.
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.InitialFields = map[string]any{"service": Service}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ItemFields are the standard fields for logging about one archive item.
func ItemFields(itemID, owner string, attempt int) []zap.Field {
	fields := []zap.Field{zap.String("item_id", itemID)}
	if owner != "" {
		fields = append(fields, zap.String("owner", owner))
	}
	if attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}
	return fields
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
