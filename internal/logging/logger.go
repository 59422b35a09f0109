package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode keeps zap's console
// encoder; otherwise JSON lines with ISO8601 timestamps are written to stderr.
func New(level string, development bool) (*zap.Logger, error) {
	atom := zap.NewAtomicLevel()
	if level != "" {
		if err := atom.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}

	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = atom
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.AddCaller())
}
