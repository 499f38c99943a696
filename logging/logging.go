package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config представляет настройки логирования
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json или console
	Filename   string `mapstructure:"filename"` // пусто: только stdout
	MaxSize    int    `mapstructure:"max_size"` // мегабайты
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // дни
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
}

// New создаёт логгер. Вывод идёт в stdout и, если задан файл, в файл с ротацией.
func New(cfg Config) (*zap.Logger, error) {
	return build(cfg, os.Stdout)
}

func build(cfg Config, stdout io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	writers := []zapcore.WriteSyncer{zapcore.AddSync(stdout)}
	if cfg.Filename != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}))
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(writers...),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, zap.AddCaller()), nil
}
