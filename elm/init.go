package elm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
)

// DefaultInitCommands задаёт последовательность инициализации ELM327
var DefaultInitCommands = []string{
	"ATZ",   // Полный сброс
	"ATE0",  // Отключить эхо
	"ATL0",  // Отключить перевод строки
	"ATH0",  // Отключить заголовки
	"ATS0",  // Отключить пробелы
	"ATSP0", // Автоматический выбор протокола
}

// InitOptions представляет параметры рукопожатия
type InitOptions struct {
	Commands       []string      `mapstructure:"init_commands"`
	ResetTimeout   time.Duration `mapstructure:"reset_timeout"`   // Таймаут ATZ (сброс занимает до секунды)
	CommandTimeout time.Duration `mapstructure:"command_timeout"` // Таймаут остальных команд
	Pause          time.Duration `mapstructure:"init_pause"`      // Пауза между командами
	MaxTimeouts    int           `mapstructure:"init_max_timeouts"`
}

// DefaultInitOptions возвращает параметры по умолчанию
func DefaultInitOptions() InitOptions {
	return InitOptions{
		Commands:       DefaultInitCommands,
		ResetTimeout:   5 * time.Second,
		CommandTimeout: 2 * time.Second,
		Pause:          100 * time.Millisecond,
		MaxTimeouts:    3,
	}
}

// Initialize выполняет команды инициализации строго по порядку и возвращает баннер ATZ.
// Таймаут повторяется до MaxTimeouts раз подряд; ответ "?"/ERROR или любая другая
// ошибка сразу даёт ErrInitializationFailed.
func Initialize(ctx context.Context, ex Executor, opts InitOptions, logger *zap.Logger) (string, error) {
	if opts.MaxTimeouts <= 0 {
		opts.MaxTimeouts = 1
	}

	logger.Info("Initializing ELM327...")

	banner := ""
	for i, cmd := range opts.Commands {
		if i > 0 && opts.Pause > 0 {
			select {
			case <-time.After(opts.Pause):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", common.ErrInitializationFailed, ctx.Err())
			}
		}

		timeout := opts.CommandTimeout
		if isReset(cmd) {
			timeout = opts.ResetTimeout
		}

		logger.Debug("Sending init command", zap.Int("step", i+1), zap.Int("total", len(opts.Commands)), zap.String("command", cmd))

		var (
			resp common.RawResponse
			err  error
		)
		for attempt := 1; ; attempt++ {
			resp, err = ex.Execute(ctx, cmd, timeout)
			if err == nil || !common.IsTimeout(err) || attempt >= opts.MaxTimeouts {
				break
			}
			logger.Warn("Init command timed out, retrying", zap.String("command", cmd), zap.Int("attempt", attempt))
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", common.ErrInitializationFailed, cmd, err)
		}

		if obd.IsErrorReply(resp.Bytes) {
			return "", fmt.Errorf("%w: %s rejected: %q", common.ErrInitializationFailed, cmd, strings.TrimSpace(resp.String()))
		}

		if isReset(cmd) {
			banner = obd.ParseVersion(resp.Bytes)
		}
	}

	logger.Info("ELM327 initialization completed", zap.String("banner", banner))
	return banner, nil
}

func isReset(cmd string) bool {
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	return cmd == "ATZ" || cmd == "ATWS"
}
