package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedPlatform: беспроводной стек недоступен, повтор бессмыслен
	ErrUnsupportedPlatform = errors.New("wireless stack not available on this platform")
	ErrNoAdapterFound      = errors.New("no adapter found")
	ErrConnectFailed       = errors.New("connect failed")
	ErrWriteFailed         = errors.New("write failed")
	// ErrInitializationFailed: рукопожатие ELM327 не прошло (после одного автоматического повтора)
	ErrInitializationFailed = errors.New("adapter initialization failed")
	ErrCommandTimeout       = errors.New("command timeout")
	// ErrParse никогда не фатальна: поле просто становится недоступным
	ErrParse        = errors.New("parse error")
	ErrNotConnected = errors.New("adapter not connected")
)

// CommandError несёт контекст команды, на которой произошла ошибка
type CommandError struct {
	Command string
	Elapsed time.Duration
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed after %v: %v", e.Command, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsTimeout сообщает, является ли ошибка таймаутом команды
func IsTimeout(err error) bool {
	return errors.Is(err, ErrCommandTimeout)
}
