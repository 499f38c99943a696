package elm

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
)

// Prompt задаёт символ готовности ELM327 к следующей команде
const Prompt = '>'

// Config представляет конфигурацию движка команд
type Config struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"` // Таймаут по умолчанию
	PromptGrace    time.Duration `mapstructure:"prompt_grace"`    // Тишина, после которой ответ без '>' считается полным (0 отключает)
	ResyncTimeout  time.Duration `mapstructure:"resync_timeout"`  // Ожидание '>' опоздавшего ответа после таймаута (0 отключает)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 2 * time.Second,
		PromptGrace:    200 * time.Millisecond,
		ResyncTimeout:  500 * time.Millisecond,
	}
}

// Link представляет канал к адаптеру, нужный движку
type Link interface {
	Send(p []byte) error
	Subscribe(fn func([]byte))
}

// Executor выполняет одну команду и возвращает собранный ответ
type Executor interface {
	Execute(ctx context.Context, text string, timeout time.Duration) (common.RawResponse, error)
}

type result struct {
	resp common.RawResponse
	err  error
}

// pending хранит команду в полёте и её накопленный ответ
type pending struct {
	cmd      common.Command
	buf      bytes.Buffer
	done     chan result
	grace    *time.Timer
	finished bool
}

// Engine сериализует команды: следующая команда не пишется в канал,
// пока предыдущая не получила ответ, таймаут или отмену.
type Engine struct {
	link   Link
	config Config
	logger *zap.Logger

	slot chan struct{}

	mu      sync.Mutex
	pending *pending
	stale   chan struct{} // закрывается, когда приходит '>' команды, снятой по таймауту

	hookMu     sync.RWMutex
	onResponse func(cmd string, resp common.RawResponse)
}

// New создаёт движок и подписывает его на входящие данные канала
func New(link Link, config Config, logger *zap.Logger) *Engine {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	e := &Engine{
		link:   link,
		config: config,
		logger: logger.Named("elm"),
		slot:   make(chan struct{}, 1),
	}
	link.Subscribe(e.onBytes)
	return e
}

// OnResponse устанавливает обработчик каждого успешно завершённого обмена
func (e *Engine) OnResponse(fn func(cmd string, resp common.RawResponse)) {
	e.hookMu.Lock()
	e.onResponse = fn
	e.hookMu.Unlock()
}

// Execute отправляет команду и ждёт ответ до '>'.
// Параллельные вызовы выстраиваются в очередь; timeout <= 0 означает таймаут по умолчанию.
func (e *Engine) Execute(ctx context.Context, text string, timeout time.Duration) (common.RawResponse, error) {
	if timeout <= 0 {
		timeout = e.config.CommandTimeout
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return common.RawResponse{}, &common.CommandError{Command: text, Err: ctx.Err()}
	}
	defer func() { <-e.slot }()

	if err := e.resync(ctx); err != nil {
		return common.RawResponse{}, &common.CommandError{Command: text, Err: err}
	}

	p := &pending{
		cmd:  common.Command{Text: text, IssuedAt: time.Now(), Timeout: timeout},
		done: make(chan result, 1),
	}
	e.mu.Lock()
	e.pending = p
	e.mu.Unlock()
	defer e.release(p)

	e.logger.Debug("Sending command", zap.String("command", text))
	if err := e.link.Send([]byte(text + "\r")); err != nil {
		return common.RawResponse{}, e.fail(p, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		if r.err != nil {
			return common.RawResponse{}, e.fail(p, r.err)
		}
		e.logger.Debug("Response received",
			zap.String("command", text),
			zap.ByteString("response", r.resp.Bytes),
			zap.Duration("elapsed", time.Since(p.cmd.IssuedAt)))
		e.publish(text, r.resp)
		return r.resp, nil
	case <-timer.C:
		e.logger.Warn("Command timed out", zap.String("command", text), zap.Duration("timeout", timeout))
		e.expire(p)
		return common.RawResponse{}, e.fail(p, common.ErrCommandTimeout)
	case <-ctx.Done():
		e.expire(p)
		return common.RawResponse{}, e.fail(p, ctx.Err())
	}
}

// expire снимает команду, оставшуюся без ответа. Адаптер ещё может её
// дописать, поэтому следующая команда сначала дождётся её '>'.
func (e *Engine) expire(p *pending) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.finished {
		return
	}
	p.finished = true
	if p.grace != nil {
		p.grace.Stop()
	}
	if e.pending == p {
		e.pending = nil
	}
	if e.config.ResyncTimeout > 0 && e.stale == nil {
		e.stale = make(chan struct{})
	}
}

// resync ждёт '>' снятой команды, но не дольше ResyncTimeout
func (e *Engine) resync(ctx context.Context) error {
	e.mu.Lock()
	stale := e.stale
	e.mu.Unlock()
	if stale == nil {
		return nil
	}

	timer := time.NewTimer(e.config.ResyncTimeout)
	defer timer.Stop()

	select {
	case <-stale:
	case <-timer.C:
		e.logger.Debug("No late prompt from expired command")
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	if e.stale == stale {
		e.stale = nil
	}
	e.mu.Unlock()
	return nil
}

// Abort завершает команду в полёте ошибкой ErrCommandTimeout и освобождает слот
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pending
	if p == nil {
		return
	}
	e.logger.Info("Aborting in-flight command", zap.String("command", p.cmd.Text))
	e.complete(p, result{err: common.ErrCommandTimeout})
}

// Busy сообщает, есть ли команда в полёте
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

func (e *Engine) fail(p *pending, err error) error {
	return &common.CommandError{
		Command: p.cmd.Text,
		Elapsed: time.Since(p.cmd.IssuedAt),
		Err:     err,
	}
}

// release снимает команду с полёта; незавершённый буфер отбрасывается
func (e *Engine) release(p *pending) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.grace != nil {
		p.grace.Stop()
	}
	p.finished = true
	if e.pending == p {
		e.pending = nil
	}
}

func (e *Engine) publish(cmd string, resp common.RawResponse) {
	e.hookMu.RLock()
	fn := e.onResponse
	e.hookMu.RUnlock()

	if fn != nil {
		fn(cmd, resp)
	}
}

// onBytes получает фрагменты от канала
func (e *Engine) onBytes(chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pending
	if p == nil || p.finished {
		if e.stale != nil && bytes.IndexByte(chunk, Prompt) >= 0 {
			close(e.stale)
			e.stale = nil
			e.logger.Debug("Late response from expired command dropped", zap.ByteString("data", chunk))
			return
		}
		e.logger.Debug("Dropping unsolicited data", zap.ByteString("data", chunk))
		return
	}

	p.buf.Write(chunk)
	data := p.buf.Bytes()

	if i := bytes.IndexByte(data, Prompt); i >= 0 {
		if rest := bytes.TrimSpace(data[i+1:]); len(rest) > 0 {
			e.logger.Debug("Dropping data after prompt", zap.ByteString("data", rest))
		}
		e.complete(p, result{resp: common.RawResponse{
			Bytes:      append([]byte(nil), data[:i]...),
			ReceivedAt: time.Now(),
		}})
		return
	}

	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
	if e.graceApplies(p, data) {
		p.grace = time.AfterFunc(e.config.PromptGrace, func() { e.graceExpired(p) })
	}
}

// graceExpired принимает ответ, завершённый переводом строки без '>'
func (e *Engine) graceExpired(p *pending) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != p || p.finished {
		return
	}
	e.logger.Debug("Accepting response without prompt", zap.String("command", p.cmd.Text))
	e.complete(p, result{resp: common.RawResponse{
		Bytes:      append([]byte(nil), p.buf.Bytes()...),
		ReceivedAt: time.Now(),
	}})
}

// complete вызывается под e.mu
func (e *Engine) complete(p *pending, r result) {
	if p.finished {
		return
	}
	p.finished = true
	if p.grace != nil {
		p.grace.Stop()
	}
	if e.pending == p {
		e.pending = nil
	}
	p.done <- r
}

// graceApplies: ответ без '>' принимается только после строки с данными.
// Эхо команды, SEARCHING... и BUS INIT... данными не считаются; сброс
// всегда ждёт '>'.
func (e *Engine) graceApplies(p *pending, data []byte) bool {
	if e.config.PromptGrace <= 0 || !endsWithLineBreak(data) || isReset(p.cmd.Text) {
		return false
	}
	echo := compact(p.cmd.Text)
	for _, line := range obd.Lines(data) {
		if compact(line) != echo {
			return true
		}
	}
	return false
}

func compact(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

func endsWithLineBreak(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	last := data[len(data)-1]
	return last == '\r' || last == '\n'
}
