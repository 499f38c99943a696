package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/events"
)

// MinInterval задаёт нижнюю границу интервала опроса
const MinInterval = 100 * time.Millisecond

// Reader читает живые данные у сессии
type Reader interface {
	ReadLiveData(ctx context.Context) (common.LiveTelemetrySample, error)
	IsReady() bool
}

// run описывает один запуск мониторинга
type run struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Poller периодически читает телеметрию и публикует её на шину.
// Одновременно существует не больше одного запуска.
type Poller struct {
	reader   Reader
	fallback func() common.LiveTelemetrySample
	publish  func(events.Event)
	logger   *zap.Logger

	ctl sync.Mutex // сериализует Start/Stop
	mu  sync.Mutex // защищает cur
	cur *run
}

// NewPoller создаёт опросчик. fallback вызывается, пока сессия не готова.
func NewPoller(reader Reader, fallback func() common.LiveTelemetrySample, publish func(events.Event), logger *zap.Logger) *Poller {
	return &Poller{
		reader:   reader,
		fallback: fallback,
		publish:  publish,
		logger:   logger.Named("poller"),
	}
}

// Start останавливает текущий запуск, дожидается его завершения и начинает новый
func (p *Poller) Start(interval time.Duration) {
	if interval < MinInterval {
		interval = MinInterval
	}

	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.stopAndWait()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{interval: interval, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.cur = r
	p.mu.Unlock()

	go p.loop(ctx, r)
	p.logger.Info("Monitoring started", zap.Duration("interval", interval))
}

// Stop останавливает текущий запуск и дожидается его; без запуска ничего не делает.
// Нельзя вызывать из обработчика событий самого опросчика.
func (p *Poller) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if p.stopAndWait() {
		p.logger.Info("Monitoring stopped")
	}
}

// Active возвращает интервал текущего запуска
func (p *Poller) Active() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		return 0, false
	}
	return p.cur.interval, true
}

func (p *Poller) stopAndWait() bool {
	p.mu.Lock()
	r := p.cur
	p.cur = nil
	p.mu.Unlock()

	if r == nil {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

func (p *Poller) loop(ctx context.Context, r *run) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.reader.IsReady() {
		sample := p.fallback()
		p.emit(ctx, events.Event{Kind: events.KindLiveData, LiveData: &sample})
		return
	}

	sample, err := p.reader.ReadLiveData(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("Live data read failed", zap.Error(err))
		p.emit(ctx, events.Event{Kind: events.KindError, Error: err.Error()})
		return
	}
	p.emit(ctx, events.Event{Kind: events.KindLiveData, LiveData: &sample})
}

// emit не публикует после остановки запуска
func (p *Poller) emit(ctx context.Context, ev events.Event) {
	if ctx.Err() != nil {
		return
	}
	p.publish(ev)
}
