package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"elm327-diag/events"
)

// Payload представляет событие шины в виде сообщения очереди
type Payload struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// NewPayload упаковывает событие; для событий без данных возвращает false
func NewPayload(ev events.Event) (Payload, bool) {
	p := Payload{Type: string(ev.Kind), Time: ev.Time}
	switch {
	case ev.LiveData != nil:
		p.Data = ev.LiveData
	case ev.DTCs != nil:
		p.Data = ev.DTCs
	case ev.Connection != nil:
		p.Data = ev.Connection
	case ev.Raw != nil:
		p.Data = ev.Raw
	case ev.Error != "":
		p.Data = map[string]string{"error": ev.Error}
	default:
		return Payload{}, false
	}
	return p, true
}

// Dispatcher пересылает события в продюсер пулом воркеров.
// Dispatch не блокируется: при заполненном буфере событие отбрасывается.
type Dispatcher struct {
	dataChan    chan Payload
	producer    Producer
	topic       string
	kinds       map[events.Kind]bool
	logger      *zap.Logger
	workerCount int
	dropped     atomic.Int64
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewDispatcher создаёт диспетчер. Пустой kinds означает все события, кроме raw.
func NewDispatcher(producer Producer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}

	kinds := make(map[events.Kind]bool)
	for _, k := range cfg.Kinds {
		kinds[events.Kind(k)] = true
	}
	if len(kinds) == 0 {
		for _, k := range []events.Kind{events.KindConnection, events.KindLiveData, events.KindDTC, events.KindError} {
			kinds[k] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		dataChan:    make(chan Payload, cfg.Buffer),
		producer:    producer,
		topic:       cfg.Kafka.Topic,
		kinds:       kinds,
		workerCount: cfg.Workers,
		logger:      logger.Named("dispatcher"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start запускает пул воркеров
func (d *Dispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("Dispatcher started", zap.Int("workers", d.workerCount))
}

// Stop останавливает воркеров; необработанные события теряются
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.logger.Info("Dispatcher stopped", zap.Int64("dropped", d.dropped.Load()))
	})
}

// HandleEvent обрабатывает события шины
func (d *Dispatcher) HandleEvent(ev events.Event) {
	if !d.kinds[ev.Kind] {
		return
	}
	if p, ok := NewPayload(ev); ok {
		d.Dispatch(p)
	}
}

// Dispatch ставит сообщение в буфер
func (d *Dispatcher) Dispatch(p Payload) {
	if d.ctx.Err() != nil {
		return
	}
	select {
	case d.dataChan <- p:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Dispatcher channel full, dropping event", zap.String("type", p.Type))
	}
}

// Dropped возвращает число отброшенных событий
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.dataChan:
			d.process(p)
		}
	}
}

func (d *Dispatcher) process(p Payload) {
	if err := d.producer.Produce(d.ctx, d.topic, p.Type, p); err != nil {
		d.logger.Error("Failed to send event", zap.String("type", p.Type), zap.Error(err))
	}
}
