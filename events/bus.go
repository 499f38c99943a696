package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
)

// Kind классифицирует события шины
type Kind string

const (
	KindConnection Kind = "connection" // терминальный переход сессии
	KindLiveData   Kind = "liveData"   // новый снимок телеметрии
	KindDTC        Kind = "dtc"        // результат чтения кодов
	KindRaw        Kind = "raw"        // завершённый обмен командой
	KindError      Kind = "error"      // ошибка фонового опроса
)

// Raw представляет одну пару команда/ответ
type Raw struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

// Event несёт полезную нагрузку одного из видов; заполнено только поле своего вида
type Event struct {
	Kind       Kind                        `json:"kind"`
	Time       time.Time                   `json:"time"`
	Connection *common.ConnectionEvent     `json:"connection,omitempty"`
	LiveData   *common.LiveTelemetrySample `json:"live_data,omitempty"`
	DTCs       *common.DTCResult           `json:"dtcs,omitempty"`
	Raw        *Raw                        `json:"raw,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

// Handler получает события
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	kinds   map[Kind]bool // пусто: все виды
}

// Bus представляет синхронную шину событий. Обработчики вызываются в порядке регистрации;
// паника обработчика перехватывается и не мешает остальным.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger *zap.Logger
}

// NewBus создаёт шину
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe регистрирует обработчик для перечисленных видов (без видов: для всех)
// и возвращает функцию отписки. Повторная отписка безопасна.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	sub := &subscription{handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish доставляет событие подписчикам. Нулевое время заменяется текущим.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		b.call(sub, ev)
	}
}

func (b *Bus) call(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
}

// Len возвращает количество подписчиков
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
