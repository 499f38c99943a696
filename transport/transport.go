package transport

import (
	"context"
	"strings"
	"time"
)

const (
	// ServiceUUID задаёт сервис последовательного порта BLE адаптеров ELM327
	ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	// CharacteristicUUID задаёт характеристику записи и уведомлений внутри ServiceUUID
	CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"

	// ChunkSize задаёт максимальный размер одной записи BLE без согласования MTU
	ChunkSize = 20
)

// DefaultNamePrefixes содержит префиксы имён, под которыми рекламируются адаптеры
var DefaultNamePrefixes = []string{"ELM327", "OBDII", "OBD"}

// Device описывает найденный адаптер
type Device struct {
	Name    string
	Address string
}

// Filter задаёт критерии поиска адаптера
type Filter struct {
	NamePrefixes []string
	ServiceUUID  string
	Timeout      time.Duration
}

// DefaultFilter возвращает фильтр по умолчанию
func DefaultFilter() Filter {
	return Filter{
		NamePrefixes: DefaultNamePrefixes,
		ServiceUUID:  ServiceUUID,
		Timeout:      10 * time.Second,
	}
}

// MatchesName проверяет имя устройства по списку префиксов
func (f Filter) MatchesName(name string) bool {
	if name == "" {
		return false
	}
	upper := strings.ToUpper(name)
	for _, prefix := range f.NamePrefixes {
		if strings.HasPrefix(upper, strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

// Transport владеет беспроводным каналом к адаптеру.
// Обработчик Subscribe получает фрагменты в порядке поступления, без сборки в ответы.
type Transport interface {
	Discover(ctx context.Context, filter Filter) (Device, error)
	Open(ctx context.Context, dev Device) error
	Send(p []byte) error
	Subscribe(fn func([]byte))
	Close() error
}

// Chunk разбивает данные на части не длиннее size байт
func Chunk(p []byte, size int) [][]byte {
	if size <= 0 {
		return [][]byte{p}
	}
	chunks := make([][]byte, 0, (len(p)+size-1)/size)
	for len(p) > size {
		chunks = append(chunks, p[:size])
		p = p[size:]
	}
	if len(p) > 0 {
		chunks = append(chunks, p)
	}
	return chunks
}
