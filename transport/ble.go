package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"elm327-diag/common"
)

// BLE реализует Transport поверх GATT характеристики ffe1
type BLE struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	addresses map[string]bluetooth.Address // результаты последнего сканирования
	device    *bluetooth.Device
	char      bluetooth.DeviceCharacteristic

	handler   func([]byte)
	handlerMu sync.RWMutex
}

// NewBLE создаёт BLE транспорт на адаптере по умолчанию
func NewBLE(logger *zap.Logger) *BLE {
	return &BLE{
		adapter:   bluetooth.DefaultAdapter,
		logger:    logger.Named("ble"),
		addresses: make(map[string]bluetooth.Address),
	}
}

func (b *BLE) enable() error {
	b.enableOnce.Do(func() {
		if err := b.adapter.Enable(); err != nil {
			b.enableErr = fmt.Errorf("%w: %v", common.ErrUnsupportedPlatform, err)
		}
	})
	return b.enableErr
}

// Discover сканирует эфир до первого устройства, подходящего под фильтр
func (b *BLE) Discover(ctx context.Context, filter Filter) (Device, error) {
	if err := b.enable(); err != nil {
		return Device{}, err
	}

	var serviceUUID bluetooth.UUID
	hasService := false
	if filter.ServiceUUID != "" {
		uuid, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return Device{}, fmt.Errorf("invalid service UUID %q: %w", filter.ServiceUUID, err)
		}
		serviceUUID, hasService = uuid, true
	}

	timeout := filter.Timeout
	if timeout <= 0 {
		timeout = DefaultFilter().Timeout
	}

	b.logger.Info("Scanning for adapter", zap.Strings("prefixes", filter.NamePrefixes), zap.Duration("timeout", timeout))

	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- b.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !filter.MatchesName(result.LocalName()) && !(hasService && result.HasServiceUUID(serviceUUID)) {
				return
			}
			select {
			case found <- result:
				a.StopScan()
			default:
			}
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-found:
		<-scanDone
		dev := Device{Name: result.LocalName(), Address: result.Address.String()}
		b.mu.Lock()
		b.addresses[dev.Address] = result.Address
		b.mu.Unlock()
		b.logger.Info("Found device", zap.String("name", dev.Name), zap.String("address", dev.Address), zap.Int16("rssi", result.RSSI))
		return dev, nil
	case err := <-scanDone:
		return Device{}, fmt.Errorf("%w: scan failed: %v", common.ErrNoAdapterFound, err)
	case <-timer.C:
		b.adapter.StopScan()
		<-scanDone
		return Device{}, common.ErrNoAdapterFound
	case <-ctx.Done():
		b.adapter.StopScan()
		<-scanDone
		return Device{}, ctx.Err()
	}
}

// Open подключается к устройству, находит характеристику ffe1 и включает уведомления
func (b *BLE) Open(ctx context.Context, dev Device) error {
	if err := b.enable(); err != nil {
		return err
	}

	b.mu.Lock()
	addr, ok := b.addresses[dev.Address]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %s was not discovered", common.ErrConnectFailed, dev.Address)
	}

	device, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %v", common.ErrConnectFailed, dev.Name, err)
	}

	char, err := findCharacteristic(device)
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("%w: %v", common.ErrConnectFailed, err)
	}

	if err := char.EnableNotifications(b.deliver); err != nil {
		device.Disconnect()
		return fmt.Errorf("%w: failed to enable notifications: %v", common.ErrConnectFailed, err)
	}

	b.mu.Lock()
	b.device = &device
	b.char = char
	b.mu.Unlock()

	b.logger.Info("Connected", zap.String("name", dev.Name), zap.String("address", dev.Address))
	return nil
}

func findCharacteristic(device bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	serviceUUID, _ := bluetooth.ParseUUID(ServiceUUID)
	charUUID, _ := bluetooth.ParseUUID(CharacteristicUUID)

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(services) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s not found", ServiceUUID)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed to discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", CharacteristicUUID)
	}
	return chars[0], nil
}

// Send пишет без подтверждения фрагментами по ChunkSize байт
func (b *BLE) Send(p []byte) error {
	b.mu.Lock()
	connected := b.device != nil
	char := b.char
	b.mu.Unlock()

	if !connected {
		return common.ErrNotConnected
	}

	for _, chunk := range Chunk(p, ChunkSize) {
		if _, err := char.WriteWithoutResponse(chunk); err != nil {
			return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
		}
	}
	return nil
}

// Subscribe устанавливает единственного получателя уведомлений
func (b *BLE) Subscribe(fn func([]byte)) {
	b.handlerMu.Lock()
	b.handler = fn
	b.handlerMu.Unlock()
}

func (b *BLE) deliver(buf []byte) {
	b.handlerMu.RLock()
	fn := b.handler
	b.handlerMu.RUnlock()

	if fn != nil {
		fn(append([]byte(nil), buf...))
	}
}

// Close отключается от устройства. Повторный вызов безопасен.
func (b *BLE) Close() error {
	b.mu.Lock()
	device := b.device
	b.device = nil
	b.mu.Unlock()

	if device == nil {
		return nil
	}

	if err := device.Disconnect(); err != nil {
		b.logger.Warn("Disconnect failed", zap.Error(err))
		return err
	}
	b.logger.Info("Disconnected")
	return nil
}
