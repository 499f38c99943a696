package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"elm327-diag/common"
)

// StreamConfig представляет конфигурацию потокового канала (RFCOMM или последовательный порт)
type StreamConfig struct {
	DevicePath     string        `mapstructure:"device_path"`      // Путь к устройству, например "/dev/rfcomm0"
	BaudRate       int           `mapstructure:"baud_rate"`        // Скорость последовательного порта
	ReadBufferSize int           `mapstructure:"read_buffer_size"` // Размер буфера чтения
	CloseTimeout   time.Duration `mapstructure:"close_timeout"`    // Ожидание остановки цикла чтения
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		DevicePath:     "/dev/rfcomm0",
		BaudRate:       38400,
		ReadBufferSize: 256,
		CloseTimeout:   2 * time.Second,
	}
}

// Dialer открывает устройство по пути
type Dialer func(ctx context.Context, path string) (io.ReadWriteCloser, error)

// Lister перечисляет доступные устройства
type Lister func() ([]string, error)

// Stream реализует Transport поверх байтового потока
type Stream struct {
	config StreamConfig
	dial   Dialer
	list   Lister
	logger *zap.Logger

	conn      io.ReadWriteCloser
	connMutex sync.RWMutex

	handler   func([]byte)
	handlerMu sync.RWMutex

	stopChan chan struct{}  // Канал для остановки цикла чтения
	wg       sync.WaitGroup // WaitGroup для синхронизации горутин
}

// NewStream создаёт потоковый транспорт с произвольными функциями открытия и перечисления
func NewStream(config StreamConfig, dial Dialer, list Lister, logger *zap.Logger) *Stream {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 256
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 2 * time.Second
	}
	return &Stream{
		config: config,
		dial:   dial,
		list:   list,
		logger: logger.Named("stream"),
	}
}

// NewRFCOMM создаёт транспорт для привязанного RFCOMM устройства ("sudo rfcomm bind")
func NewRFCOMM(config StreamConfig, logger *zap.Logger) *Stream {
	return NewStream(config, openRFCOMM, listRFCOMM, logger)
}

// NewSerial создаёт транспорт для USB/последовательного адаптера
func NewSerial(config StreamConfig, logger *zap.Logger) *Stream {
	baud := config.BaudRate
	dial := func(ctx context.Context, path string) (io.ReadWriteCloser, error) {
		return serial.Open(path, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
	return NewStream(config, dial, serial.GetPortsList, logger)
}

func openRFCOMM(ctx context.Context, path string) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("device %s does not exist. Please run 'sudo rfcomm bind' first", path)
	}
	return os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
}

func listRFCOMM() ([]string, error) {
	return filepath.Glob("/dev/rfcomm*")
}

// Discover ищет устройство: настроенный путь, если он присутствует, иначе первое найденное
func (s *Stream) Discover(ctx context.Context, filter Filter) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}

	ports, err := s.list()
	if err != nil {
		return Device{}, fmt.Errorf("%w: failed to list ports: %v", common.ErrNoAdapterFound, err)
	}
	s.logger.Debug("ports found", zap.Strings("ports", ports))

	for _, port := range ports {
		if s.config.DevicePath == "" || port == s.config.DevicePath {
			return Device{Name: filepath.Base(port), Address: port}, nil
		}
	}

	if s.config.DevicePath != "" {
		return Device{}, fmt.Errorf("%w: %s", common.ErrNoAdapterFound, s.config.DevicePath)
	}
	return Device{}, common.ErrNoAdapterFound
}

// Open открывает устройство и запускает цикл чтения
func (s *Stream) Open(ctx context.Context, dev Device) error {
	s.logger.Info("Attempting to connect", zap.String("device", dev.Address))

	conn, err := s.dial(ctx, dev.Address)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", common.ErrConnectFailed, dev.Address, err)
	}

	s.Close()
	stop := s.setConnection(conn)

	s.wg.Add(1)
	go s.readLoop(conn, stop)

	return nil
}

// Send записывает данные в устройство
func (s *Stream) Send(p []byte) error {
	conn := s.getConnection()
	if conn == nil {
		return common.ErrNotConnected
	}

	if _, err := conn.Write(p); err != nil {
		s.logger.Warn("Write error", zap.Error(err))
		return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
	}
	return nil
}

// Subscribe устанавливает единственного получателя входящих данных
func (s *Stream) Subscribe(fn func([]byte)) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
}

// Close закрывает соединение и останавливает цикл чтения. Повторный вызов безопасен.
func (s *Stream) Close() error {
	conn, stop := s.takeConnection()
	if stop == nil {
		return nil
	}

	close(stop)
	if conn != nil {
		conn.Close()
	}
	s.logger.Info("Connection closed")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.CloseTimeout):
		s.logger.Warn("Read loop did not stop in time")
	}
	return nil
}

// setConnection устанавливает соединение и канал остановки его цикла чтения
func (s *Stream) setConnection(conn io.ReadWriteCloser) chan struct{} {
	s.connMutex.Lock()
	s.conn = conn
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.connMutex.Unlock()
	s.logger.Info("Connection established")
	return stop
}

// getConnection получает соединение
func (s *Stream) getConnection() io.ReadWriteCloser {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()
	return s.conn
}

// takeConnection забирает соединение и канал остановки за один шаг:
// закрывать их будет только получивший непустой канал
func (s *Stream) takeConnection() (io.ReadWriteCloser, chan struct{}) {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	conn, stop := s.conn, s.stopChan
	s.conn, s.stopChan = nil, nil
	return conn, stop
}

// readLoop передаёт прочитанные фрагменты получателю
func (s *Stream) readLoop(conn io.ReadWriteCloser, stop <-chan struct{}) {
	defer s.wg.Done()
	s.logger.Debug("Starting read loop")

	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case <-stop:
				return
			default:
			}
			s.deliver(buf[:n])
		}
		if err == nil {
			continue
		}

		select {
		case <-stop:
			s.logger.Debug("Read loop stopped")
		default:
			if errors.Is(err, io.EOF) {
				s.logger.Warn("Device closed the stream")
			} else {
				s.logger.Warn("Read error", zap.Error(err))
			}
			// Связь потеряна: следующая отправка вернёт ErrNotConnected
			s.connMutex.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
			}
			s.connMutex.Unlock()
		}
		return
	}
}

func (s *Stream) deliver(chunk []byte) {
	s.handlerMu.RLock()
	fn := s.handler
	s.handlerMu.RUnlock()

	if fn == nil {
		return
	}
	fn(append([]byte(nil), chunk...))
}
