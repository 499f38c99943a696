package simulation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
	"elm327-diag/transport"
)

// EmulatorBanner задаёт баннер, которым эмулятор отвечает на ATZ
const EmulatorBanner = "ELM327 v1.5"

// emulatedPIDs перечисляет PID сервиса 01, на которые отвечает эмулятор
var emulatedPIDs = []string{"04", "05", "0B", "0C", "0D", "0F", "10", "11", "2F"}

// Emulator эмулирует ELM327 в памяти процесса. Реализует transport.Transport и отвечает
// на AT/OBD команды в настоящем формате провода, фрагментами по 20 байт.
type Emulator struct {
	sim    *Simulator
	logger *zap.Logger

	mu           sync.Mutex
	open         bool
	echo         bool
	spaces       bool
	linefeeds    bool
	headers      bool
	stored       []string
	pending      []string
	vin          string
	latency      time.Duration
	overrides    map[string]string
	unresponsive map[string]bool
	received     []string
	partial      strings.Builder

	handler   func([]byte)
	handlerMu sync.RWMutex

	out  chan []byte
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEmulator создаёт эмулятор с демонстрационными кодами
func NewEmulator(sim *Simulator, logger *zap.Logger) *Emulator {
	e := &Emulator{
		sim:          sim,
		logger:       logger.Named("emulator"),
		stored:       append([]string(nil), DemoCodes...),
		vin:          DemoVIN,
		latency:      5 * time.Millisecond,
		overrides:    make(map[string]string),
		unresponsive: make(map[string]bool),
	}
	e.reset()
	return e
}

// SetStoredCodes заменяет активные коды
func (e *Emulator) SetStoredCodes(codes ...string) {
	e.mu.Lock()
	e.stored = append([]string(nil), codes...)
	e.mu.Unlock()
}

// SetPendingCodes заменяет ожидающие коды
func (e *Emulator) SetPendingCodes(codes ...string) {
	e.mu.Lock()
	e.pending = append([]string(nil), codes...)
	e.mu.Unlock()
}

// SetLatency задаёт задержку перед каждым фрагментом ответа
func (e *Emulator) SetLatency(d time.Duration) {
	e.mu.Lock()
	e.latency = d
	e.mu.Unlock()
}

// SetReply подменяет ответ на команду (без завершающего "\r\r>")
func (e *Emulator) SetReply(cmd, reply string) {
	e.mu.Lock()
	e.overrides[normalizeCommand(cmd)] = reply
	e.mu.Unlock()
}

// SetUnresponsive заставляет эмулятор молчать в ответ на команды
func (e *Emulator) SetUnresponsive(cmds ...string) {
	e.mu.Lock()
	for _, cmd := range cmds {
		e.unresponsive[normalizeCommand(cmd)] = true
	}
	e.mu.Unlock()
}

// SetResponsive снимает молчание
func (e *Emulator) SetResponsive(cmds ...string) {
	e.mu.Lock()
	for _, cmd := range cmds {
		delete(e.unresponsive, normalizeCommand(cmd))
	}
	e.mu.Unlock()
}

// Received возвращает принятые команды в порядке поступления
func (e *Emulator) Received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

// Discover всегда находит эмулятор
func (e *Emulator) Discover(ctx context.Context, filter transport.Filter) (transport.Device, error) {
	if err := ctx.Err(); err != nil {
		return transport.Device{}, err
	}
	return transport.Device{Name: "ELM327 Emulator", Address: "emulator"}, nil
}

// Open запускает доставку ответов
func (e *Emulator) Open(ctx context.Context, dev transport.Device) error {
	e.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.open = true
	e.partial.Reset()
	e.reset()
	e.out = make(chan []byte, 64)
	e.stop = make(chan struct{})

	e.wg.Add(1)
	go e.deliverLoop(e.out, e.stop)

	e.logger.Info("Emulator opened", zap.String("device", dev.Name))
	return nil
}

// Close останавливает доставку. Повторный вызов безопасен.
func (e *Emulator) Close() error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return nil
	}
	e.open = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Emulator closed")
	return nil
}

// Subscribe устанавливает получателя ответов
func (e *Emulator) Subscribe(fn func([]byte)) {
	e.handlerMu.Lock()
	e.handler = fn
	e.handlerMu.Unlock()
}

// Send принимает байты команды; команда завершается '\r'
func (e *Emulator) Send(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return common.ErrNotConnected
	}

	for _, b := range p {
		if b != '\r' {
			e.partial.WriteByte(b)
			continue
		}
		cmd := e.partial.String()
		e.partial.Reset()

		reply, ok := e.respond(cmd)
		if !ok {
			continue
		}
		select {
		case e.out <- []byte(reply):
		default:
			e.logger.Warn("Emulator output queue full, dropping reply", zap.String("command", cmd))
		}
	}
	return nil
}

func (e *Emulator) deliverLoop(out <-chan []byte, stop <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-stop:
			return
		case reply := <-out:
			e.mu.Lock()
			latency := e.latency
			e.mu.Unlock()

			for _, chunk := range transport.Chunk(reply, transport.ChunkSize) {
				select {
				case <-stop:
					return
				case <-time.After(latency):
				}
				e.deliver(chunk)
			}
		}
	}
}

func (e *Emulator) deliver(chunk []byte) {
	e.handlerMu.RLock()
	fn := e.handler
	e.handlerMu.RUnlock()

	if fn != nil {
		fn(append([]byte(nil), chunk...))
	}
}

// reset возвращает настройки по умолчанию, как после ATZ (вызывается под e.mu)
func (e *Emulator) reset() {
	e.echo = true
	e.spaces = true
	e.linefeeds = false
	e.headers = false
}

// respond формирует полный ответ на команду (вызывается под e.mu)
func (e *Emulator) respond(raw string) (string, bool) {
	cmd := normalizeCommand(raw)
	e.received = append(e.received, cmd)

	if e.unresponsive[cmd] {
		e.logger.Debug("Ignoring command", zap.String("command", cmd))
		return "", false
	}

	var reply strings.Builder
	if e.echo {
		reply.WriteString(raw + "\r")
	}

	lines := e.lines(cmd)
	eol := "\r"
	if e.linefeeds {
		eol = "\r\n"
	}
	for _, line := range lines {
		reply.WriteString(line + eol)
	}
	reply.WriteString(eol + ">")
	return reply.String(), true
}

// lines возвращает строки ответа без завершающего приглашения (вызывается под e.mu)
func (e *Emulator) lines(cmd string) []string {
	if reply, ok := e.overrides[cmd]; ok {
		return strings.Split(reply, "\r")
	}

	switch {
	case cmd == "":
		return nil
	case cmd == "ATZ" || cmd == "ATWS":
		e.reset()
		return []string{"", EmulatorBanner}
	case cmd == "ATI":
		return []string{EmulatorBanner}
	case cmd == "AT@1":
		return []string{"OBDII to RS232 Interpreter"}
	case cmd == "ATRV":
		return []string{fmt.Sprintf("%.1fV", DemoVoltage)}
	case cmd == "ATDPN":
		return []string{"A6"}
	case cmd == "ATDP":
		return []string{"AUTO, ISO 15765-4 (CAN 11/500)"}
	case strings.HasPrefix(cmd, "ATE"):
		e.echo = cmd == "ATE1"
		return []string{"OK"}
	case strings.HasPrefix(cmd, "ATL"):
		e.linefeeds = cmd == "ATL1"
		return []string{"OK"}
	case strings.HasPrefix(cmd, "ATS") && len(cmd) == 4 && (cmd[3] == '0' || cmd[3] == '1'):
		e.spaces = cmd == "ATS1"
		return []string{"OK"}
	case strings.HasPrefix(cmd, "ATH"):
		e.headers = cmd == "ATH1"
		return []string{"OK"}
	case strings.HasPrefix(cmd, "AT"):
		return []string{"OK"}
	case cmd == "03":
		return e.codes(0x43, e.stored)
	case cmd == "07":
		return e.codes(0x47, e.pending)
	case cmd == "04":
		e.stored = nil
		e.pending = nil
		return []string{"44"}
	case cmd == "0902":
		return e.frames(append([]byte{0x49, 0x02, 0x01}, []byte(e.vin)...))
	case strings.HasPrefix(cmd, "01") && len(cmd) == 4:
		return e.mode01(cmd[2:])
	}
	return []string{"?"}
}

func (e *Emulator) mode01(pid string) []string {
	switch pid {
	case "00":
		return []string{e.hex(append([]byte{0x41, 0x00}, obd.EncodeSupportedPIDs(0x00, append(emulatedPIDs, "20"))...))}
	case "20":
		return []string{e.hex(append([]byte{0x41, 0x20}, obd.EncodeSupportedPIDs(0x20, emulatedPIDs)...))}
	}

	value, ok := obd.SampleValues(e.sim.LiveData())[pid]
	if !ok {
		return []string{"NO DATA"}
	}
	data, err := obd.EncodePID(pid, value)
	if err != nil {
		return []string{"NO DATA"}
	}

	var pidByte byte
	fmt.Sscanf(pid, "%02X", &pidByte)
	return []string{e.hex(append([]byte{0x41, pidByte}, data...))}
}

// codes кодирует ответ сервиса 03/07 в формате CAN: байт режима, количество, пары байтов
func (e *Emulator) codes(mode byte, codes []string) []string {
	if len(codes) == 0 {
		return []string{"NO DATA"}
	}

	payload := []byte{mode, byte(len(codes))}
	for _, code := range codes {
		pair, err := obd.EncodeDTC(code)
		if err != nil {
			e.logger.Warn("Skipping invalid emulated code", zap.String("code", code))
			continue
		}
		payload = append(payload, pair[0], pair[1])
	}
	return e.frames(payload)
}

// frames делит сообщение на кадры ISO-TP так, как их печатает ELM327 без заголовков
func (e *Emulator) frames(payload []byte) []string {
	if len(payload) <= 7 {
		return []string{e.hex(payload)}
	}

	lines := []string{fmt.Sprintf("%03X", len(payload))}
	first := payload[:6]
	rest := payload[6:]
	lines = append(lines, "0:"+e.sep()+e.hex(first))

	for i := 1; len(rest) > 0; i++ {
		n := 7
		if len(rest) < n {
			n = len(rest)
		}
		frame := make([]byte, 7)
		copy(frame, rest[:n])
		rest = rest[n:]
		lines = append(lines, fmt.Sprintf("%X:", i%16)+e.sep()+e.hex(frame))
	}
	return lines
}

func (e *Emulator) sep() string {
	if e.spaces {
		return " "
	}
	return ""
}

func (e *Emulator) hex(data []byte) string {
	if e.spaces {
		return fmt.Sprintf("% X", data)
	}
	return fmt.Sprintf("%X", data)
}

func normalizeCommand(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(cmd), " ", ""))
}
