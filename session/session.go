package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/dtc"
	"elm327-diag/elm"
	"elm327-diag/events"
	"elm327-diag/obd"
	"elm327-diag/simulation"
	"elm327-diag/telemetry"
	"elm327-diag/transport"
)

// DefaultLivePIDs перечисляет PID, которые читаются для снимка телеметрии
var DefaultLivePIDs = []string{"010C", "010D", "0105", "012F", "0111", "010F", "010B", "0110", "0104"}

// Config представляет конфигурацию сессии
type Config struct {
	Filter           transport.Filter
	Engine           elm.Config
	Init             elm.InitOptions
	HandshakeRetries int           // Автоматических повторов рукопожатия
	LivePIDs         []string      // Команды сервиса 01 для ReadLiveData
	VINTimeout       time.Duration // Таймаут многокадрового ответа 0902
	ProbePIDs        bool          // Запрашивать 0100/0120 после подключения
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Filter:           transport.DefaultFilter(),
		Engine:           elm.DefaultConfig(),
		Init:             elm.DefaultInitOptions(),
		HandshakeRetries: 1,
		LivePIDs:         DefaultLivePIDs,
		VINTimeout:       5 * time.Second,
		ProbePIDs:        true,
	}
}

// transitions перечисляет допустимые переходы состояний
var transitions = map[common.SessionState][]common.SessionState{
	common.StateDisconnected: {common.StateConnecting},
	common.StateConnecting:   {common.StateInitializing, common.StateError, common.StateDisconnected},
	common.StateInitializing: {common.StateReady, common.StateError, common.StateDisconnected},
	common.StateReady:        {common.StateError, common.StateDisconnected},
	common.StateError:        {common.StateConnecting, common.StateDisconnected},
}

func terminal(state common.SessionState) bool {
	return state == common.StateReady || state == common.StateError || state == common.StateDisconnected
}

// Session представляет единственную диагностическую сессию с адаптером.
// Диагностические операции принимаются только в состоянии Ready; вне его
// чтения возвращают данные симуляции с пометкой simulated.
type Session struct {
	transport transport.Transport
	engine    *elm.Engine
	kb        *dtc.Base
	sim       *simulation.Simulator
	bus       *events.Bus
	poller    *telemetry.Poller
	config    Config
	logger    *zap.Logger

	connectMu sync.Mutex

	mu            sync.RWMutex
	state         common.SessionState
	device        string
	lastErr       string
	banner        string
	supported     map[string]bool // nil: поддержка неизвестна
	probed        map[int]bool    // проверенные диапазоны PID (0x00, 0x20, ...)
	connectCancel context.CancelFunc
	aborted       bool // подключение прервано Disconnect
}

// New создаёт сессию поверх транспорта
func New(tr transport.Transport, kb *dtc.Base, sim *simulation.Simulator, bus *events.Bus, config Config, logger *zap.Logger) *Session {
	if len(config.LivePIDs) == 0 {
		config.LivePIDs = DefaultLivePIDs
	}

	s := &Session{
		transport: tr,
		kb:        kb,
		sim:       sim,
		bus:       bus,
		config:    config,
		logger:    logger.Named("session"),
		state:     common.StateDisconnected,
	}

	s.engine = elm.New(tr, config.Engine, logger)
	s.engine.OnResponse(func(cmd string, resp common.RawResponse) {
		bus.Publish(events.Event{
			Kind: events.KindRaw,
			Time: resp.ReceivedAt,
			Raw:  &events.Raw{Command: cmd, Response: strings.TrimSpace(resp.String())},
		})
	})
	s.poller = telemetry.NewPoller(s, sim.LiveData, bus.Publish, logger)

	return s
}

// Connect проходит Disconnected → Connecting → Initializing → Ready.
// При ошибке сессия переходит в Error, если подключение не было прервано Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state == common.StateReady {
		s.mu.Unlock()
		return nil
	}
	if !s.advanceLocked(s.state, common.StateConnecting) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot connect from state %s", state)
	}
	s.connectCancel = cancel
	s.aborted = false
	s.lastErr = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connectCancel = nil
		s.mu.Unlock()
	}()

	s.logger.Info("Connecting", zap.Strings("prefixes", s.config.Filter.NamePrefixes))

	dev, err := s.transport.Discover(ctx, s.config.Filter)
	if err != nil {
		return s.fail(common.StateConnecting, err)
	}

	s.mu.Lock()
	s.device = dev.Name
	s.mu.Unlock()

	if err := s.transport.Open(ctx, dev); err != nil {
		return s.fail(common.StateConnecting, err)
	}

	if !s.advance(common.StateConnecting, common.StateInitializing) {
		s.transport.Close()
		return fmt.Errorf("%w: connect aborted", common.ErrConnectFailed)
	}

	banner, err := s.handshake(ctx)
	if err != nil {
		s.transport.Close()
		return s.fail(common.StateInitializing, err)
	}

	if s.config.ProbePIDs {
		s.probeSupported(ctx)
	}

	s.mu.Lock()
	s.banner = banner
	ok := !s.aborted && s.advanceLocked(common.StateInitializing, common.StateReady)
	ev := s.eventLocked()
	s.mu.Unlock()

	if !ok {
		s.transport.Close()
		return fmt.Errorf("%w: connect aborted", common.ErrConnectFailed)
	}

	s.logger.Info("Adapter ready", zap.String("device", dev.Name), zap.String("banner", banner))
	s.publishConnection(ev)
	return nil
}

// handshake выполняет инициализацию с автоматическим повтором
func (s *Session) handshake(ctx context.Context) (string, error) {
	var (
		banner string
		err    error
	)
	for attempt := 0; attempt <= s.config.HandshakeRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("Retrying adapter initialization", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		banner, err = elm.Initialize(ctx, s.engine, s.config.Init, s.logger)
		if err == nil || ctx.Err() != nil || !errors.Is(err, common.ErrInitializationFailed) {
			break
		}
	}
	return banner, err
}

// probeSupported запрашивает битовые карты поддерживаемых PID; ошибки не фатальны
func (s *Session) probeSupported(ctx context.Context) {
	supported := make(map[string]bool)
	probed := make(map[int]bool)

	for _, base := range []int{0x00, 0x20} {
		if base > 0 && !supported[fmt.Sprintf("%02X", base)] {
			break
		}
		cmd := fmt.Sprintf("01%02X", base)
		resp, err := s.engine.Execute(ctx, cmd, 0)
		if err != nil {
			s.logger.Debug("Supported PID probe failed", zap.String("command", cmd), zap.Error(err))
			break
		}
		pids, err := obd.ParseSupportedPIDs(resp.Bytes)
		if err != nil {
			s.logger.Debug("Supported PID probe unparsable", zap.String("command", cmd), zap.Error(err))
			break
		}
		for pid := range pids {
			supported[pid] = true
		}
		probed[base] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(probed) == 0 {
		s.supported, s.probed = nil, nil
		return
	}
	s.supported, s.probed = supported, probed
	s.logger.Info("Supported PIDs probed", zap.Int("count", len(supported)))
}

// isSupported: PID вне проверенных диапазонов считается поддерживаемым
func (s *Session) isSupported(pid string) bool {
	n, err := strconv.ParseUint(pid, 16, 8)
	if err != nil || n == 0 {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	base := int(n-1) / 0x20 * 0x20
	if s.probed == nil || !s.probed[base] {
		return true
	}
	return s.supported[pid]
}

// fail переводит сессию в Error. Прерванное Disconnect подключение
// состояние не меняет: его выставит Disconnect.
func (s *Session) fail(from common.SessionState, err error) error {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		s.logger.Info("Connect aborted", zap.Error(err))
		return err
	}
	s.lastErr = err.Error()
	ok := s.advanceLocked(from, common.StateError)
	ev := s.eventLocked()
	s.mu.Unlock()

	s.logger.Error("Connect failed", zap.Error(err))
	if ok {
		s.publishConnection(ev)
	}
	return err
}

// Disconnect останавливает мониторинг, прерывает подключение и команду в полёте,
// закрывает транспорт и переходит в Disconnected. Повторный вызов безопасен.
func (s *Session) Disconnect(ctx context.Context) error {
	s.poller.Stop()

	s.mu.Lock()
	cancel := s.connectCancel
	if cancel != nil {
		s.aborted = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.engine.Abort()
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Transport close failed", zap.Error(err))
	}

	s.mu.Lock()
	changed := s.state != common.StateDisconnected
	if changed {
		s.setStateLocked(common.StateDisconnected)
	}
	s.supported, s.probed = nil, nil
	ev := s.eventLocked()
	s.mu.Unlock()

	if changed {
		s.logger.Info("Disconnected")
		s.publishConnection(ev)
	}
	return nil
}

// IsReady сообщает, принимает ли сессия диагностические операции
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == common.StateReady
}

// State возвращает текущее состояние
func (s *Session) State() common.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectionStatus возвращает снимок состояния для слоя представления
func (s *Session) ConnectionStatus() common.ConnectionStatus {
	interval, monitoring := s.poller.Active()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return common.ConnectionStatus{
		State:           s.state,
		Connected:       s.state == common.StateReady,
		Device:          s.device,
		LastError:       s.lastErr,
		Monitoring:      monitoring,
		MonitorInterval: interval,
	}
}

// OnConnectionChange подписывает обработчик на терминальные переходы
func (s *Session) OnConnectionChange(fn func(common.ConnectionEvent)) func() {
	return s.bus.Subscribe(func(ev events.Event) {
		if ev.Connection != nil {
			fn(*ev.Connection)
		}
	}, events.KindConnection)
}

// OnDataReceived подписывает обработчик на телеметрию и результаты чтения кодов
func (s *Session) OnDataReceived(fn func(events.Event)) func() {
	return s.bus.Subscribe(fn, events.KindLiveData, events.KindDTC)
}

// StartMonitoring запускает периодический опрос, останавливая предыдущий
func (s *Session) StartMonitoring(interval time.Duration) {
	s.poller.Start(interval)
}

// StopMonitoring останавливает опрос; без опроса ничего не делает
func (s *Session) StopMonitoring() {
	s.poller.Stop()
}

// ReadDTCs читает активные (03) и ожидающие (07) коды. Кэширования нет.
func (s *Session) ReadDTCs(ctx context.Context) (common.DTCResult, error) {
	if !s.IsReady() {
		result := s.sim.DTCs()
		s.bus.Publish(events.Event{Kind: events.KindDTC, DTCs: &result})
		return result, nil
	}

	active, err := s.readCodes(ctx, "03")
	if err != nil {
		return common.DTCResult{}, err
	}

	pending, err := s.readCodes(ctx, "07")
	if err != nil {
		if !errors.Is(err, common.ErrParse) && !common.IsTimeout(err) {
			return common.DTCResult{}, err
		}
		s.logger.Warn("Pending codes unavailable", zap.Error(err))
		pending = nil
	}

	seen := make(map[string]bool)
	records := make([]common.DTCRecord, 0, len(active)+len(pending))
	for _, code := range append(active, pending...) {
		if seen[code.Code] {
			continue
		}
		seen[code.Code] = true
		records = append(records, s.kb.Resolve(code.Code, code.Status))
	}

	result := common.DTCResult{Source: common.SourceReal, Codes: records, ReadAt: time.Now()}
	s.logger.Info("DTCs read", zap.Int("count", len(records)))
	s.bus.Publish(events.Event{Kind: events.KindDTC, DTCs: &result})
	return result, nil
}

func (s *Session) readCodes(ctx context.Context, cmd string) ([]obd.DecodedDTC, error) {
	resp, err := s.execute(ctx, cmd, 0)
	if err != nil {
		return nil, err
	}
	if obd.IsErrorReply(resp.Bytes) {
		return nil, fmt.Errorf("%w: %s rejected: %q", common.ErrParse, cmd, strings.TrimSpace(resp.String()))
	}
	return obd.ParseDTCList(resp.Bytes)
}

// ClearDTCs сбрасывает коды. Требует живого адаптера.
func (s *Session) ClearDTCs(ctx context.Context) (bool, error) {
	if !s.IsReady() {
		return false, common.ErrNotConnected
	}

	resp, err := s.execute(ctx, "04", 0)
	if err != nil {
		return false, err
	}

	ok := obd.ParseClearAck(resp.Bytes)
	s.logger.Info("DTC clear requested", zap.Bool("acknowledged", ok))
	return ok, nil
}

// ReadLiveData читает настроенные PID по одному. Неподдерживаемые PID и ошибки
// разбора оставляют поле пустым.
func (s *Session) ReadLiveData(ctx context.Context) (common.LiveTelemetrySample, error) {
	if !s.IsReady() {
		return s.sim.LiveData(), nil
	}

	sample := common.LiveTelemetrySample{Source: common.SourceReal}
	attempted, timeouts := 0, 0
	var lastErr error

	for _, cmd := range s.config.LivePIDs {
		pid, err := obd.NormalizePID(cmd)
		if err != nil {
			s.logger.Warn("Invalid live PID", zap.String("pid", cmd))
			continue
		}
		if !obd.HasSampleField(pid) || !s.isSupported(pid) {
			continue
		}

		attempted++
		resp, err := s.execute(ctx, "01"+pid, 0)
		if err != nil {
			if !common.IsTimeout(err) || ctx.Err() != nil {
				return common.LiveTelemetrySample{}, err
			}
			timeouts++
			lastErr = err
			continue
		}

		value, err := obd.ParsePID(pid, resp.Bytes)
		if err != nil {
			s.logger.Debug("PID unavailable", zap.String("pid", pid), zap.Error(err))
			continue
		}
		obd.SetSampleValue(&sample, pid, value)
	}

	if attempted > 0 && timeouts == attempted {
		return common.LiveTelemetrySample{}, lastErr
	}
	sample.Timestamp = time.Now()
	return sample, nil
}

// ReadVIN читает VIN (0902)
func (s *Session) ReadVIN(ctx context.Context) (common.VINResult, error) {
	if !s.IsReady() {
		return s.sim.VIN(), nil
	}

	resp, err := s.execute(ctx, "0902", s.config.VINTimeout)
	if err != nil {
		return common.VINResult{}, err
	}
	vin, err := obd.ParseVIN(resp.Bytes)
	if err != nil {
		return common.VINResult{}, err
	}
	return common.VINResult{VIN: vin, Source: common.SourceReal}, nil
}

// AdapterInfo читает версию (ATI), напряжение (ATRV) и протокол (ATDPN)
func (s *Session) AdapterInfo(ctx context.Context) (common.AdapterInfo, error) {
	if !s.IsReady() {
		return s.sim.AdapterInfo(), nil
	}

	info := common.AdapterInfo{Source: common.SourceReal, Protocol: "Unknown"}

	resp, err := s.execute(ctx, "ATI", 0)
	switch {
	case err == nil:
		info.Version = obd.ParseVersion(resp.Bytes)
	case !common.IsTimeout(err):
		return common.AdapterInfo{}, err
	}
	if info.Version == "" {
		s.mu.RLock()
		info.Version = s.banner
		s.mu.RUnlock()
	}

	resp, err = s.execute(ctx, "ATRV", 0)
	switch {
	case err == nil:
		if v, perr := obd.ParseVoltage(resp.Bytes); perr == nil {
			info.Voltage = common.Float(v)
		}
	case !common.IsTimeout(err):
		return common.AdapterInfo{}, err
	}

	resp, err = s.execute(ctx, "ATDPN", 0)
	switch {
	case err == nil:
		info.Protocol = obd.ProtocolName(resp.Bytes)
	case !common.IsTimeout(err):
		return common.AdapterInfo{}, err
	}

	return info, nil
}

// TestConnection проверяет связь с адаптером командой ATI
func (s *Session) TestConnection(ctx context.Context) (bool, error) {
	if !s.IsReady() {
		return false, nil
	}
	resp, err := s.execute(ctx, "ATI", 0)
	if err != nil {
		if common.IsTimeout(err) {
			return false, nil
		}
		return false, err
	}
	return len(obd.Lines(resp.Bytes)) > 0, nil
}

// SendRaw передаёт произвольную AT/OBD команду и возвращает ответ как есть
func (s *Session) SendRaw(ctx context.Context, command string) (string, error) {
	if !s.IsReady() {
		return "", common.ErrNotConnected
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	resp, err := s.execute(ctx, command, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.String()), nil
}

// execute выполняет команду; потеря канала переводит сессию из Ready в Error
func (s *Session) execute(ctx context.Context, cmd string, timeout time.Duration) (common.RawResponse, error) {
	resp, err := s.engine.Execute(ctx, cmd, timeout)
	if err != nil && (errors.Is(err, common.ErrNotConnected) || errors.Is(err, common.ErrWriteFailed)) {
		s.mu.Lock()
		s.lastErr = err.Error()
		ok := s.advanceLocked(common.StateReady, common.StateError)
		ev := s.eventLocked()
		s.mu.Unlock()
		if ok {
			s.logger.Error("Adapter link lost", zap.Error(err))
			s.publishConnection(ev)
		}
	}
	return resp, err
}

func (s *Session) advance(from, to common.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(from, to)
}

// advanceLocked переходит from → to, только если текущее состояние равно from
// и переход допустим (вызывается под s.mu)
func (s *Session) advanceLocked(from, to common.SessionState) bool {
	if s.state != from {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			s.setStateLocked(to)
			return true
		}
	}
	s.logger.Warn("Invalid state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return false
}

func (s *Session) setStateLocked(to common.SessionState) {
	s.logger.Debug("State transition", zap.String("from", string(s.state)), zap.String("to", string(to)))
	s.state = to
}

func (s *Session) eventLocked() common.ConnectionEvent {
	return common.ConnectionEvent{
		State:     s.state,
		Connected: s.state == common.StateReady,
		Device:    s.device,
		Error:     s.lastErr,
	}
}

func (s *Session) publishConnection(ev common.ConnectionEvent) {
	if !terminal(ev.State) {
		return
	}
	s.bus.Publish(events.Event{Kind: events.KindConnection, Connection: &ev})
}
