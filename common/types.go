package common

import "time"

// Source помечает происхождение данных: реальный адаптер или симуляция
type Source string

const (
	SourceReal      Source = "real"
	SourceSimulated Source = "simulated"
)

// SessionState представляет состояние сессии с адаптером
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateError        SessionState = "error"
)

// ConnectionStatus представляет снимок состояния сессии для слоя представления
type ConnectionStatus struct {
	State           SessionState  `json:"state"`
	Connected       bool          `json:"connected"`
	Device          string        `json:"device,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Monitoring      bool          `json:"monitoring"`
	MonitorInterval time.Duration `json:"monitor_interval,omitempty"`
}

// ConnectionEvent публикуется при каждом терминальном переходе сессии
type ConnectionEvent struct {
	State     SessionState `json:"state"`
	Connected bool         `json:"connected"`
	Device    string       `json:"device,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Command представляет одну команду адаптеру, она живёт ровно один цикл запрос/ответ
type Command struct {
	Text     string
	IssuedAt time.Time
	Timeout  time.Duration
}

// RawResponse представляет собранный ответ адаптера (без завершающего '>')
type RawResponse struct {
	Bytes      []byte
	ReceivedAt time.Time
}

func (r RawResponse) String() string {
	return string(r.Bytes)
}

// DTCStatus представляет статус кода неисправности
type DTCStatus string

const (
	DTCActive  DTCStatus = "active"
	DTCPending DTCStatus = "pending"
)

// Severity представляет серьёзность неисправности
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DTCRecord представляет код неисправности, объединённый с базой знаний
type DTCRecord struct {
	Code        string    `json:"code"`
	Status      DTCStatus `json:"status"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Category    string    `json:"category"`
	Causes      []string  `json:"causes"`
	Solutions   []string  `json:"solutions,omitempty"`
}

// DTCResult представляет результат чтения кодов неисправностей
type DTCResult struct {
	Source Source      `json:"source"`
	Codes  []DTCRecord `json:"codes"`
	ReadAt time.Time   `json:"read_at"`
}

// LiveTelemetrySample представляет снимок живых параметров.
// nil означает, что значение недоступно (PID не поддерживается или не разобран).
type LiveTelemetrySample struct {
	RPM               *float64  `json:"rpm"`
	SpeedKmh          *float64  `json:"speed_kmh"`
	CoolantTempC      *float64  `json:"coolant_temp_c"`
	FuelLevelPct      *float64  `json:"fuel_level_pct"`
	ThrottlePct       *float64  `json:"throttle_pct"`
	IntakeTempC       *float64  `json:"intake_temp_c"`
	IntakePressureKPa *float64  `json:"intake_pressure_kpa,omitempty"`
	MAFGramsSec       *float64  `json:"maf_g_s,omitempty"`
	EngineLoadPct     *float64  `json:"engine_load_pct,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Source            Source    `json:"source"`
}

// VINResult представляет идентификационный номер автомобиля
type VINResult struct {
	VIN    string `json:"vin"`
	Source Source `json:"source"`
}

// AdapterInfo представляет сведения об адаптере (версия, напряжение, протокол)
type AdapterInfo struct {
	Version  string   `json:"version"`
	Voltage  *float64 `json:"voltage,omitempty"`
	Protocol string   `json:"protocol"`
	Source   Source   `json:"source"`
}

// Telemetry представляет одну декодированную метрику
type Telemetry struct {
	PID       string  `json:"pid"`       // PID код (например, "0C")
	Metric    string  `json:"metric"`    // Название метрики (например, "engine_rpm")
	Value     float64 `json:"value"`     // Декодированное значение
	Unit      string  `json:"unit"`      // Единица измерения (например, "rpm")
	Timestamp int64   `json:"timestamp"` // Unix timestamp
	Raw       string  `json:"raw"`       // Сырые данные для отладки
}

// CommandMessage представляет входящую удалённую команду
type CommandMessage struct {
	Command       string `json:"command"`        // Операция ("read_dtcs", ...) или сырая AT/OBD команда
	CorrelationID string `json:"correlation_id"` // ID для сопоставления запроса и ответа
	Description   string `json:"description"`    // Описание команды
	VIN           string `json:"vin"`            // VIN автомобиля
	IntervalMs    int    `json:"interval_ms"`    // Интервал для start_monitoring
}

// CommandResponse представляет ответ на команду
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"`          // "success", "error"
	Result        interface{} `json:"result"`          // Результат выполнения команды
	Error         string      `json:"error,omitempty"` // Описание ошибки если статус "error"
	Timestamp     time.Time   `json:"timestamp"`
}

// Float возвращает указатель на значение; удобно для опциональных полей
func Float(v float64) *float64 {
	return &v
}
