package obd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"elm327-diag/common"
)

// Telemetry представляет декодированные данные телеметрии (используем общий тип)
type Telemetry = common.Telemetry

// ErrNoData возвращается, когда адаптер ответил "NO DATA"
var ErrNoData = fmt.Errorf("%w: NO DATA", common.ErrParse)

// PIDDecoder представляет функцию для декодирования конкретного PID
type PIDDecoder func(data []byte) (float64, error)

// pidDecoders содержит декодеры для различных PID
var pidDecoders = map[string]PIDDecoder{
	// Двигатель и производительность
	"0C": decodeRPM,          // Обороты двигателя (Engine RPM)
	"0D": decodeVehicleSpeed, // Скорость автомобиля (Vehicle Speed)
	"05": decodeCoolantTemp,  // Температура охлаждающей жидкости (Engine Coolant Temperature)
	"0F": decodeIntakeTemp,   // Температура всасываемого воздуха (Intake Air Temperature)
	"11": decodeThrottlePos,  // Положение дроссельной заслонки (Throttle Position)
	"04": decodeEngineLoad,   // Нагрузка двигателя (Calculated Engine Load)
	"10": decodeMAF,          // Массовый расход воздуха (MAF Air Flow Rate)

	// Топливо и эффективность
	"2F": decodeFuelLevel,          // Уровень топлива (Fuel Level Input)
	"0A": decodeFuelPressure,       // Давление топлива (Fuel Pressure)
	"06": decodeShortTermFuelTrim1, // Короткий срок корректировки топлива Bank 1
	"07": decodeLongTermFuelTrim1,  // Длинный срок корректировки топлива Bank 1

	// Давление и температура
	"0B": decodeIntakePressure,     // Давление во впускном коллекторе (Intake Manifold Pressure)
	"33": decodeBarometricPressure, // Барометрическое давление (Barometric Pressure)

	// Диагностика
	"01": decodeMonitorStatus,   // Статус мониторинга DTC
	"21": decodeDistanceWithMIL, // Расстояние с включенным MIL
}

// metricNames содержит человеко-читаемые названия метрик
var metricNames = map[string]string{
	"0C": "engine_rpm",
	"0D": "vehicle_speed",
	"05": "coolant_temperature",
	"0F": "intake_air_temperature",
	"11": "throttle_position",
	"04": "engine_load",
	"10": "maf_air_flow",
	"2F": "fuel_level",
	"0A": "fuel_pressure",
	"06": "short_term_fuel_trim_1",
	"07": "long_term_fuel_trim_1",
	"0B": "intake_manifold_pressure",
	"33": "barometric_pressure",
	"01": "monitor_status",
	"21": "distance_with_mil",
}

// metricUnits содержит единицы измерения
var metricUnits = map[string]string{
	"0C": "rpm",
	"0D": "km/h",
	"05": "°C",
	"0F": "°C",
	"11": "%",
	"04": "%",
	"10": "g/s",
	"2F": "%",
	"0A": "kPa",
	"06": "%",
	"07": "%",
	"0B": "kPa",
	"33": "kPa",
	"01": "status",
	"21": "km",
}

// Декодеры для конкретных PID

// decodeRPM декодирует обороты двигателя (PID 0C)
// Формула: ((A * 256) + B) / 4
func decodeRPM(data []byte) (float64, error) {
	if err := expectLen("0C", data, 2); err != nil {
		return 0, err
	}
	A := float64(data[0])
	B := float64(data[1])
	return ((A * 256) + B) / 4, nil
}

// decodeVehicleSpeed декодирует скорость автомобиля (PID 0D)
// Формула: A
func decodeVehicleSpeed(data []byte) (float64, error) {
	if err := expectLen("0D", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeCoolantTemp декодирует температуру охлаждающей жидкости (PID 05)
// Формула: A - 40
func decodeCoolantTemp(data []byte) (float64, error) {
	if err := expectLen("05", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

// decodeIntakeTemp декодирует температуру всасываемого воздуха (PID 0F)
// Формула: A - 40
func decodeIntakeTemp(data []byte) (float64, error) {
	if err := expectLen("0F", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

// decodeThrottlePos декодирует положение дроссельной заслонки (PID 11)
// Формула: (A * 100) / 255
func decodeThrottlePos(data []byte) (float64, error) {
	if err := expectLen("11", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeEngineLoad декодирует нагрузку двигателя (PID 04)
// Формула: (A * 100) / 255
func decodeEngineLoad(data []byte) (float64, error) {
	if err := expectLen("04", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeMAF декодирует массовый расход воздуха (PID 10)
// Формула: ((A * 256) + B) / 100
func decodeMAF(data []byte) (float64, error) {
	if err := expectLen("10", data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 100, nil
}

// decodeFuelLevel декодирует уровень топлива (PID 2F)
// Формула: (A * 100) / 255
func decodeFuelLevel(data []byte) (float64, error) {
	if err := expectLen("2F", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeFuelPressure декодирует давление топлива (PID 0A)
// Формула: A * 3
func decodeFuelPressure(data []byte) (float64, error) {
	if err := expectLen("0A", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) * 3, nil
}

// decodeShortTermFuelTrim1 декодирует короткий срок корректировки топлива Bank 1 (PID 06)
// Формула: (A - 128) * 100 / 128
func decodeShortTermFuelTrim1(data []byte) (float64, error) {
	if err := expectLen("06", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) * 100 / 128, nil
}

// decodeLongTermFuelTrim1 декодирует длинный срок корректировки топлива Bank 1 (PID 07)
// Формула: (A - 128) * 100 / 128
func decodeLongTermFuelTrim1(data []byte) (float64, error) {
	if err := expectLen("07", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) * 100 / 128, nil
}

// decodeIntakePressure декодирует давление во впускном коллекторе (PID 0B)
// Формула: A
func decodeIntakePressure(data []byte) (float64, error) {
	if err := expectLen("0B", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeBarometricPressure декодирует барометрическое давление (PID 33)
// Формула: A
func decodeBarometricPressure(data []byte) (float64, error) {
	if err := expectLen("33", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeMonitorStatus декодирует статус мониторинга (PID 01)
// Это битовая карта, возвращаем как сырое значение
func decodeMonitorStatus(data []byte) (float64, error) {
	if err := expectLen("01", data, 4); err != nil {
		return 0, err
	}
	return float64(data[0])*256*256*256 + float64(data[1])*256*256 + float64(data[2])*256 + float64(data[3]), nil
}

// decodeDistanceWithMIL декодирует расстояние с включенным MIL (PID 21)
// Формула: (A * 256) + B
func decodeDistanceWithMIL(data []byte) (float64, error) {
	if err := expectLen("21", data, 2); err != nil {
		return 0, err
	}
	return float64(data[0])*256 + float64(data[1]), nil
}

func expectLen(pid string, data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("%w: PID %s: expected %d bytes, got %d", common.ErrParse, pid, n, len(data))
	}
	return nil
}

// ParseResponse разбирает ответ ELM327 сервиса 01 ("41 0C 1A F0" или "410C1AF0")
func ParseResponse(response string) (*Telemetry, error) {
	lines := Lines([]byte(response))
	if hasStatus(lines, "NO DATA") {
		return nil, ErrNoData
	}

	for _, line := range lines {
		data, _, ok := hexLine(line)
		if !ok || len(data) < 2 || data[0] != 0x41 {
			continue
		}
		pid := fmt.Sprintf("%02X", data[1])

		decoder, exists := pidDecoders[pid]
		if !exists {
			return nil, fmt.Errorf("%w: unsupported PID: %s", common.ErrParse, pid)
		}

		value, err := decoder(data[2:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode PID %s: %w", pid, err)
		}

		return &Telemetry{
			PID:       pid,
			Metric:    GetMetricName(pid),
			Value:     value,
			Unit:      GetMetricUnit(pid),
			Timestamp: getCurrentTimestamp(),
			Raw:       strings.TrimSpace(response),
		}, nil
	}

	return nil, fmt.Errorf("%w: invalid response format: %q", common.ErrParse, strings.TrimSpace(response))
}

// ParsePID декодирует ответ на запрос конкретного PID.
// pid принимается как "010C" или "0C"; ответ от другого PID считается ошибкой разбора.
func ParsePID(pid string, raw []byte) (float64, error) {
	want, err := NormalizePID(pid)
	if err != nil {
		return 0, err
	}

	telemetry, err := ParseResponse(string(raw))
	if err != nil {
		return 0, err
	}
	if telemetry.PID != want {
		return 0, fmt.Errorf("%w: expected PID %s, got %s", common.ErrParse, want, telemetry.PID)
	}
	return telemetry.Value, nil
}

// NormalizePID приводит "010C", "0c" и "0C" к виду "0C"
func NormalizePID(pid string) (string, error) {
	pid = strings.ToUpper(strings.TrimSpace(pid))
	if len(pid) == 4 && strings.HasPrefix(pid, "01") {
		pid = pid[2:]
	}
	if len(pid) != 2 {
		return "", fmt.Errorf("%w: invalid PID %q", common.ErrParse, pid)
	}
	if _, err := strconv.ParseUint(pid, 16, 8); err != nil {
		return "", fmt.Errorf("%w: invalid PID %q", common.ErrParse, pid)
	}
	return pid, nil
}

// Lines разбивает сырой ответ адаптера на значимые строки:
// без '>', пустых строк и служебных "SEARCHING..." / "BUS INIT".
func Lines(raw []byte) []string {
	s := strings.ReplaceAll(string(raw), ">", "")
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' })

	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "SEARCHING") || strings.HasPrefix(upper, "BUS INIT") {
			continue
		}
		lines = append(lines, part)
	}
	return lines
}

// hexLine декодирует строку hex-байтов. framed=true, если строка несёт
// префикс кадра ISO-TP ("0:", "1:", ...); frame тогда содержит его номер.
func hexLine(line string) (data []byte, frame int, ok bool) {
	frame = -1
	if i := strings.IndexByte(line, ':'); i > 0 && i <= 2 {
		n, err := strconv.ParseUint(strings.TrimSpace(line[:i]), 16, 8)
		if err != nil {
			return nil, -1, false
		}
		frame = int(n)
		line = line[i+1:]
	}

	compact := strings.ReplaceAll(line, " ", "")
	if compact == "" || len(compact)%2 != 0 {
		return nil, frame, false
	}
	data, err := hex.DecodeString(compact)
	if err != nil {
		return nil, frame, false
	}
	return data, frame, true
}

// byteCountHeader распознаёт строку длины многокадрового ответа CAN ("014", "00A")
func byteCountHeader(line string) (int, bool) {
	if len(line) == 0 || len(line) > 3 || strings.ContainsAny(line, ": ") {
		return 0, false
	}
	n, err := strconv.ParseUint(line, 16, 16)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func hasStatus(lines []string, status string) bool {
	for _, line := range lines {
		if strings.EqualFold(strings.ReplaceAll(line, " ", ""), strings.ReplaceAll(status, " ", "")) {
			return true
		}
	}
	return false
}

// IsErrorReply сообщает, что адаптер отверг команду ("?", "ERROR", "UNABLE TO CONNECT", ...)
func IsErrorReply(raw []byte) bool {
	for _, line := range Lines(raw) {
		upper := strings.ToUpper(line)
		switch {
		case upper == "?":
			return true
		case strings.Contains(upper, "ERROR"):
			return true
		case strings.Contains(upper, "UNABLE TO CONNECT"):
			return true
		}
	}
	return false
}

// getCurrentTimestamp возвращает текущий Unix timestamp
func getCurrentTimestamp() int64 {
	return time.Now().Unix()
}

// GetSupportedPIDs возвращает список поддерживаемых PID
func GetSupportedPIDs() []string {
	pids := make([]string, 0, len(pidDecoders))
	for pid := range pidDecoders {
		pids = append(pids, pid)
	}
	return pids
}

// GetMetricName возвращает название метрики для PID
func GetMetricName(pid string) string {
	if name, exists := metricNames[pid]; exists {
		return name
	}
	return "unknown_" + pid
}

// GetMetricUnit возвращает единицу измерения для PID
func GetMetricUnit(pid string) string {
	if unit, exists := metricUnits[pid]; exists {
		return unit
	}
	return "unknown"
}
