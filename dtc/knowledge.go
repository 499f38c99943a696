package dtc

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"elm327-diag/common"
)

// Entry описывает код неисправности в базе знаний
type Entry struct {
	Description string          `yaml:"description"`
	Severity    common.Severity `yaml:"severity"`
	Category    string          `yaml:"category"`
	Causes      []string        `yaml:"causes"`
	Solutions   []string        `yaml:"solutions"`
}

// Unrecognized подставляется вместо записи для неизвестного кода
var Unrecognized = Entry{
	Description: "Unrecognized code, consult a specialist",
	Severity:    common.SeverityMedium,
	Category:    "Unknown",
	Causes:      []string{"Code is not present in the knowledge base"},
	Solutions:   []string{"Have the vehicle inspected by a qualified technician"},
}

// Base представляет базу знаний кодов неисправностей.
// Поиск по коду не зависит от регистра.
type Base struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *zap.Logger
}

// New создаёт базу знаний со встроенной таблицей кодов
func New(logger *zap.Logger) *Base {
	b := &Base{
		entries: make(map[string]Entry, len(builtin)),
		logger:  logger.Named("dtc"),
	}
	for code, entry := range builtin {
		b.entries[code] = entry
	}
	return b
}

// Lookup ищет код в базе. Отсутствие кода не является ошибкой.
func (b *Base) Lookup(code string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[normalize(code)]
	return entry, ok
}

// Resolve объединяет код со статусом и описанием из базы знаний
func (b *Base) Resolve(code string, status common.DTCStatus) common.DTCRecord {
	code = normalize(code)
	entry, ok := b.Lookup(code)
	if !ok {
		b.logger.Debug("unknown DTC", zap.String("code", code))
		entry = Unrecognized
	}

	return common.DTCRecord{
		Code:        code,
		Status:      status,
		Description: entry.Description,
		Severity:    entry.Severity,
		Category:    entry.Category,
		Causes:      append([]string(nil), entry.Causes...),
		Solutions:   append([]string(nil), entry.Solutions...),
	}
}

// Add добавляет или заменяет запись
func (b *Base) Add(code string, entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[normalize(code)] = entry
}

// Len возвращает количество записей в базе
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var builtin = map[string]Entry{
	"P0171": {
		Description: "System too lean (Bank 1)",
		Severity:    common.SeverityMedium,
		Category:    "Fuel/Air",
		Causes: []string{
			"Dirty or clogged air filter",
			"Faulty MAF sensor",
			"Intake vacuum leak",
			"Weak fuel pump",
			"Clogged injectors",
		},
		Solutions: []string{
			"Inspect and replace the air filter",
			"Test the MAF sensor",
			"Check the intake system for leaks",
			"Check fuel pump pressure",
			"Clean or replace injectors",
		},
	},
	"P0300": {
		Description: "Random/multiple cylinder misfire detected",
		Severity:    common.SeverityHigh,
		Category:    "Ignition",
		Causes: []string{
			"Worn spark plugs",
			"Faulty ignition coils",
			"Vacuum leak",
			"Low fuel pressure",
		},
		Solutions: []string{
			"Replace spark plugs",
			"Test ignition coils",
			"Check for vacuum leaks",
			"Check fuel pressure",
		},
	},
	"P0301": misfire("1"),
	"P0302": misfire("2"),
	"P0303": misfire("3"),
	"P0304": misfire("4"),
	"P0420": {
		Description: "Catalyst system efficiency below threshold (Bank 1)",
		Severity:    common.SeverityMedium,
		Category:    "Emissions",
		Causes: []string{
			"Damaged catalytic converter",
			"Faulty oxygen sensor",
			"Exhaust leak",
			"Poor fuel quality",
		},
		Solutions: []string{
			"Replace the catalytic converter",
			"Check oxygen sensors",
			"Inspect the exhaust system",
			"Use good quality fuel",
		},
	},
	"P0128": {
		Description: "Coolant thermostat below regulating temperature",
		Severity:    common.SeverityLow,
		Category:    "Cooling",
		Causes: []string{
			"Thermostat stuck open",
			"Faulty coolant temperature sensor",
			"Low coolant level",
		},
		Solutions: []string{
			"Replace the thermostat",
			"Test the coolant temperature sensor",
			"Top up coolant",
		},
	},
	"P0442": {
		Description: "Evaporative emission system leak detected (small leak)",
		Severity:    common.SeverityLow,
		Category:    "Emissions",
		Causes: []string{
			"Loose or damaged fuel cap",
			"Cracked EVAP hose",
			"Faulty purge valve",
		},
		Solutions: []string{
			"Tighten or replace the fuel cap",
			"Smoke test the EVAP system",
			"Replace the purge valve",
		},
	},
	"P0455": {
		Description: "Evaporative emission system leak detected (large leak)",
		Severity:    common.SeverityMedium,
		Category:    "Emissions",
		Causes: []string{
			"Missing fuel cap",
			"Disconnected EVAP hose",
			"Faulty vent valve",
		},
		Solutions: []string{
			"Install or replace the fuel cap",
			"Reconnect or replace EVAP hoses",
			"Replace the vent valve",
		},
	},
	"P0113": {
		Description: "Intake air temperature sensor circuit high",
		Severity:    common.SeverityLow,
		Category:    "Sensors",
		Causes: []string{
			"Disconnected IAT sensor",
			"Open circuit in sensor wiring",
			"Faulty IAT sensor",
		},
		Solutions: []string{
			"Check the IAT connector",
			"Repair sensor wiring",
			"Replace the IAT sensor",
		},
	},
	"P0500": {
		Description: "Vehicle speed sensor malfunction",
		Severity:    common.SeverityMedium,
		Category:    "Sensors",
		Causes: []string{
			"Faulty vehicle speed sensor",
			"Damaged sensor wiring",
			"Faulty instrument cluster",
		},
		Solutions: []string{
			"Test the speed sensor",
			"Repair wiring",
			"Diagnose the instrument cluster",
		},
	},
	"P0700": {
		Description: "Transmission control system malfunction",
		Severity:    common.SeverityHigh,
		Category:    "Transmission",
		Causes: []string{
			"Fault stored in the transmission control module",
			"Low or degraded transmission fluid",
			"Faulty shift solenoid",
		},
		Solutions: []string{
			"Read codes from the transmission module",
			"Check transmission fluid",
			"Test shift solenoids",
		},
	},
	"U0100": {
		Description: "Lost communication with ECM/PCM",
		Severity:    common.SeverityHigh,
		Category:    "Network",
		Causes: []string{
			"Damaged CAN bus wiring",
			"Faulty ECM power or ground",
			"Failed ECM",
		},
		Solutions: []string{
			"Inspect CAN bus wiring and connectors",
			"Check ECM power and ground",
			"Test or replace the ECM",
		},
	},
	"C0035": {
		Description: "Left front wheel speed sensor circuit",
		Severity:    common.SeverityMedium,
		Category:    "Chassis",
		Causes: []string{
			"Faulty wheel speed sensor",
			"Damaged sensor wiring",
			"Dirty tone ring",
		},
		Solutions: []string{
			"Test the wheel speed sensor",
			"Repair wiring",
			"Clean or replace the tone ring",
		},
	},
	"B1000": {
		Description: "ECU internal malfunction",
		Severity:    common.SeverityMedium,
		Category:    "Body",
		Causes: []string{
			"Internal control module fault",
			"Low battery voltage",
		},
		Solutions: []string{
			"Check battery voltage",
			"Reprogram or replace the module",
		},
	},
}

func misfire(cylinder string) Entry {
	return Entry{
		Description: "Cylinder " + cylinder + " misfire detected",
		Severity:    common.SeverityHigh,
		Category:    "Ignition",
		Causes: []string{
			"Faulty spark plug",
			"Faulty ignition coil",
			"Damaged spark plug wire",
			"Low cylinder compression",
			"Clogged injector",
		},
		Solutions: []string{
			"Replace the spark plug",
			"Test and replace the ignition coil if needed",
			"Check spark plug wires",
			"Perform a compression test",
			"Clean the injectors",
		},
	}
}
