package simulation

import (
	"math/rand"
	"sync"
	"time"

	"elm327-diag/common"
	"elm327-diag/dtc"
)

const (
	// DemoVIN задаёт VIN демонстрационного автомобиля
	DemoVIN = "DEMO123456789VIN0"
	// DemoVersion задаёт версию адаптера в демонстрационном режиме
	DemoVersion = "Demo Mode"
	// DemoProtocol задаёт протокол в демонстрационном режиме
	DemoProtocol = "Simulated"
	// DemoVoltage задаёт напряжение бортовой сети в демонстрационном режиме
	DemoVoltage = 12.4
)

// DemoCodes перечисляет активные коды демонстрационного автомобиля
var DemoCodes = []string{"P0171", "P0301"}

// Simulator генерирует структурно корректные данные без адаптера
type Simulator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	base *dtc.Base
}

// NewSimulator создаёт симулятор; коды разрешаются через базу знаний
func NewSimulator(base *dtc.Base) *Simulator {
	return NewSimulatorWithSeed(base, time.Now().UnixNano())
}

// NewSimulatorWithSeed создаёт симулятор с детерминированным генератором
func NewSimulatorWithSeed(base *dtc.Base, seed int64) *Simulator {
	return &Simulator{
		rng:  rand.New(rand.NewSource(seed)),
		base: base,
	}
}

// between возвращает значение в полуинтервале [base, base+span)
func (s *Simulator) between(base, span float64) *float64 {
	return common.Float(base + s.rng.Float64()*span)
}

// LiveData возвращает снимок телеметрии в правдоподобных границах
func (s *Simulator) LiveData() common.LiveTelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()

	return common.LiveTelemetrySample{
		RPM:               s.between(1850, 100),
		SpeedKmh:          s.between(65, 10),
		CoolantTempC:      s.between(89, 5),
		FuelLevelPct:      s.between(75, 5),
		ThrottlePct:       s.between(15, 10),
		IntakeTempC:       s.between(25, 5),
		IntakePressureKPa: s.between(35, 5),
		MAFGramsSec:       s.between(4, 2),
		EngineLoadPct:     s.between(25, 10),
		Timestamp:         time.Now(),
		Source:            common.SourceSimulated,
	}
}

// DTCs возвращает демонстрационный список кодов
func (s *Simulator) DTCs() common.DTCResult {
	codes := make([]common.DTCRecord, 0, len(DemoCodes))
	for _, code := range DemoCodes {
		codes = append(codes, s.base.Resolve(code, common.DTCActive))
	}
	return common.DTCResult{
		Source: common.SourceSimulated,
		Codes:  codes,
		ReadAt: time.Now(),
	}
}

// VIN возвращает демонстрационный VIN
func (s *Simulator) VIN() common.VINResult {
	return common.VINResult{VIN: DemoVIN, Source: common.SourceSimulated}
}

// AdapterInfo возвращает сведения о демонстрационном адаптере
func (s *Simulator) AdapterInfo() common.AdapterInfo {
	return common.AdapterInfo{
		Version:  DemoVersion,
		Voltage:  common.Float(DemoVoltage),
		Protocol: DemoProtocol,
		Source:   common.SourceSimulated,
	}
}
