package obd

import (
	"sort"

	"elm327-diag/common"
)

// sampleFields связывает PID сервиса 01 с полем снимка телеметрии
var sampleFields = map[string]func(*common.LiveTelemetrySample) **float64{
	"0C": func(s *common.LiveTelemetrySample) **float64 { return &s.RPM },
	"0D": func(s *common.LiveTelemetrySample) **float64 { return &s.SpeedKmh },
	"05": func(s *common.LiveTelemetrySample) **float64 { return &s.CoolantTempC },
	"2F": func(s *common.LiveTelemetrySample) **float64 { return &s.FuelLevelPct },
	"11": func(s *common.LiveTelemetrySample) **float64 { return &s.ThrottlePct },
	"0F": func(s *common.LiveTelemetrySample) **float64 { return &s.IntakeTempC },
	"0B": func(s *common.LiveTelemetrySample) **float64 { return &s.IntakePressureKPa },
	"10": func(s *common.LiveTelemetrySample) **float64 { return &s.MAFGramsSec },
	"04": func(s *common.LiveTelemetrySample) **float64 { return &s.EngineLoadPct },
}

// HasSampleField сообщает, есть ли у PID поле в снимке
func HasSampleField(pid string) bool {
	_, ok := sampleFields[pid]
	return ok
}

// SetSampleValue записывает значение PID в снимок
func SetSampleValue(s *common.LiveTelemetrySample, pid string, value float64) bool {
	field, ok := sampleFields[pid]
	if !ok {
		return false
	}
	*field(s) = common.Float(value)
	return true
}

// SampleValues возвращает доступные значения снимка по PID
func SampleValues(s common.LiveTelemetrySample) map[string]float64 {
	values := make(map[string]float64, len(sampleFields))
	for pid, field := range sampleFields {
		if v := *field(&s); v != nil {
			values[pid] = *v
		}
	}
	return values
}

// SamplePIDs возвращает отсортированный список PID, доступных в снимке
func SamplePIDs(s common.LiveTelemetrySample) []string {
	values := SampleValues(s)
	pids := make([]string, 0, len(values))
	for pid := range values {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}
