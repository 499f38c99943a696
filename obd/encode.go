package obd

import (
	"fmt"
	"math"

	"elm327-diag/common"
)

// PIDEncoder переводит физическое значение в байты данных PID
type PIDEncoder func(value float64) []byte

// pidEncoders содержит обратные формулы для декодеров из pidDecoders
var pidEncoders = map[string]PIDEncoder{
	"0C": func(v float64) []byte { return word(v * 4) },
	"0D": func(v float64) []byte { return single(v) },
	"05": func(v float64) []byte { return single(v + 40) },
	"0F": func(v float64) []byte { return single(v + 40) },
	"11": percent,
	"04": percent,
	"2F": percent,
	"10": func(v float64) []byte { return word(v * 100) },
	"0A": func(v float64) []byte { return single(v / 3) },
	"06": trim,
	"07": trim,
	"0B": func(v float64) []byte { return single(v) },
	"33": func(v float64) []byte { return single(v) },
	"21": func(v float64) []byte { return word(v) },
	"01": func(v float64) []byte {
		n := uint32(clamp(v, math.MaxUint32))
		return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	},
}

// EncodePID кодирует значение в байты данных ответа 41 <pid> ...
func EncodePID(pid string, value float64) ([]byte, error) {
	pid, err := NormalizePID(pid)
	if err != nil {
		return nil, err
	}
	encoder, ok := pidEncoders[pid]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported PID: %s", common.ErrParse, pid)
	}
	return encoder(value), nil
}

func single(v float64) []byte {
	return []byte{byte(clamp(v, 0xFF))}
}

func word(v float64) []byte {
	n := uint16(clamp(v, 0xFFFF))
	return []byte{byte(n >> 8), byte(n)}
}

func percent(v float64) []byte {
	return single(v * 255 / 100)
}

func trim(v float64) []byte {
	return single(v*128/100 + 128)
}

func clamp(v, limit float64) float64 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
