package obd

import (
	"fmt"
	"strings"

	"elm327-diag/common"
)

const vinLength = 17

// ParseVIN извлекает VIN из ответа на запрос 0902.
// CAN: строка длины, затем кадры "0:", "1:", ... где первый кадр начинается с 49 02 01.
// Старые протоколы: несколько строк "49 02 nn xx xx xx xx" с порядковым номером nn.
func ParseVIN(raw []byte) (string, error) {
	lines := Lines(raw)
	if hasStatus(lines, "NO DATA") {
		return "", ErrNoData
	}

	var buf []byte
	for _, line := range lines {
		if _, ok := byteCountHeader(line); ok && !isHexPair(line) {
			continue
		}
		data, frame, ok := hexLine(line)
		if !ok {
			continue
		}
		if frame <= 0 && len(data) >= 2 && data[0] == 0x49 && data[1] == 0x02 {
			// 49 02 и номер сообщения/количество элементов
			data = data[2:]
			if len(data) > 0 {
				data = data[1:]
			}
		}
		buf = append(buf, data...)
	}

	var vin strings.Builder
	for _, b := range buf {
		if isVINChar(b) {
			vin.WriteByte(b)
		}
	}

	s := vin.String()
	if len(s) < vinLength {
		return "", fmt.Errorf("%w: VIN too short (%d chars)", common.ErrParse, len(s))
	}
	return s[len(s)-vinLength:], nil
}

func isVINChar(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z')
}
