package obd

import (
	"fmt"
	"strconv"
	"strings"

	"elm327-diag/common"
)

// protocols сопоставляет ответ ATDPN с названием протокола ("A" означает автоопределение)
var protocols = map[string]string{
	"0": "Automatic",
	"1": "SAE J1850 PWM (41.6 kbaud)",
	"2": "SAE J1850 VPW (10.4 kbaud)",
	"3": "ISO 9141-2 (5 baud init, 10.4 kbaud)",
	"4": "ISO 14230-4 KWP (5 baud init, 10.4 kbaud)",
	"5": "ISO 14230-4 KWP (fast init, 10.4 kbaud)",
	"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	"B": "USER1 CAN (11 bit ID, 125 kbaud)",
	"C": "USER2 CAN (11 bit ID, 50 kbaud)",
}

// ParseVoltage разбирает ответ ATRV ("12.4V")
func ParseVoltage(raw []byte) (float64, error) {
	for _, line := range Lines(raw) {
		s := strings.TrimSuffix(strings.ToUpper(line), "V")
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid voltage %q", common.ErrParse, strings.TrimSpace(string(raw)))
}

// ParseVersion возвращает строку версии из ответа ATI или баннера ATZ
func ParseVersion(raw []byte) string {
	lines := Lines(raw)
	for _, line := range lines {
		if strings.Contains(strings.ToUpper(line), "ELM") {
			return line
		}
	}
	for _, line := range lines {
		if !strings.HasPrefix(strings.ToUpper(line), "AT") {
			return line
		}
	}
	return ""
}

// ProtocolName переводит ответ ATDPN в название протокола
func ProtocolName(raw []byte) string {
	for _, line := range Lines(raw) {
		code := strings.ToUpper(line)
		auto := false
		if len(code) == 2 && code[0] == 'A' {
			auto = true
			code = code[1:]
		}
		name, ok := protocols[code]
		if !ok {
			continue
		}
		if auto {
			return "Auto, " + name
		}
		return name
	}
	return "Unknown"
}

// ParseSupportedPIDs разбирает битовую карту ответа 0100 (а также 0120, 0140, ...).
// Бит 7 первого байта соответствует PID base+01, младший бит последнего байта PID base+20.
func ParseSupportedPIDs(raw []byte) (map[string]bool, error) {
	lines := Lines(raw)
	if hasStatus(lines, "NO DATA") {
		return nil, ErrNoData
	}

	supported := make(map[string]bool)
	found := false
	for _, line := range lines {
		data, _, ok := hexLine(line)
		if !ok || len(data) < 6 || data[0] != 0x41 || data[1]%0x20 != 0 {
			continue
		}
		found = true
		base := int(data[1])
		for i := 0; i < 32; i++ {
			if data[2+i/8]&(0x80>>(i%8)) != 0 {
				supported[fmt.Sprintf("%02X", base+i+1)] = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: invalid supported PIDs response %q", common.ErrParse, strings.TrimSpace(string(raw)))
	}
	return supported, nil
}

// EncodeSupportedPIDs строит битовую карту для диапазона base+01..base+20
func EncodeSupportedPIDs(base byte, pids []string) []byte {
	bitmap := make([]byte, 4)
	for _, pid := range pids {
		n, err := strconv.ParseUint(pid, 16, 8)
		if err != nil || byte(n) <= base || int(n) > int(base)+32 {
			continue
		}
		i := int(n) - int(base) - 1
		bitmap[i/8] |= 0x80 >> (i % 8)
	}
	return bitmap
}
