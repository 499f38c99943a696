package obd

import (
	"fmt"
	"strconv"
	"strings"

	"elm327-diag/common"
)

// DecodedDTC представляет код неисправности, извлечённый из ответа сервиса 03/07
type DecodedDTC struct {
	Code   string
	Status common.DTCStatus
}

const dtcLetters = "PCBU"

// DecodeDTC переводит пару байтов в код вида "P0171".
// Биты 7-6 первого байта выбирают букву, остальные 14 бит дают четыре цифры.
// Пара 00 00 является заполнителем и возвращает пустую строку.
func DecodeDTC(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}
	letter := dtcLetters[a>>6]
	return fmt.Sprintf("%c%01X%01X%02X", letter, (a>>4)&0x03, a&0x0F, b)
}

// EncodeDTC выполняет обратное преобразование кода в два байта
func EncodeDTC(code string) ([2]byte, error) {
	var out [2]byte
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 5 {
		return out, fmt.Errorf("%w: invalid DTC %q", common.ErrParse, code)
	}
	letter := strings.IndexByte(dtcLetters, code[0])
	if letter < 0 {
		return out, fmt.Errorf("%w: invalid DTC letter in %q", common.ErrParse, code)
	}
	first, err := strconv.ParseUint(code[1:2], 16, 8)
	if err != nil || first > 3 {
		return out, fmt.Errorf("%w: invalid DTC %q", common.ErrParse, code)
	}
	rest, err := strconv.ParseUint(code[2:], 16, 16)
	if err != nil {
		return out, fmt.Errorf("%w: invalid DTC %q", common.ErrParse, code)
	}
	out[0] = byte(letter)<<6 | byte(first)<<4 | byte(rest>>8)
	out[1] = byte(rest)
	return out, nil
}

// ParseDTCList разбирает ответ сервиса 03 (активные) или 07 (ожидающие).
// Поддерживаются однострочные ответы, многокадровые ответы CAN с префиксами "n:"
// и строкой длины, а также несколько ЭБУ в одном ответе.
func ParseDTCList(raw []byte) ([]DecodedDTC, error) {
	lines := Lines(raw)
	if hasStatus(lines, "NO DATA") {
		return []DecodedDTC{}, nil
	}

	messages := collectMessages(lines, func(data []byte) bool {
		return data[0] == 0x43 || data[0] == 0x47
	})
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no DTC response in %q", common.ErrParse, strings.TrimSpace(string(raw)))
	}

	codes := []DecodedDTC{}
	seen := make(map[string]bool)
	for _, msg := range messages {
		status := common.DTCActive
		if msg[0] == 0x47 {
			status = common.DTCPending
		}

		payload := msg[1:]
		// CAN добавляет байт количества кодов, из-за него длина нечётная
		if len(payload)%2 == 1 {
			payload = payload[1:]
		}

		for i := 0; i+1 < len(payload); i += 2 {
			code := DecodeDTC(payload[i], payload[i+1])
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, DecodedDTC{Code: code, Status: status})
		}
	}
	return codes, nil
}

// ParseClearAck сообщает, подтвердил ли адаптер сброс кодов (ответ "44")
func ParseClearAck(raw []byte) bool {
	for _, line := range Lines(raw) {
		if strings.EqualFold(line, "OK") {
			return true
		}
		data, _, ok := hexLine(line)
		if ok && len(data) > 0 && data[0] == 0x44 {
			return true
		}
	}
	return false
}

// collectMessages склеивает кадры в сообщения. Новое сообщение начинается с кадра 0:
// или, без префиксов, со строки, первый байт которой принимает isStart.
func collectMessages(lines []string, isStart func(data []byte) bool) [][]byte {
	var (
		messages [][]byte
		current  []byte
		expect   = -1
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		if expect > 0 && len(current) > expect {
			current = current[:expect]
		}
		messages = append(messages, current)
		current = nil
	}

	for _, line := range lines {
		if n, ok := byteCountHeader(line); ok && !isHexPair(line) {
			flush()
			expect = n
			continue
		}

		data, frame, ok := hexLine(line)
		if !ok || len(data) == 0 {
			continue
		}

		switch {
		case frame == 0:
			flush()
			current = append([]byte(nil), data...)
		case frame > 0:
			if current != nil {
				current = append(current, data...)
			}
		case isStart(data):
			flush()
			expect = -1
			current = append([]byte(nil), data...)
		case current != nil:
			current = append(current, data...)
		}
	}
	flush()
	return messages
}

// isHexPair отличает однобайтовую строку данных ("43") от строки длины ("00A")
func isHexPair(line string) bool {
	return len(line) == 2
}
