package dtc

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"elm327-diag/common"
)

// file описывает формат дополнительной базы кодов:
//
//	codes:
//	  P0016:
//	    description: Crankshaft/camshaft position correlation
//	    severity: high
//	    category: Engine
//	    causes: [...]
//	    solutions: [...]
type file struct {
	Codes map[string]Entry `yaml:"codes"`
}

// LoadFile дополняет базу записями из YAML файла. Существующие коды заменяются.
func (b *Base) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read DTC database %s: %w", path, err)
	}
	return b.Load(data)
}

// Load дополняет базу записями из YAML документа
func (b *Base) Load(data []byte) (int, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("failed to parse DTC database: %w", err)
	}

	for code, entry := range f.Codes {
		code = normalize(code)
		if !validCode(code) {
			return 0, fmt.Errorf("invalid DTC code %q in database", code)
		}
		switch entry.Severity {
		case common.SeverityLow, common.SeverityMedium, common.SeverityHigh:
		case "":
			entry.Severity = common.SeverityMedium
		default:
			return 0, fmt.Errorf("invalid severity %q for %s", entry.Severity, code)
		}
		b.Add(code, entry)
	}

	b.logger.Info("DTC database loaded", zap.Int("entries", len(f.Codes)), zap.Int("total", b.Len()))
	return len(f.Codes), nil
}

func validCode(code string) bool {
	if len(code) != 5 || !strings.ContainsRune("PCBU", rune(code[0])) {
		return false
	}
	if code[1] < '0' || code[1] > '3' {
		return false
	}
	for _, c := range code[2:] {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}
