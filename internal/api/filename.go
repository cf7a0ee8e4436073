package api

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxFileNameRunes = 200

// cleanFileName turns a client-supplied upload name into something safe to
// show and log: directory parts and control characters are removed and
// unusual punctuation becomes '_'. Long names are cut from the stem so the
// extension survives.
func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if cleaned == "." || cleaned == ".." {
		return ""
	}

	runes := []rune(cleaned)
	if len(runes) > maxFileNameRunes {
		ext := []rune(filepath.Ext(cleaned))
		if len(ext) >= maxFileNameRunes {
			ext = nil
		}
		stem := runes[:maxFileNameRunes-len(ext)]
		cleaned = string(stem) + string(ext)
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}
