package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the status glyphs, switchable between Unicode and ASCII.
type SymbolSet struct {
	Success string
	Error   string
	Warning string
	Info    string
	ArrowR  string
	Bullet  string
}

var unicodeSymbols = SymbolSet{
	Success: "✓", // ✓
	Error:   "✗", // ✗
	Warning: "⚠", // ⚠
	Info:    "●", // ●
	ArrowR:  "→", // →
	Bullet:  "•", // •
}

var asciiSymbols = SymbolSet{
	Success: "[OK]",
	Error:   "[ERR]",
	Warning: "[!]",
	Info:    "[i]",
	ArrowR:  "->",
	Bullet:  "*",
}

// DetectUnicodeSupport checks whether the terminal likely supports Unicode.
// AGENTBRIDGE_ASCII_SYMBOLS=1 forces ASCII; otherwise the locale decides,
// defaulting to Unicode.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("AGENTBRIDGE_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols sets the Symbol* variables for the current terminal. It runs
// from init() and may be called again in tests.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}
	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolInfo = set.Info
	SymbolArrowR = set.ArrowR
	SymbolBullet = set.Bullet
}

func init() {
	InitSymbols()
}
