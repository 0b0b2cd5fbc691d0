package portal

import "fmt"

// Language selects the guest REPL runtime.
type Language string

const (
	LanguagePython Language = "python"
	LanguageNode   Language = "nodejs"
)

// ParseLanguage validates a REPL language. The set is closed; anything else
// is an error, not a fallback.
func ParseLanguage(raw string) (Language, error) {
	switch Language(raw) {
	case LanguagePython, LanguageNode:
		return Language(raw), nil
	default:
		return "", fmt.Errorf("unsupported repl language %q (expected python or nodejs)", raw)
	}
}

// DefaultImage returns the image booted for the language when the caller
// does not name one.
func (l Language) DefaultImage() string {
	switch l {
	case LanguageNode:
		return "portalbox/node"
	default:
		return "portalbox/python"
	}
}
