package normalize

import (
	"strings"

	"golang.org/x/text/language"
)

// languageAliases maps lowercased English and native language names to
// ISO 639-1 codes.
var languageAliases = map[string]string{
	"english":    "en",
	"dutch":      "nl",
	"nederlands": "nl",
	"flemish":    "nl",
	"vlaams":     "nl",
	"german":     "de",
	"deutsch":    "de",
	"french":     "fr",
	"français":   "fr",
	"francais":   "fr",
	"spanish":    "es",
	"español":    "es",
	"espanol":    "es",
	"castellano": "es",
	"italian":    "it",
	"italiano":   "it",
	"portuguese": "pt",
	"português":  "pt",
	"portugues":  "pt",
	"swedish":    "sv",
	"svenska":    "sv",
	"norwegian":  "no",
	"norsk":      "no",
	"danish":     "da",
	"dansk":      "da",
	"finnish":    "fi",
	"suomi":      "fi",
	"polish":     "pl",
	"polski":     "pl",
	"czech":      "cs",
	"čeština":    "cs",
	"cestina":    "cs",
	"greek":      "el",
	"turkish":    "tr",
	"türkçe":     "tr",
	"turkce":     "tr",
	"russian":    "ru",
	"japanese":   "ja",
	"chinese":    "zh",
	"mandarin":   "zh",
	"korean":     "ko",
	"arabic":     "ar",
	"hindi":      "hi",
}

// Language normalizes a raw language value to an ISO 639-1 code.
// Resolution order: direct 2-letter code, alias table. Returns "" when the
// value cannot be resolved.
func Language(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}

	if len(v) == 2 {
		if base, err := language.ParseBase(strings.ToLower(v)); err == nil {
			return base.String()
		}
	}

	if code, ok := languageAliases[strings.ToLower(v)]; ok {
		return code
	}
	return ""
}
