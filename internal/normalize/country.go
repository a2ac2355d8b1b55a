// Package normalize converts free-form CSV feed values into canonical
// codes and scores. Feeds come from many chat vendors and locales, so every
// normalizer accepts direct codes, native-language names, and common
// misspellings before giving up.
package normalize

import (
	"strings"

	"golang.org/x/text/language"
)

// countryAliases maps lowercased native names, misspellings, and informal
// names to ISO 3166-1 alpha-2 codes. Checked before the English ISO name
// table.
var countryAliases = map[string]string{
	"usa":                "US",
	"u.s.":               "US",
	"u.s.a.":             "US",
	"america":            "US",
	"united states":      "US",
	"uk":                 "GB",
	"u.k.":               "GB",
	"england":            "GB",
	"great britain":      "GB",
	"nederland":          "NL",
	"holland":            "NL",
	"the netherlands":    "NL",
	"netherland":         "NL",
	"deutschland":        "DE",
	"germeny":            "DE",
	"españa":             "ES",
	"espana":             "ES",
	"belgië":             "BE",
	"belgie":             "BE",
	"belgique":           "BE",
	"österreich":         "AT",
	"osterreich":         "AT",
	"schweiz":            "CH",
	"suisse":             "CH",
	"sverige":            "SE",
	"norge":              "NO",
	"danmark":            "DK",
	"suomi":              "FI",
	"italia":             "IT",
	"brasil":             "BR",
	"méxico":             "MX",
	"polska":             "PL",
	"česko":              "CZ",
	"cesko":              "CZ",
	"czechia":            "CZ",
	"ellada":             "GR",
	"türkiye":            "TR",
	"turkiye":            "TR",
	"republic of ireland": "IE",
}

// countryNames maps lowercased English ISO short names to alpha-2 codes for
// the countries seen in production feeds.
var countryNames = map[string]string{
	"united states of america": "US",
	"united kingdom":           "GB",
	"netherlands":              "NL",
	"germany":                  "DE",
	"france":                   "FR",
	"belgium":                  "BE",
	"spain":                    "ES",
	"italy":                    "IT",
	"austria":                  "AT",
	"switzerland":              "CH",
	"sweden":                   "SE",
	"norway":                   "NO",
	"denmark":                  "DK",
	"finland":                  "FI",
	"ireland":                  "IE",
	"portugal":                 "PT",
	"poland":                   "PL",
	"czech republic":           "CZ",
	"greece":                   "GR",
	"turkey":                   "TR",
	"canada":                   "CA",
	"mexico":                   "MX",
	"brazil":                   "BR",
	"argentina":                "AR",
	"australia":                "AU",
	"new zealand":              "NZ",
	"japan":                    "JP",
	"china":                    "CN",
	"india":                    "IN",
	"south africa":             "ZA",
	"luxembourg":               "LU",
}

// Country normalizes a raw country value to an ISO 3166-1 alpha-2 code.
// Resolution order: direct 2-letter code, alias table, English ISO name.
// Returns "" when the value cannot be resolved.
func Country(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}

	if len(v) == 2 {
		if region, err := language.ParseRegion(v); err == nil && region.IsCountry() {
			return region.String()
		}
	}

	lower := strings.ToLower(v)
	if code, ok := countryAliases[lower]; ok {
		return code
	}
	if code, ok := countryNames[lower]; ok {
		return code
	}
	return ""
}
