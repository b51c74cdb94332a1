package encoding

import (
	"strings"
	"unicode"
)

var placeholders = map[string]struct{}{
	"not available": {},
	"n/a":           {},
	"na":            {},
	"none":          {},
	"null":          {},
	"-":             {},
	"unknown":       {},
}

// Clean trims a raw value, strips bracket noise and maps placeholder values
// to the empty string so they count as missing.
func Clean(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "{}[]")
	value = strings.TrimSpace(strings.Trim(value, `"'`))
	if _, ok := placeholders[strings.ToLower(value)]; ok {
		return ""
	}
	return value
}

// canonical lowercases a cleaned categorical value.
func canonical(value string) string {
	return strings.ToLower(Clean(value))
}

var columnAliases = map[string]string{
	"accountname":     "account",
	"accountsid":      "account",
	"accountupn":      "account",
	"username":        "account",
	"user":            "account",
	"devicename":      "device",
	"deviceid":        "device",
	"hostname":        "device",
	"host":            "device",
	"ip":              "ipaddress",
	"sourceip":        "ipaddress",
	"srcip":           "ipaddress",
	"clientip":        "ipaddress",
	"country":         "countrycode",
	"title":           "alerttitle",
	"alertname":       "alerttitle",
	"role":            "evidencerole",
	"family":          "threatfamily",
	"malwarefamily":   "threatfamily",
	"detector":        "detectorid",
	"ruleid":          "detectorid",
	"entity":          "entitytype",
	"incidentid":      "id",
	"@timestamp":      "timestamp",
	"time":            "timestamp",
	"incidentgrade":   "grade",
	"mitretechniques": "technique",
}

// NormalizeColumn maps a source column name onto the canonical field name:
// lowercased, separators removed, known aliases resolved.
func NormalizeColumn(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := columnAliases[lowered]; ok {
		return alias
	}
	compact := strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, lowered)
	if alias, ok := columnAliases[compact]; ok {
		return alias
	}
	return compact
}

// tokens splits free text into lowercase alphanumeric tokens.
func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
