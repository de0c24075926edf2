package model

import "strings"

// indexAliases maps upstream feed codes to the canonical display codes used
// throughout the service. Some providers report European and Korean indices
// under their own symbols.
var indexAliases = map[string]string{
	"KS11":      "HS11",
	"FTSE":      "UKX",
	"GDAXI":     "DAX",
	"CSX5P":     "ESTOXX50E",
	"ESTOXX50E": "ESTOXX50E",
}

// NormalizeIndexCode upper-cases code and resolves provider aliases.
func NormalizeIndexCode(code string) string {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if canonical, ok := indexAliases[upper]; ok {
		return canonical
	}
	return upper
}
