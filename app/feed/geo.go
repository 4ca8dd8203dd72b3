package feed

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Province is an entry of the geographic lookup table.
type Province struct {
	Code string
	Name string
}

var (
	alberta       = Province{Code: "AB", Name: "Alberta"}
	britishCol    = Province{Code: "BC", Name: "British Columbia"}
	manitoba      = Province{Code: "MB", Name: "Manitoba"}
	newBrunswick  = Province{Code: "NB", Name: "New Brunswick"}
	newfoundland  = Province{Code: "NL", Name: "Newfoundland and Labrador"}
	novaScotia    = Province{Code: "NS", Name: "Nova Scotia"}
	ontario       = Province{Code: "ON", Name: "Ontario"}
	pei           = Province{Code: "PE", Name: "Prince Edward Island"}
	quebec        = Province{Code: "QC", Name: "Quebec"}
	saskatchewan  = Province{Code: "SK", Name: "Saskatchewan"}
	northwestTerr = Province{Code: "NT", Name: "Northwest Territories"}
	nunavut       = Province{Code: "NU", Name: "Nunavut"}
	yukon         = Province{Code: "YT", Name: "Yukon"}
)

// provinceNames is keyed by NormalizeKey output.
var provinceNames = map[string]Province{
	"alberta":                   alberta,
	"british columbia":          britishCol,
	"colombie britannique":      britishCol,
	"manitoba":                  manitoba,
	"new brunswick":             newBrunswick,
	"nouveau brunswick":         newBrunswick,
	"newfoundland and labrador": newfoundland,
	"newfoundland":              newfoundland,
	"labrador":                  newfoundland,
	"terre neuve et labrador":   newfoundland,
	"nova scotia":               novaScotia,
	"nouvelle ecosse":           novaScotia,
	"ontario":                   ontario,
	"prince edward island":      pei,
	"ile du prince edouard":     pei,
	"quebec":                    quebec,
	"saskatchewan":              saskatchewan,
	"northwest territories":     northwestTerr,
	"territoires du nord ouest": northwestTerr,
	"nunavut":                   nunavut,
	"yukon":                     yukon,
}

// provinceCodes only match a whole location token.
var provinceCodes = map[string]Province{
	"ab": alberta, "alta": alberta,
	"bc": britishCol, "cb": britishCol,
	"mb": manitoba, "man": manitoba,
	"nb": newBrunswick,
	"nl": newfoundland, "nfld": newfoundland, "tnl": newfoundland,
	"ns": novaScotia,
	"on": ontario, "ont": ontario,
	"pe": pei, "pei": pei, "ipe": pei,
	"qc": quebec, "que": quebec, "pq": quebec,
	"sk": saskatchewan, "sask": saskatchewan,
	"nt": northwestTerr, "nwt": northwestTerr, "tno": northwestTerr,
	"nu": nunavut,
	"yt": yukon, "yk": yukon,
}

var cityProvinces = map[string]Province{
	"toronto":         ontario,
	"ottawa":          ontario,
	"mississauga":     ontario,
	"hamilton":        ontario,
	"kitchener":       ontario,
	"waterloo":        ontario,
	"montreal":        quebec,
	"laval":           quebec,
	"gatineau":        quebec,
	"sherbrooke":      quebec,
	"quebec city":     quebec,
	"ville de quebec": quebec,
	"vancouver":       britishCol,
	"victoria":        britishCol,
	"surrey":          britishCol,
	"burnaby":         britishCol,
	"kelowna":         britishCol,
	"calgary":         alberta,
	"edmonton":        alberta,
	"red deer":        alberta,
	"winnipeg":        manitoba,
	"brandon":         manitoba,
	"regina":          saskatchewan,
	"saskatoon":       saskatchewan,
	"halifax":         novaScotia,
	"dartmouth":       novaScotia,
	"moncton":         newBrunswick,
	"fredericton":     newBrunswick,
	"saint john":      newBrunswick,
	"st john s":       newfoundland,
	"charlottetown":   pei,
	"whitehorse":      yukon,
	"yellowknife":     northwestTerr,
	"iqaluit":         nunavut,
}

// Multi-word keys sorted longest first so "quebec city" wins over "quebec".
var (
	provinceNameKeys = sortedKeys(provinceNames)
	cityKeys         = sortedKeys(cityProvinces)
)

func sortedKeys(m map[string]Province) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// NormalizeKey lower-cases s, folds diacritics and reduces punctuation to
// single spaces, producing the form used by the lookup tables.
func NormalizeKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// LookupProvince resolves a province name or code.
func LookupProvince(name string) (Province, bool) {
	key := NormalizeKey(name)
	if key == "" {
		return Province{}, false
	}
	if p, ok := provinceNames[key]; ok {
		return p, true
	}
	if p, ok := provinceCodes[key]; ok {
		return p, true
	}
	return Province{}, false
}

// InferProvince derives a province from free-text location such as
// "Toronto, ON" or "Montréal (Québec)".
func InferProvince(location string) (Province, bool) {
	if p, ok := LookupProvince(location); ok {
		return p, true
	}

	tokens := strings.FieldsFunc(location, func(r rune) bool {
		switch r {
		case ',', ';', '/', '|', '(', ')', '\n':
			return true
		}
		return false
	})
	for i := len(tokens) - 1; i >= 0; i-- {
		key := NormalizeKey(tokens[i])
		if p, ok := provinceNames[key]; ok {
			return p, true
		}
		if p, ok := provinceCodes[key]; ok {
			return p, true
		}
		if p, ok := cityProvinces[key]; ok {
			return p, true
		}
	}

	padded := " " + NormalizeKey(location) + " "
	for _, key := range provinceNameKeys {
		if strings.Contains(padded, " "+key+" ") {
			return provinceNames[key], true
		}
	}
	for _, key := range cityKeys {
		if strings.Contains(padded, " "+key+" ") {
			return cityProvinces[key], true
		}
	}

	return Province{}, false
}
