package transformer

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	nonWordPattern    = regexp.MustCompile(`\W`)
	underscoreRuns    = regexp.MustCompile(`_+`)
	spaceDashRuns     = regexp.MustCompile(`[\s\-]+`)
	camelBoundary     = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	conversionNamePtn = regexp.MustCompile(`^convert_(.+)_to_(.+)$`)
)

// stringTransforms are the built-in name/value transformations.
var stringTransforms = map[string]func(string) string{
	"lower":                 strings.ToLower,
	"upper":                 strings.ToUpper,
	"space_to_underscore":   func(s string) string { return strings.ReplaceAll(s, " ", "_") },
	"remove_space":          func(s string) string { return strings.ReplaceAll(s, " ", "") },
	"alnum_underscore_only": func(s string) string { return nonWordPattern.ReplaceAllString(s, "") },
	"collapse_underscore":   func(s string) string { return underscoreRuns.ReplaceAllString(s, "_") },
	"trim_underscore":       func(s string) string { return strings.Trim(s, "_") },
	"snake":                 toSnakeCase,
}

func toSnakeCase(s string) string {
	s = spaceDashRuns.ReplaceAllString(s, "_")
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = nonWordPattern.ReplaceAllString(s, "")
	return strings.ToLower(s)
}

// conversionFactors maps "from|to" unit pairs to multiplicative factors for
// the documented non-temperature conversions. Temperatures go through
// convertTemperature instead, since they need an offset.
var conversionFactors = map[string]float64{
	// length
	"m|ft":  3.280839895,
	"ft|m":  0.3048,
	"km|mi": 0.6213711922,
	"mi|km": 1.609344,
	"cm|in": 0.3937007874,
	"in|cm": 2.54,
	// mass
	"kg|lb": 2.2046226218,
	"lb|kg": 0.45359237,
	"g|oz":  0.0352739619,
	"oz|g":  28.349523125,
	// speed
	"mps|mph": 2.2369362921,
	"mph|mps": 0.44704,
	"kmh|mph": 0.6213711922,
	"mph|kmh": 1.609344,
	// pressure
	"pa|psi":  0.0001450377,
	"psi|pa":  6894.757293168,
	"bar|psi": 14.503773773,
	"psi|bar": 0.0689475729,
	// data size
	"bytes|kb": 1.0 / 1024,
	"kb|bytes": 1024,
	"kb|mb":    1.0 / 1024,
	"mb|kb":    1024,
	"mb|gb":    1.0 / 1024,
	"gb|mb":    1024,
}

// temperatureAliases normalizes the accepted spellings to a canonical unit.
var temperatureAliases = map[string]string{
	"degc": "C", "celsius": "C", "c": "C",
	"degf": "F", "fahrenheit": "F", "f": "F",
	"degk": "K", "kelvin": "K", "k": "K",
	"degr": "R", "rankine": "R", "degrankine": "R", "r": "R",
}

// convertTemperature converts between absolute temperature scales through
// Kelvin.
func convertTemperature(value float64, from, to string) float64 {
	var kelvin float64
	switch from {
	case "C":
		kelvin = value + 273.15
	case "F":
		kelvin = (value-32)*5.0/9.0 + 273.15
	case "R":
		kelvin = value * 5.0 / 9.0
	default:
		kelvin = value
	}
	switch to {
	case "C":
		return kelvin - 273.15
	case "F":
		return (kelvin-273.15)*9.0/5.0 + 32
	case "R":
		return kelvin * 9.0 / 5.0
	default:
		return kelvin
	}
}

// applyConversion applies a "convert_<from>_to_<to>" transform to a numeric
// value. Unknown units or non-numeric values pass through with a warning.
func applyConversion(value any, name string, log *slog.Logger) any {
	num, ok := toFloat(value)
	if !ok {
		log.Warn("cannot apply unit conversion to non-numeric value", "transform", name, "value", fmt.Sprintf("%v", value))
		return value
	}

	m := conversionNamePtn.FindStringSubmatch(name)
	if m == nil {
		log.Warn("invalid conversion format, expected convert_<unit>_to_<unit>", "transform", name)
		return value
	}
	from, to := strings.ToLower(m[1]), strings.ToLower(m[2])

	fromTemp, fromIsTemp := temperatureAliases[from]
	toTemp, toIsTemp := temperatureAliases[to]
	if fromIsTemp && toIsTemp {
		return convertTemperature(num, fromTemp, toTemp)
	}
	if fromIsTemp != toIsTemp {
		log.Warn("cannot convert between temperature and non-temperature units", "from", from, "to", to)
		return value
	}

	factor, ok := conversionFactors[from+"|"+to]
	if !ok {
		log.Warn("unsupported unit conversion", "from", from, "to", to)
		return value
	}
	return num * factor
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// applyValueTransform applies one named transform to a field value. String
// transforms only touch string values; conversions only numeric ones; custom
// replacement names substitute old for new within string values.
func applyValueTransform(value any, name string, replacements map[string][2]string, log *slog.Logger) any {
	if fn, ok := stringTransforms[name]; ok {
		if s, isStr := value.(string); isStr {
			return fn(s)
		}
		log.Warn("string transform on non-string value skipped", "transform", name)
		return value
	}
	if strings.HasPrefix(name, "convert_") {
		return applyConversion(value, name, log)
	}
	if r, ok := replacements[name]; ok {
		if s, isStr := value.(string); isStr {
			return strings.ReplaceAll(s, r[0], r[1])
		}
		return value
	}
	log.Warn("unknown transformation", "transform", name)
	return value
}

// applyNameTransform applies one named transform to a measurement, tag or
// field name.
func applyNameTransform(name, transform string, replacements map[string][2]string, log *slog.Logger) string {
	if fn, ok := stringTransforms[transform]; ok {
		return fn(name)
	}
	if r, ok := replacements[transform]; ok {
		return strings.ReplaceAll(name, r[0], r[1])
	}
	log.Warn("unknown transformation", "transform", transform)
	return name
}
