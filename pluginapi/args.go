package pluginapi

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Args holds a trigger's arguments. Values arrive as strings from trigger
// configuration, or as decoded TOML values when an args file override is in
// use.
type Args map[string]any

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the value for key as a string, or def when absent.
func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns the value for key as an int, or def when absent or unparseable.
func (a Args) Int(key string, def int) int {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
	}
	return def
}

// Float returns the value for key as a float64, or def.
func (a Args) Float(key string, def float64) float64 {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return parsed
		}
	}
	return def
}

// Bool returns the value for key as a bool, or def. String values "true" and
// "false" are accepted case-insensitively.
func (a Args) Bool(key string, def bool) bool {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return def
}

// StringList splits the dot-separated list stored under key. Absent or empty
// values return nil.
func (a Args) StringList(key string) []string {
	raw := a.String(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var durationPattern = regexp.MustCompile(`^(\d+)([a-zA-Z]+)$`)

// durationUnits is the duration grammar shared by window, offset and
// threshold arguments.
var durationUnits = map[string]time.Duration{
	"s":   time.Second,
	"min": time.Minute,
	"h":   time.Hour,
	"d":   24 * time.Hour,
	"w":   7 * 24 * time.Hour,
}

// ParseDuration parses a plugin duration string such as "10s", "5min", "2h",
// "1d" or "1w".
func ParseDuration(raw string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, fmt.Errorf("invalid duration format %q", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid duration magnitude %q", raw)
	}
	unit, ok := durationUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("invalid duration unit %q in %q", m[2], raw)
	}
	return time.Duration(n) * unit, nil
}

// Duration parses the duration argument under key, or returns def when the
// key is absent. A present but malformed value is an error.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	raw := a.String(key, "")
	if raw == "" {
		return def, nil
	}
	return ParseDuration(raw)
}

// Interval is a downsampling bucket size expressed as a magnitude and a SQL
// interval unit accepted by DATE_BIN.
type Interval struct {
	Magnitude int
	Unit      string // "seconds", "minutes", "hours", "days", "weeks"
}

// Duration converts the interval to a time.Duration.
func (iv Interval) Duration() time.Duration {
	switch iv.Unit {
	case "seconds":
		return time.Duration(iv.Magnitude) * time.Second
	case "minutes":
		return time.Duration(iv.Magnitude) * time.Minute
	case "hours":
		return time.Duration(iv.Magnitude) * time.Hour
	case "weeks":
		return time.Duration(iv.Magnitude) * 7 * 24 * time.Hour
	default: // days
		return time.Duration(iv.Magnitude) * 24 * time.Hour
	}
}

// String renders the interval in SQL form, e.g. "10 minutes".
func (iv Interval) String() string {
	return fmt.Sprintf("%d %s", iv.Magnitude, iv.Unit)
}

var intervalUnits = map[string]string{
	"s":   "seconds",
	"min": "minutes",
	"h":   "hours",
	"d":   "days",
	"w":   "weeks",
}

// Calendar units expressed as average day counts, matching the engine docs:
// a month is 365/12 days, a quarter 365/4, a year 365.
var calendarDays = map[string]float64{
	"m": 30.42,
	"q": 91.25,
	"y": 365.0,
}

// ParseInterval parses a downsampling interval such as "10min", "2h" or
// "1m" (one month). Calendar units are converted to whole days.
func ParseInterval(raw string) (Interval, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Interval{}, fmt.Errorf("invalid interval format %q", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return Interval{}, fmt.Errorf("invalid interval magnitude %q", raw)
	}
	if days, ok := calendarDays[m[2]]; ok {
		return Interval{Magnitude: int(float64(n) * days), Unit: "days"}, nil
	}
	unit, ok := intervalUnits[m[2]]
	if !ok {
		return Interval{}, fmt.Errorf("invalid interval unit %q in %q", m[2], raw)
	}
	return Interval{Magnitude: n, Unit: unit}, nil
}

// Interval parses the interval argument under key, falling back to def when
// the key is absent.
func (a Args) Interval(key, def string) (Interval, error) {
	return ParseInterval(a.String(key, def))
}

// pluginDirEnv names the environment variable the host sets to the plugin
// directory; args file paths are resolved against it.
const pluginDirEnv = "PLUGIN_DIR"

// LoadOverride replaces the argument map with the contents of the TOML file
// named by the config_file_path argument, when present. Relative paths are
// resolved against $PLUGIN_DIR. The returned bool reports whether an
// override was applied.
func (a Args) LoadOverride() (Args, bool, error) {
	path := a.String("config_file_path", "")
	if path == "" {
		return a, false, nil
	}
	if !filepath.IsAbs(path) {
		dir := os.Getenv(pluginDirEnv)
		if dir == "" {
			return nil, false, fmt.Errorf("args file %q is relative and %s is not set", path, pluginDirEnv)
		}
		path = filepath.Join(dir, path)
	}

	loaded := Args{}
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return nil, false, fmt.Errorf("decode args file %q: %w", path, err)
	}
	return loaded, true, nil
}

// SeriesKey builds the cache key used for per-series alert state:
// the base parts joined by ':' followed by sorted tag=value pairs taken
// from row. Missing tags render as "None" so keys stay stable when a row
// omits a tag.
func SeriesKey(base []string, tags []string, row Row) string {
	key := strings.Join(base, ":")
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	for _, tag := range sorted {
		val := "None"
		if v, ok := row[tag]; ok && v != nil {
			val = fmt.Sprintf("%v", v)
		}
		key += ":" + tag + "=" + val
	}
	return key
}
