package pluginapi

import (
	"fmt"
	"strconv"
	"strings"
)

// LineBuilder assembles one line-protocol record. Tags and fields keep
// insertion order; the zero timestamp means "let the server assign".
type LineBuilder struct {
	measurement string
	tags        []tagPair
	fields      []fieldPair
	timestampNs int64
}

type tagPair struct {
	key, value string
}

type fieldPair struct {
	key   string
	value string // pre-formatted line protocol value
}

// NewLine starts a line for the given measurement.
func NewLine(measurement string) *LineBuilder {
	return &LineBuilder{measurement: measurement}
}

// Measurement returns the measurement name the line was created with.
func (b *LineBuilder) Measurement() string { return b.measurement }

// Tag adds a tag. Empty values are dropped; line protocol has no way to
// express an empty tag value.
func (b *LineBuilder) Tag(key, value string) *LineBuilder {
	if value == "" {
		return b
	}
	b.tags = append(b.tags, tagPair{key: key, value: value})
	return b
}

// IntField adds an integer field.
func (b *LineBuilder) IntField(key string, value int64) *LineBuilder {
	b.fields = append(b.fields, fieldPair{key: key, value: strconv.FormatInt(value, 10) + "i"})
	return b
}

// FloatField adds a float field.
func (b *LineBuilder) FloatField(key string, value float64) *LineBuilder {
	b.fields = append(b.fields, fieldPair{key: key, value: strconv.FormatFloat(value, 'g', -1, 64)})
	return b
}

// BoolField adds a boolean field.
func (b *LineBuilder) BoolField(key string, value bool) *LineBuilder {
	b.fields = append(b.fields, fieldPair{key: key, value: strconv.FormatBool(value)})
	return b
}

// StringField adds a string field.
func (b *LineBuilder) StringField(key, value string) *LineBuilder {
	b.fields = append(b.fields, fieldPair{key: key, value: `"` + escapeStringValue(value) + `"`})
	return b
}

// Field adds a field of any supported Go type, picking the line protocol
// representation from the dynamic type. Unsupported types are stringified.
func (b *LineBuilder) Field(key string, value any) *LineBuilder {
	switch v := value.(type) {
	case int:
		return b.IntField(key, int64(v))
	case int32:
		return b.IntField(key, int64(v))
	case int64:
		return b.IntField(key, v)
	case float32:
		return b.FloatField(key, float64(v))
	case float64:
		return b.FloatField(key, v)
	case bool:
		return b.BoolField(key, v)
	case string:
		return b.StringField(key, v)
	default:
		return b.StringField(key, fmt.Sprintf("%v", v))
	}
}

// TimeNs sets the point timestamp in nanoseconds since the epoch.
func (b *LineBuilder) TimeNs(ns int64) *LineBuilder {
	b.timestampNs = ns
	return b
}

// HasFields reports whether at least one field has been added. A line with
// no fields cannot be written.
func (b *LineBuilder) HasFields() bool { return len(b.fields) > 0 }

// Build renders the line protocol record. A line with no fields is an
// error; line protocol cannot represent it.
func (b *LineBuilder) Build() (string, error) {
	if len(b.fields) == 0 {
		return "", fmt.Errorf("line %q has no fields", b.measurement)
	}
	var sb strings.Builder
	sb.WriteString(escapeMeasurement(b.measurement))
	for _, t := range b.tags {
		sb.WriteByte(',')
		sb.WriteString(escapeTag(t.key))
		sb.WriteByte('=')
		sb.WriteString(escapeTag(t.value))
	}
	sb.WriteByte(' ')
	for i, f := range b.fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(escapeTag(f.key))
		sb.WriteByte('=')
		sb.WriteString(f.value)
	}
	if b.timestampNs != 0 {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(b.timestampNs, 10))
	}
	return sb.String(), nil
}

// escapeMeasurement escapes commas and spaces in a measurement name.
func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	return strings.ReplaceAll(s, " ", `\ `)
}

// escapeTag escapes commas, equals signs and spaces in tag keys, tag values
// and field keys.
func escapeTag(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, " ", `\ `)
}

// escapeStringValue escapes backslashes and double quotes in a string field
// value.
func escapeStringValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
