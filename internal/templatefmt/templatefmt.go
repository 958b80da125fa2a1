package templatefmt

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"notifier/internal/domain"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"field":   Field,
		"fmtTime": FormatTime,
		"json":    MarshalJSON,
		"upper":   strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(body)
}

// Execute renders compiled template into a string.
// Params: compiled template and template data.
// Returns: rendered text or execution error.
func Execute(tmpl *template.Template, data any) (string, error) {
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, data); err != nil {
		return "", err
	}
	return rendered.String(), nil
}

// Field reads a dot path from event data as display text.
// Params: event data map and dot path such as "ticket.title".
// Returns: scalar text, JSON for lists/objects, or empty string when absent.
func Field(data map[string]any, path string) string {
	value := domain.Lookup(data, path)
	if text, ok := value.Text(); ok {
		return text
	}
	switch value.Kind {
	case domain.KindList, domain.KindObject:
		return MarshalJSON(value.Interface())
	default:
		return ""
	}
}

// FormatTime renders timestamp as RFC3339 in UTC.
// Params: template value expected as time.Time or *time.Time.
// Returns: formatted timestamp or empty string for zero values.
func FormatTime(value any) string {
	var ts time.Time
	switch typed := value.(type) {
	case time.Time:
		ts = typed
	case *time.Time:
		if typed == nil {
			return ""
		}
		ts = *typed
	default:
		return ""
	}
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
