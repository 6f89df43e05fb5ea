package automation

import (
	"fmt"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// AlertFromEvent maps an alert-carrying event onto an Alert. The alert type
// comes from data.alert_type when set and from the event type otherwise;
// title, description, severity, assets and indicators are read from data.
func AlertFromEvent(ev *event.Event) *alert.Alert {
	data := fieldpath.Copy(ev.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	str := func(key string) string {
		s, _ := fieldpath.String(data, key)
		return s
	}
	typ := str("alert_type")
	if typ == "" {
		typ = ev.Type
	}
	return &alert.Alert{
		ID:          str("alert_id"),
		Type:        typ,
		Source:      ev.Source,
		Severity:    alert.ParseSeverity(str("severity")),
		Title:       str("title"),
		Description: str("description"),
		Timestamp:   ev.Timestamp,
		Data:        data,
		Assets:      stringList(data["assets"]),
		Indicators:  stringList(data["indicators"]),
	}
}

// stringList accepts a list of any scalars or a single string.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
