package notify

import (
	"bytes"
	"errors"
	"text/template"
)

// DefaultTemplate renders one insight transition.
const DefaultTemplate = `[Insight {{.EventLabel}}] {{.Title}}
Facility: {{.FacilityID}}
{{- if .AssetName }}
Asset: {{.AssetName}}
{{- end }}
Severity: {{.Severity}}{{ if .PreviousSeverity }} (was {{.PreviousSeverity}}){{ end }}
Detail: {{.Description}}
Detected: {{.DetectedAt}}
{{- if .ResolvedAt }}
Resolved: {{.ResolvedAt}}
{{- end }}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	InsightID        string
	FacilityID       string
	AssetID          string
	AssetName        string
	MetricName       string
	ThresholdType    string
	ObservedValue    float64
	Title            string
	Description      string
	Severity         string
	PreviousSeverity string
	DetectedAt       string
	ResolvedAt       string
	Suggestion       string
	Event            string
	EventLabel       string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("insight-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("insight template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
