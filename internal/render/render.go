// Package render turns (kind, context) into the outbound message bodies.
// Rendering is a pure function: no I/O, no clocks, and identical context
// produces byte-identical output; the test suite leans on that.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

var ErrUnknownKind = errors.New("render: unknown message kind")

type Kind string

const (
	KindMissedCheckinAlert Kind = "missed_checkin_alert"
	KindReminder           Kind = "reminder"
	KindSOSAlert           Kind = "sos_alert"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindMissedCheckinAlert, KindReminder, KindSOSAlert:
		return true
	default:
		return false
	}
}

// Disclaimer is the fixed legal block every outbound body ends with.
// Wording is load-bearing for downstream filters; do not edit casually.
const Disclaimer = "SoloCheck does not determine well-being; it only observes the absence of check-ins.\n" +
	"If someone may be in urgent need, contact your local emergency services immediately.\n" +
	"This alert was triggered solely because a scheduled check-in was not received."

type LatLng struct {
	Lat float64
	Lng float64
}

// Context carries only sanitized, already-resolved fields.
type Context struct {
	UserName    string
	ContactName string
	EpisodeID   string

	// missed-checkin alert
	CycleDays     int
	LastCheckinAt *time.Time

	// disclosed side payloads
	PersonalMessage string
	Pets            []string
	VaultEntries    []string
	Location        *LatLng

	// reminder
	CustomPrefix string
	DeadlineAt   time.Time
	HoursBefore  int
}

type RenderedMessage struct {
	Subject  string
	BodyText string
	BodyHTML string
}

// PushType maps a render kind onto the push payload "type" field.
func (k Kind) PushType() string {
	switch k {
	case KindReminder:
		return "reminder"
	case KindSOSAlert:
		return "sos"
	default:
		return "alert"
	}
}

var funcs = texttemplate.FuncMap{
	"utc": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format("2006-01-02 15:04 UTC")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.UTC().Format("2006-01-02 15:04 UTC")
		default:
			return ""
		}
	},
}

var (
	alertText = texttemplate.Must(texttemplate.New("alert").Funcs(funcs).Parse(
		`Hello {{.ContactName}},

{{.UserName}} has missed their SoloCheck check-in window and listed you as an emergency contact.
{{- if .LastCheckinAt}}
Their last confirmed check-in was {{utc .LastCheckinAt}}; they check in every {{.CycleDays}} day(s).
{{- end}}
{{- if .PersonalMessage}}

Personal message from {{.UserName}}:
{{.PersonalMessage}}
{{- end}}
{{- if .Pets}}

Animals in their care:
{{- range .Pets}}
  - {{.}}
{{- end}}
{{- end}}
{{- if .VaultEntries}}

Information they chose to share:
{{- range .VaultEntries}}
  - {{.}}
{{- end}}
{{- end}}
{{- if .Location}}

Last known location: {{printf "%.5f" .Location.Lat}}, {{printf "%.5f" .Location.Lng}}
{{- end}}
`))

	sosText = texttemplate.Must(texttemplate.New("sos").Funcs(funcs).Parse(
		`Hello {{.ContactName}},

{{.UserName}} has triggered an SOS through SoloCheck and asked for you to be notified immediately.
{{- if .PersonalMessage}}

Personal message from {{.UserName}}:
{{.PersonalMessage}}
{{- end}}
{{- if .Location}}

Last known location: {{printf "%.5f" .Location.Lat}}, {{printf "%.5f" .Location.Lng}}
{{- end}}
`))

	reminderText = texttemplate.Must(texttemplate.New("reminder").Funcs(funcs).Parse(
		`{{- if .CustomPrefix}}{{.CustomPrefix}}

{{end -}}
Hi {{.UserName}}, your next SoloCheck check-in is due by {{utc .DeadlineAt}} (about {{.HoursBefore}}h from this reminder).

Open the app and check in so your contacts are not alerted.
`))

	bodyHTML = htmltemplate.Must(htmltemplate.New("html").Parse(
		`<html><body>{{range .Paragraphs}}<p>{{.}}</p>{{end}}<hr/><p><small>{{.Disclaimer}}</small></p></body></html>`))
)

// Render produces the subject and bodies for one message. Deterministic:
// same kind and context give byte-identical output.
func Render(kind Kind, ctx Context) (RenderedMessage, error) {
	var tmpl *texttemplate.Template

	switch kind {
	case KindMissedCheckinAlert:
		tmpl = alertText
	case KindSOSAlert:
		tmpl = sosText
	case KindReminder:
		tmpl = reminderText
	default:
		return RenderedMessage{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return RenderedMessage{}, fmt.Errorf("render %s: %w", kind, err)
	}

	body := strings.TrimRight(buf.String(), "\n")
	text := body + "\n\n" + Disclaimer + "\n"

	html, err := renderHTML(body)
	if err != nil {
		return RenderedMessage{}, err
	}

	return RenderedMessage{
		Subject:  subject(kind, ctx),
		BodyText: text,
		BodyHTML: html,
	}, nil
}

func subject(kind Kind, ctx Context) string {
	switch kind {
	case KindReminder:
		return "[SoloCheck] check-in reminder"
	case KindSOSAlert:
		return fmt.Sprintf("[SoloCheck] %s - SOS alert", ctx.UserName)
	default:
		// Bracketed prefix is stable for downstream mail filters.
		return fmt.Sprintf("[SoloCheck] %s - connectivity alert", ctx.UserName)
	}
}

func renderHTML(body string) (string, error) {
	paragraphs := strings.Split(body, "\n\n")

	var buf bytes.Buffer
	err := bodyHTML.Execute(&buf, struct {
		Paragraphs []string
		Disclaimer string
	}{Paragraphs: paragraphs, Disclaimer: Disclaimer})
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}
