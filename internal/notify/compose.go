package notify

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Kind identifies which message a workflow step wants written.
type Kind string

const (
	KindLeadText          Kind = "lead_text"
	KindLeadCall          Kind = "lead_call"
	KindBroadcastInitial  Kind = "broadcast_initial"
	KindBroadcastUrgent   Kind = "broadcast_urgent"
	KindBroadcastEscalate Kind = "broadcast_escalate"
	KindDayBefore         Kind = "day_before"
	KindCleanerReminder   Kind = "cleaner_reminder"
	KindPostService       Kind = "post_service"
	KindOffer             Kind = "offer"
	KindCustomerConfirmed Kind = "customer_confirmed"
	KindCleanerConfirmed  Kind = "cleaner_confirmed"
	KindCustomerDelay     Kind = "customer_delay"
	KindOwnerEscalation   Kind = "owner_escalation"
	KindCustomerMoved     Kind = "customer_moved"
	KindCleanerMoved      Kind = "cleaner_moved"
	KindOwnerRainDay      Kind = "owner_rain_day"
)

// Vars carries the fields a message may refer to. Zero values render empty.
type Vars struct {
	Name    string
	Cleaner string
	JobID   string
	Date    string
	Time    string
	OldDate string
	Address string
	Price   string
	Stage   int
	Count   int
	Reason  string
}

// Composer writes the text for a message. The production composer is an
// external text-generation service; TemplateComposer is the built-in fallback.
type Composer interface {
	Compose(ctx context.Context, kind Kind, v Vars) (string, error)
}

var defaultTemplates = map[Kind]string{
	KindLeadText:          `Hi {{.Name}}, thanks for reaching out! Reply with a good time and we'll get your cleaning booked.`,
	KindLeadCall:          `Call {{.Name}} about their cleaning quote (follow-up stage {{.Stage}}).`,
	KindBroadcastInitial:  `New job {{.JobID}} on {{.Date}}{{if .Address}} at {{.Address}}{{end}}{{if .Price}} paying ${{.Price}}{{end}}. Reply YES to take it.`,
	KindBroadcastUrgent:   `Still open: job {{.JobID}} on {{.Date}}. First YES gets it.`,
	KindBroadcastEscalate: `Job {{.JobID}} on {{.Date}} is still unassigned after the broadcast.`,
	KindDayBefore:         `Hi {{.Name}}, reminder that your cleaning is tomorrow ({{.Date}}). Reply C to confirm or R to reschedule.`,
	KindCleanerReminder:   `Reminder: job {{.JobID}} today at {{.Time}}{{if .Address}}, {{.Address}}{{end}}.`,
	KindPostService:       `Hi {{.Name}}, thanks for choosing us! How did we do? Reply with any feedback.`,
	KindOffer:             `Job offer {{.JobID}} on {{.Date}}{{if .Time}} at {{.Time}}{{end}}{{if .Address}}, {{.Address}}{{end}}{{if .Price}} (${{.Price}}){{end}}. Accept or decline?`,
	KindCustomerConfirmed: `Hi {{.Name}}, your cleaner {{.Cleaner}} is confirmed for {{.Date}}.`,
	KindCleanerConfirmed:  `Confirmed: job {{.JobID}} on {{.Date}} is yours.`,
	KindCustomerDelay:     `Hi {{.Name}}, sorry for the delay. We're still lining up a cleaner for {{.Date}} and will update you shortly.`,
	KindOwnerEscalation:   `URGENT: no cleaner accepted job {{.JobID}} on {{.Date}} after {{.Count}} offers.`,
	KindCustomerMoved:     `Hi {{.Name}}, due to {{.Reason}} your cleaning on {{.OldDate}} has moved to {{.Date}}. Reply if that doesn't work.`,
	KindCleanerMoved:      `Job {{.JobID}} moved from {{.OldDate}} to {{.Date}} ({{.Reason}}).`,
	KindOwnerRainDay:      `Rain day {{.OldDate}}: {{.Count}} jobs rescheduled.`,
}

type TemplateComposer struct {
	tmpl map[Kind]*template.Template
}

// NewTemplateComposer parses the built-in templates, with overrides replacing
// individual kinds.
func NewTemplateComposer(overrides map[Kind]string) (*TemplateComposer, error) {
	c := &TemplateComposer{tmpl: map[Kind]*template.Template{}}
	for kind, text := range defaultTemplates {
		if o, ok := overrides[kind]; ok && strings.TrimSpace(o) != "" {
			text = o
		}
		t, err := template.New(string(kind)).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", kind, err)
		}
		c.tmpl[kind] = t
	}
	return c, nil
}

func (c *TemplateComposer) Compose(ctx context.Context, kind Kind, v Vars) (string, error) {
	t, ok := c.tmpl[kind]
	if !ok {
		return "", fmt.Errorf("no template for %q", kind)
	}
	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}
