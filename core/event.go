package core

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ShutdownMessage is the message text of the shutdown control event.
const ShutdownMessage = "!KILL"

// Trait names set by the engine.
const (
	TraitFormat          = "format"
	TraitTriggerLogs     = "trigger_logs"
	TraitTriggerSameLogs = "trigger_same_logs"
	TraitHostname        = "hostname"
	TraitSourceProgram   = "source_program"
	TraitSourceDomain    = "source_domain"
	TraitControl         = "control"
	TraitTimeScanned     = "time_scanned"
	TraitTimeSend        = "time_send"
)

// FieldLog, when present, replaces the message as the target of rule regexes.
const FieldLog = "log"

// UnknownFormat is the format trait of events no format matched.
const UnknownFormat = "unknown"

// SourceEvent is an observation sent by a scanner. It is the wire format of
// the input socket.
type SourceEvent struct {
	Hostname       string    `json:"hostname" msgpack:"hostname"`
	SourceProgram  string    `json:"source_program" msgpack:"source_program"`
	SourceDomain   string    `json:"source_domain" msgpack:"source_domain"`
	Message        string    `json:"message" msgpack:"message"`
	ControlMessage bool      `json:"control_message" msgpack:"control_message"`
	TimeScanned    time.Time `json:"time_scanned" msgpack:"time_scanned"`
	TimeSend       time.Time `json:"time_send" msgpack:"time_send"`
}

// IsShutdown reports whether se is the shutdown control event.
func (se *SourceEvent) IsShutdown() bool {
	return se.ControlMessage && se.Message == ShutdownMessage
}

// Event is the record enriched by the matching engine.
type Event struct {
	EventID        string              `json:"event_id"`
	LogStr         string              `json:"log"`
	Fields         map[string]string   `json:"fields"`
	Traits         map[string]string   `json:"traits"`
	Groups         map[string]struct{} `json:"-"`
	Priority       uint32              `json:"priority"`
	RuleID         uint32              `json:"rule_id"`
	Description    string              `json:"description"`
	AlwaysAlert    bool                `json:"always_alert"`
	ControlMessage bool                `json:"control_message"`
	Interventions  []InterventionSpec  `json:"interventions,omitempty"`
	Received       time.Time           `json:"received"`
}

// NewEvent builds an unmatched event for se.
func NewEvent(se *SourceEvent, received time.Time) *Event {
	ev := NewLogEvent(se.Message, received)
	ev.ControlMessage = se.ControlMessage
	ev.Traits[TraitHostname] = se.Hostname
	ev.Traits[TraitSourceProgram] = se.SourceProgram
	ev.Traits[TraitSourceDomain] = se.SourceDomain
	ev.Traits[TraitControl] = strconv.FormatBool(se.ControlMessage)
	ev.Traits[TraitTimeScanned] = formatTime(se.TimeScanned)
	ev.Traits[TraitTimeSend] = formatTime(se.TimeSend)
	return ev
}

// NewLogEvent builds an unmatched event carrying only a message and no
// source traits.
func NewLogEvent(msg string, received time.Time) *Event {
	return &Event{
		EventID:  uuid.New().String(),
		LogStr:   msg,
		Fields:   make(map[string]string),
		Traits:   make(map[string]string),
		Groups:   make(map[string]struct{}),
		Received: received,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// HasGroup reports whether the event is a member of group.
func (e *Event) HasGroup(group string) bool {
	_, ok := e.Groups[group]
	return ok
}

// AddGroups adds every group in groups.
func (e *Event) AddGroups(groups []string) {
	if e.Groups == nil {
		e.Groups = make(map[string]struct{}, len(groups))
	}
	for _, g := range groups {
		e.Groups[g] = struct{}{}
	}
}

// SortedGroups returns the event's groups in lexical order.
func (e *Event) SortedGroups() []string {
	out := make([]string, 0, len(e.Groups))
	for g := range e.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Field returns the value of field name and whether it is present.
func (e *Event) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// ApplyRule copies the mutations of a selected rule onto the event.
func (e *Event) ApplyRule(r *Rule) {
	e.Description = r.Description
	e.AlwaysAlert = r.AlwaysAlert
	e.AddGroups(r.Groups)
	e.Priority = r.Priority
	e.RuleID = r.ID
	e.Interventions = append([]InterventionSpec(nil), r.Interventions...)
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	c.Fields = cloneMap(e.Fields)
	c.Traits = cloneMap(e.Traits)
	c.Groups = make(map[string]struct{}, len(e.Groups))
	for g := range e.Groups {
		c.Groups[g] = struct{}{}
	}
	c.Interventions = append([]InterventionSpec(nil), e.Interventions...)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ShouldAlert reports whether the event is reported at threshold minPriority.
func (e *Event) ShouldAlert(minPriority uint32) bool {
	return e.Priority >= minPriority || e.AlwaysAlert
}
