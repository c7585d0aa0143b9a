package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"argus/core"
	"argus/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type matcherView struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

type activationView struct {
	Group string `json:"group"`
	Rate  uint32 `json:"rate"`
	Time  string `json:"time"`
	Reset bool   `json:"reset"`
}

type unlessView struct {
	Target  uint32 `json:"target"`
	Timeout string `json:"timeout"`
}

type ruleView struct {
	ID              uint32                  `json:"id"`
	Priority        uint32                  `json:"priority"`
	Description     string                  `json:"description"`
	Groups          []string                `json:"groups,omitempty"`
	Regex           string                  `json:"regex,omitempty"`
	Parents         []uint32                `json:"parents,omitempty"`
	Children        []uint32                `json:"children,omitempty"`
	TriggerGroup    string                  `json:"trigger_group,omitempty"`
	TriggerFields   map[string]matcherView  `json:"trigger_fields,omitempty"`
	TriggerTraits   map[string]matcherView  `json:"trigger_traits,omitempty"`
	ActivationGroup *activationView         `json:"activation_group,omitempty"`
	SameField       string                  `json:"same_field,omitempty"`
	Unless          *unlessView             `json:"unless,omitempty"`
	Interventions   []core.InterventionSpec `json:"interventions,omitempty"`
	AlwaysAlert     bool                    `json:"always_alert,omitempty"`
	Source          string                  `json:"source,omitempty"`
}

func matchers(m map[string]core.Matcher) map[string]matcherView {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]matcherView, len(m))
	for k, v := range m {
		out[k] = matcherView{Kind: v.Kind.String(), Value: v.Value}
	}
	return out
}

func newRuleView(r *core.Rule) ruleView {
	v := ruleView{
		ID:            r.ID,
		Priority:      r.Priority,
		Description:   r.Description,
		Groups:        r.Groups,
		Parents:       r.ParentIDs,
		TriggerGroup:  r.TriggerGroup,
		TriggerFields: matchers(r.TriggerFields),
		TriggerTraits: matchers(r.TriggerTraits),
		SameField:     r.SameField,
		Interventions: r.Interventions,
		AlwaysAlert:   r.AlwaysAlert,
		Source:        r.Source,
	}
	if r.Regex != nil {
		v.Regex = r.Regex.String()
	}
	for _, c := range r.Children {
		v.Children = append(v.Children, c.ID)
	}
	if ag := r.ActivationGroup; ag != nil {
		v.ActivationGroup = &activationView{Group: ag.GroupName, Rate: ag.Rate, Time: ag.Time.String(), Reset: ag.Reset}
	}
	if u := r.Unless; u != nil {
		v.Unless = &unlessView{Target: u.Target, Timeout: u.Timeout.String()}
	}
	return v
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "running"
	if a.deps.Status != nil {
		status = a.deps.Status()
	}
	code := http.StatusOK
	if status != "running" {
		code = http.StatusServiceUnavailable
	}
	a.respondJSON(w, map[string]any{
		"status": status,
		"uptime": time.Since(a.start).Truncate(time.Second).String(),
	}, code)
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "Rules not loaded", nil, a.logger)
		return
	}
	ids := a.deps.Rules.IDs()
	out := make([]ruleView, 0, len(ids))
	for _, id := range ids {
		rule, _ := a.deps.Rules.Rule(id)
		out = append(out, newRuleView(rule))
	}
	a.respondJSON(w, out, http.StatusOK)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "Rules not loaded", nil, a.logger)
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule id", err, a.logger)
		return
	}
	rule, ok := a.deps.Rules.Rule(uint32(id))
	if !ok {
		writeError(w, http.StatusNotFound, "Rule not found", nil, a.logger)
		return
	}
	a.respondJSON(w, newRuleView(rule), http.StatusOK)
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	if a.deps.State == nil {
		writeError(w, http.StatusServiceUnavailable, "Rule state not available", nil, a.logger)
		return
	}
	a.respondJSON(w, a.deps.State.Snapshot(), http.StatusOK)
}

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	if a.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "Alert storage not enabled", nil, a.logger)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err, a.logger)
		return
	}
	alerts, err := a.deps.Alerts.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve alerts", err, a.logger)
		return
	}
	total, err := a.deps.Alerts.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count alerts", err, a.logger)
		return
	}
	if alerts == nil {
		alerts = []storage.StoredAlert{}
	}
	a.respondJSON(w, map[string]any{"items": alerts, "total": total}, http.StatusOK)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	if a.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "Alert storage not enabled", nil, a.logger)
		return
	}
	alert, err := a.deps.Alerts.Get(r.Context(), mux.Vars(r)["fingerprint"])
	if errors.Is(err, storage.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "Alert not found", nil, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve alert", err, a.logger)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) listDLQEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.DLQ == nil {
		writeError(w, http.StatusServiceUnavailable, "DLQ not available", nil, a.logger)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err, a.logger)
		return
	}
	events, err := a.deps.DLQ.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve DLQ events", err, a.logger)
		return
	}
	total, err := a.deps.DLQ.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count DLQ events", err, a.logger)
		return
	}
	items := make([]any, 0, len(events))
	for _, e := range events {
		items = append(items, e)
	}
	a.respondJSON(w, map[string]any{"items": items, "total": total}, http.StatusOK)
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (a *API) respondJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnw("Failed to encode response", "error", err)
	}
}

// writeError logs the full error and sends message to the client.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Warnw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Debugw(message, "status_code", statusCode)
		}
	}
	http.Error(w, message, statusCode)
}
