package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"argus/core"
	"argus/detect"
	"argus/ingest"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRules = `
groups: [auth_fail]
rules:
  - id: 1
    priority: 3
    description: failed login
    groups: [auth_fail]
    regex: 'authentication failure'
    children:
      - id: 2
        priority: 6
        description: root login failure
        if_fields:
          - name: user
            value: root
  - id: 50
    priority: 8
    description: brute force
    activation_group: {time: 60, rate: 3, group: auth_fail}
`

type fixture struct {
	api    *API
	alerts *storage.AlertStore
	dlq    *ingest.DLQ
	state  *detect.RuleStateStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := detect.NewLoader(detect.DefaultRegexTimeout, zap.NewNop().Sugar())
	require.NoError(t, err)
	rules, err := l.Load(detect.Document{Name: "api.yml", Data: []byte(testRules)})
	require.NoError(t, err)

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "argus.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	alerts, err := storage.NewAlertStore(db, 16, zap.NewNop().Sugar())
	require.NoError(t, err)
	dlq := ingest.NewDLQ(db.DB, zap.NewNop().Sugar())

	state := detect.NewRuleStateStore()
	f := &fixture{alerts: alerts, dlq: dlq, state: state}
	f.api = NewAPI(Deps{Rules: rules, State: state, Alerts: alerts, DLQ: dlq}, zap.NewNop().Sugar())
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
}

func TestHealth_Draining(t *testing.T) {
	a := NewAPI(Deps{Status: func() string { return "draining" }}, zap.NewNop().Sugar())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newFixture(t).get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGetRules(t *testing.T) {
	rec := newFixture(t).get(t, "/api/v1/rules")
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []ruleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 3)
	assert.Equal(t, uint32(1), rules[0].ID)
	assert.Equal(t, []uint32{2}, rules[0].Children)
	assert.Equal(t, "authentication failure", rules[0].Regex)
	assert.Equal(t, []uint32{1}, rules[1].Parents)
	assert.Equal(t, matcherView{Kind: "exact", Value: "root"}, rules[1].TriggerFields["user"])
	require.NotNil(t, rules[2].ActivationGroup)
	assert.Equal(t, "1m0s", rules[2].ActivationGroup.Time)
}

func TestGetRule(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/v1/rules/50")
	require.Equal(t, http.StatusOK, rec.Code)
	var rule ruleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "brute force", rule.Description)
	assert.Equal(t, "api.yml", rule.Source)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/rules/999").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/rules/abc").Code, "non-numeric ids do not route")
}

func TestGetState(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.state.RecordActivation(50, now, core.NewLogEvent("authentication failure", now), true, time.Minute, "")

	rec := f.get(t, "/api/v1/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []detect.RuleStateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(50), infos[0].RuleID)
	assert.Equal(t, 1, infos[0].WindowSize)
}

func TestGetAlerts(t *testing.T) {
	f := newFixture(t)
	ev := core.NewLogEvent("authentication failure for root", time.Now())
	ev.RuleID = 2
	ev.Priority = 6
	require.NoError(t, f.alerts.Record(context.Background(), ev))

	rec := f.get(t, "/api/v1/alerts?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []storage.StoredAlert `json:"items"`
		Total int64                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.Total)

	fp := page.Items[0].Fingerprint
	rec = f.get(t, "/api/v1/alerts/"+fp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ev.EventID)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/alerts/0000000000000000").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/alerts?limit=-1").Code)
}

func TestListDLQ(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dlq.Add(context.Background(), &ingest.FailedEvent{
		Protocol: "unixgram", RawEvent: []byte{0xc1}, ErrorReason: "decode_failure", ErrorDetails: "bad",
	}))

	rec := f.get(t, "/api/v1/dlq")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []ingest.DLQEvent `json:"items"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "decode_failure", page.Items[0].ErrorReason)
	assert.Equal(t, 1, page.Total)
}

func TestStorageDisabled(t *testing.T) {
	a := NewAPI(Deps{}, zap.NewNop().Sugar())
	for _, path := range []string{"/api/v1/alerts", "/api/v1/dlq", "/api/v1/rules", "/api/v1/state"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
