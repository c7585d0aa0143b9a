package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoader_NestedChildrenAndParentList(t *testing.T) {
	src := `
groups: [g]
interventions: [block_ip]
rules:
  - id: 1
    priority: 1
    regex: 'a'
    children:
      - id: 2
        priority: 2
        regex: 'b'
  - id: 3
    priority: 1
    regex: 'c'
  - id: 4
    priority: 5
    if_rule: [2, 3]
    groups: [g]
    interventions:
      - name: block_ip
        field: ip
  - id: 5
    priority: 6
    if_rule: 3
    regex: 'd'
`
	rs := loadRules(t, src)

	assert.Equal(t, 5, rs.Len())
	require.Len(t, rs.TopLevel, 2)
	assert.Equal(t, uint32(1), rs.TopLevel[0].ID)
	assert.Equal(t, uint32(3), rs.TopLevel[1].ID)

	r2, ok := rs.Rule(2)
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, r2.ParentIDs)
	require.Len(t, r2.Children, 1)
	assert.Equal(t, uint32(4), r2.Children[0].ID)

	r3, _ := rs.Rule(3)
	require.Len(t, r3.Children, 2)
	assert.Equal(t, uint32(4), r3.Children[0].ID)
	assert.Equal(t, uint32(5), r3.Children[1].ID)

	r4, _ := rs.Rule(4)
	assert.Equal(t, []core.InterventionSpec{{Name: "block_ip", Field: "ip"}}, r4.Interventions)
	assert.Equal(t, []string{"g"}, SortedGroups(rs))
}

func TestLoader_GroupRulesAndUnlessPlacement(t *testing.T) {
	src := `
groups: [g]
rules:
  - id: 1
    priority: 1
    regex: 'a'
    groups: [g]
  - id: 2
    priority: 1
    regex: 'b'
  - id: 3
    priority: 4
    if_rule: 1
    unless: {rule: 2, timeout: 10}
  - id: 4
    priority: 2
    if_group: g
`
	rs := loadRules(t, src)

	require.Len(t, rs.GroupRules, 1)
	assert.Equal(t, uint32(4), rs.GroupRules[0].ID)

	r3, _ := rs.Rule(3)
	assert.Equal(t, &core.UnlessRule{Target: 2, Timeout: 10 * time.Second}, r3.Unless)

	r1, _ := rs.Rule(1)
	r2, _ := rs.Rule(2)
	assert.Equal(t, r3, r1.Children[0])
	assert.Equal(t, r3, r2.Children[0], "unless rules are children of their target too")
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind core.RuleErrorKind
	}{
		{"zero id", "rules:\n  - id: 0\n    priority: 1\n    regex: a\n", core.RuleErrInvalidID},
		{"duplicate id", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 1\n    priority: 2\n    regex: b\n", core.RuleErrDuplicateID},
		{"missing priority", "rules:\n  - id: 1\n    regex: a\n", core.RuleErrMissingPriority},
		{"unknown parent", "rules:\n  - id: 1\n    priority: 1\n    if_rule: 9\n", core.RuleErrMissingReference},
		{"undeclared group", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n    groups: [nope]\n", core.RuleErrMissingReference},
		{"bad regex", "rules:\n  - id: 1\n    priority: 1\n    regex: '(a'\n", core.RuleErrInvalidRegex},
		{"capture mismatch", "rules:\n  - id: 1\n    priority: 1\n    regex: '(a)(b)'\n    regex_fields: [x]\n", core.RuleErrInvalidRegex},
		{"regex fields without regex", "rules:\n  - id: 1\n    priority: 1\n    if_group: '!ALWAYS'\n    regex_fields: [x]\n", core.RuleErrInvalidRegex},
		{"rate below two", "groups: [g]\nrules:\n  - id: 1\n    priority: 1\n    activation_group: {time: 5, rate: 1, group: g}\n", core.RuleErrInvalidActivation},
		{"zero window", "groups: [g]\nrules:\n  - id: 1\n    priority: 1\n    activation_group: {time: 0, rate: 3, group: g}\n", core.RuleErrInvalidActivation},
		{"same field alone", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n    same_field: ip\n", core.RuleErrInvalidSameField},
		{"unless without parent", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 2\n    priority: 1\n    unless: {rule: 1, timeout: 5}\n", core.RuleErrInvalidUnless},
		{"unless zero timeout", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 3\n    priority: 1\n    regex: c\n  - id: 2\n    priority: 1\n    if_rule: 1\n    unless: {rule: 3, timeout: 0}\n", core.RuleErrInvalidUnless},
		{"unless target is parent", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 2\n    priority: 1\n    if_rule: 1\n    unless: {rule: 1, timeout: 5}\n", core.RuleErrInvalidUnless},
		{"activation with parent", "groups: [g]\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 2\n    priority: 1\n    if_rule: 1\n    activation_group: {time: 5, rate: 2, group: g}\n", core.RuleErrInvalidPlacement},
		{"if_group with parent", "groups: [g]\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n  - id: 2\n    priority: 1\n    if_rule: 1\n    if_group: g\n", core.RuleErrInvalidPlacement},
		{"self parent", "rules:\n  - id: 1\n    priority: 1\n    if_rule: 1\n", core.RuleErrCycle},
		{"unmatchable", "rules:\n  - id: 1\n    priority: 1\n    description: nothing\n", core.RuleErrUnmatchable},
		{"unknown intervention", "rules:\n  - id: 1\n    priority: 1\n    regex: a\n    interventions:\n      - name: nuke\n        field: host\n", core.RuleErrUnknownIntervention},
		{"bang group", "groups: ['!bad']\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n", core.RuleErrInvalidGroup},
		{"duplicate matcher", "rules:\n  - id: 1\n    priority: 1\n    if_fields:\n      - name: a\n        value: x\n      - name: a\n        value: y\n", core.RuleErrInvalidMatcher},
		{"bad matcher regex", "rules:\n  - id: 1\n    priority: 1\n    if_fields:\n      - name: a\n        match: regex\n        value: '[a'\n", core.RuleErrInvalidRegex},
		{"format capture mismatch", "formats:\n  - name: f\n    regex: '(a)'\n    fields: []\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n", core.RuleErrInvalidRegex},
		{"duplicate format", "formats:\n  - name: f\n    regex: 'a'\n  - name: f\n    regex: 'b'\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n", core.RuleErrInvalidFormat},
		{"unknown key", "rules:\n  - id: 1\n    priority: 1\n    regexp: a\n", core.RuleErrSchema},
		{"bad match kind", "rules:\n  - id: 1\n    priority: 1\n    if_fields:\n      - name: a\n        match: fuzzy\n", core.RuleErrSchema},
		{"invalid yaml", "rules: [\n", core.RuleErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRulesErr(tt.src)
			require.Error(t, err)
			assert.True(t, core.IsRuleErrorKind(err, tt.kind), "want %s, got %v", tt.kind, err)
		})
	}
}

func TestLoader_CycleThroughChildren(t *testing.T) {
	src := `
rules:
  - id: 1
    priority: 1
    regex: a
  - id: 2
    priority: 1
    if_rule: [1, 3]
  - id: 3
    priority: 1
    if_rule: 2
`
	_, err := loadRulesErr(src)
	require.Error(t, err)
	assert.True(t, core.IsRuleErrorKind(err, core.RuleErrCycle))
	assert.Contains(t, err.Error(), "2 -> 3 -> 2")
}

func TestLoader_DuplicateIDBetweenChildAndGroupRule(t *testing.T) {
	src := `
groups: [auth_fail]
rules:
  - id: 5
    priority: 1
    regex: a
    children:
      - id: 1
        priority: 2
        regex: b
  - id: 1
    priority: 3
    if_group: auth_fail
`
	_, err := loadRulesErr(src)
	require.Error(t, err)
	assert.True(t, core.IsRuleErrorKind(err, core.RuleErrDuplicateID), "got %v", err)

	var list core.RuleErrors
	require.ErrorAs(t, err, &list)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(1), list[0].RuleID)
}

func TestLoader_ErrorCarriesSource(t *testing.T) {
	_, err := loadRulesErr("rules:\n  - id: 7\n    priority: 1\n    if_rule: 8\n")
	require.Error(t, err)

	var list core.RuleErrors
	require.ErrorAs(t, err, &list)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(7), list[0].RuleID)
	assert.Equal(t, "test.yml", list[0].Source)
	assert.Contains(t, err.Error(), "test.yml: rule 7: missing_reference")
}

func TestLoader_CrossFileReferences(t *testing.T) {
	l, err := NewLoader(time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)

	rs, err := l.Load(
		Document{Name: "base.yml", Data: []byte("groups: [g]\nrules:\n  - id: 1\n    priority: 1\n    regex: a\n    groups: [g]\n")},
		Document{Name: "extra.yml", Data: []byte("rules:\n  - id: 2\n    priority: 3\n    if_rule: 1\n")},
		Document{Name: "empty.yml", Data: []byte("")},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	r2, _ := rs.Rule(2)
	assert.Equal(t, "extra.yml", r2.Source)
}

func TestLoadRuleSet_FileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rules.yml")
	ruleDir := filepath.Join(dir, "rules.d")
	require.NoError(t, os.Mkdir(ruleDir, 0o755))

	require.NoError(t, os.WriteFile(file, []byte("rules:\n  - id: 1\n    priority: 1\n    regex: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ruleDir, "b.yaml"), []byte("rules:\n  - id: 2\n    priority: 1\n    regex: b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ruleDir, "notes.txt"), []byte("not rules"), 0o644))

	rs, err := LoadRuleSet(file, ruleDir, time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, rs.IDs())
}

func TestLoadRuleSet_MissingPaths(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRuleSet(filepath.Join(dir, "none.yml"), filepath.Join(dir, "none.d"), time.Second, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rule files found")

	file := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(file, []byte("rules:\n  - id: 1\n    priority: 1\n    regex: a\n"), 0o644))
	rs, err := LoadRuleSet(file, filepath.Join(dir, "none.d"), time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Len())
}
