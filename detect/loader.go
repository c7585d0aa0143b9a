package detect

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"argus/core"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules_schema.json
var rulesSchema []byte

// Document is one rule file.
type Document struct {
	Name string
	Data []byte
}

// parentList accepts `if_rule: 5` as well as `if_rule: [5, 6]`.
type parentList []uint32

func (p *parentList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var id uint32
		if err := node.Decode(&id); err != nil {
			return err
		}
		*p = parentList{id}
	case yaml.SequenceNode:
		var ids []uint32
		if err := node.Decode(&ids); err != nil {
			return err
		}
		*p = ids
	default:
		return fmt.Errorf("line %d: if_rule must be a rule id or a list of rule ids", node.Line)
	}
	return nil
}

type matcherSpec struct {
	Name  string `yaml:"name" validate:"required"`
	Match string `yaml:"match" validate:"omitempty,oneof=exact regex empty"`
	Value string `yaml:"value"`
}

type activationSpec struct {
	Time  uint32 `yaml:"time" validate:"gt=0"`
	Rate  uint32 `yaml:"rate" validate:"gte=2"`
	Group string `yaml:"group" validate:"required"`
	Reset bool   `yaml:"reset"`
}

type unlessSpec struct {
	Rule    uint32 `yaml:"rule" validate:"gt=0"`
	Timeout uint32 `yaml:"timeout" validate:"gt=0"`
}

type interventionSpec struct {
	Name             string `yaml:"name" validate:"required"`
	Field            string `yaml:"field" validate:"required"`
	IgnoreEmptyField bool   `yaml:"ignore_empty_field"`
}

type ruleSpec struct {
	ID              uint32             `yaml:"id" validate:"gt=0"`
	Priority        *uint32            `yaml:"priority" validate:"required"`
	Description     string             `yaml:"description"`
	Groups          []string           `yaml:"groups"`
	Regex           string             `yaml:"regex"`
	RegexFields     []string           `yaml:"regex_fields"`
	IfRule          parentList         `yaml:"if_rule"`
	IfGroup         string             `yaml:"if_group"`
	IfFields        []matcherSpec      `yaml:"if_fields" validate:"dive"`
	IfTraits        []matcherSpec      `yaml:"if_traits" validate:"dive"`
	ActivationGroup *activationSpec    `yaml:"activation_group" validate:"omitempty"`
	SameField       string             `yaml:"same_field"`
	Unless          *unlessSpec        `yaml:"unless" validate:"omitempty"`
	Interventions   []interventionSpec `yaml:"interventions" validate:"dive"`
	AlwaysAlert     bool               `yaml:"always_alert"`
	Children        []ruleSpec         `yaml:"children" validate:"-"`
}

type formatSpec struct {
	Name   string   `yaml:"name"`
	Regex  string   `yaml:"regex"`
	Fields []string `yaml:"fields"`
}

type ruleFile struct {
	Groups        []string     `yaml:"groups"`
	Interventions []string     `yaml:"interventions"`
	Formats       []formatSpec `yaml:"formats"`
	Rules         []ruleSpec   `yaml:"rules"`
}

type flatRule struct {
	spec    *ruleSpec
	parents []uint32
	source  string
}

// Loader parses and validates rule files into a RuleSet.
type Loader struct {
	logger       *zap.SugaredLogger
	regexTimeout time.Duration
	validate     *validator.Validate
	schema       *gojsonschema.Schema
	warnings     []string
}

// NewLoader returns a loader compiling regexes with the given match timeout.
func NewLoader(regexTimeout time.Duration, logger *zap.SugaredLogger) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(rulesSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}
	return &Loader{
		logger:       logger,
		regexTimeout: regexTimeout,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		schema:       schema,
	}, nil
}

// LoadRuleSet loads the rule file and every *.yml / *.yaml file of dir.
// Either may be empty; a missing file is skipped with a warning.
func LoadRuleSet(file, dir string, regexTimeout time.Duration, logger *zap.SugaredLogger) (*core.RuleSet, error) {
	l, err := NewLoader(regexTimeout, logger)
	if err != nil {
		return nil, err
	}
	return l.LoadPaths(file, dir)
}

// LoadPaths reads the rule documents at file and in dir and loads them.
func (l *Loader) LoadPaths(file, dir string) (*core.RuleSet, error) {
	var docs []Document
	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case err == nil:
			docs = append(docs, Document{Name: file, Data: data})
		case errors.Is(err, os.ErrNotExist):
			l.logger.Warnw("Rules file not found, skipping", "file", file)
		default:
			return nil, fmt.Errorf("failed to read rules file: %w", err)
		}
	}
	if dir != "" {
		dirDocs, err := readRuleDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			l.logger.Warnw("Rules directory not found, skipping", "directory", dir)
		}
		docs = append(docs, dirDocs...)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no rule files found (file %q, directory %q)", file, dir)
	}
	return l.Load(docs...)
}

// ReadDocuments reads each path, a rules file or a directory of them.
func ReadDocuments(paths ...string) ([]Document, error) {
	var docs []Document
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules: %w", err)
		}
		if info.IsDir() {
			dirDocs, err := readRuleDir(path)
			if err != nil {
				return nil, err
			}
			docs = append(docs, dirDocs...)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
		}
		docs = append(docs, Document{Name: path, Data: data})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no rule files found in %s", strings.Join(paths, ", "))
	}
	return docs, nil
}

func readRuleDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
		}
		docs = append(docs, Document{Name: path, Data: data})
	}
	return docs, nil
}

// Warnings returns the non-fatal problems found by the last Load, such as
// regexes prone to excessive backtracking.
func (l *Loader) Warnings() []string {
	return l.warnings
}

func (l *Loader) lintRegex(owner, pattern string) {
	risk := AssessRegex(pattern)
	if risk.Safe() {
		return
	}
	l.logger.Warnw("Regex may backtrack excessively",
		"owner", owner,
		"pattern", pattern,
		"risk", risk.Level,
		"issues", risk.Issues)
	l.warnings = append(l.warnings, fmt.Sprintf("%s: %s regex risk: %s", owner, risk.Level, strings.Join(risk.Issues, "; ")))
}

// Load parses docs in order and returns the validated rule set. Every
// problem found is reported in a core.RuleErrors.
func (l *Loader) Load(docs ...Document) (*core.RuleSet, error) {
	l.warnings = nil
	rs := core.NewRuleSet()
	var errs core.RuleErrors
	var flat []flatRule
	formatNames := make(map[string]struct{})

	for _, doc := range docs {
		file, ferrs := l.parse(doc)
		errs = append(errs, ferrs...)
		if file == nil {
			continue
		}
		for _, g := range file.Groups {
			if strings.HasPrefix(g, "!") {
				errs = append(errs, sourced(doc.Name, core.NewRuleError(0, core.RuleErrInvalidGroup, "group name %q must not start with '!'", g)))
				continue
			}
			rs.Groups[g] = struct{}{}
		}
		for _, name := range file.Interventions {
			rs.Interventions[name] = struct{}{}
		}
		for i := range file.Formats {
			f, err := l.buildFormat(&file.Formats[i])
			if err != nil {
				errs = append(errs, sourced(doc.Name, err))
				continue
			}
			if _, dup := formatNames[f.Name]; dup {
				errs = append(errs, sourced(doc.Name, core.NewRuleError(0, core.RuleErrInvalidFormat, "duplicate format %q", f.Name)))
				continue
			}
			formatNames[f.Name] = struct{}{}
			rs.Formats = append(rs.Formats, f)
		}
		flatten(file.Rules, nil, doc.Name, &flat)
	}

	ordered := make([]*core.Rule, 0, len(flat))
	for _, fr := range flat {
		r, rerrs := l.buildRule(fr, rs)
		errs = append(errs, rerrs...)
		if r.ID == 0 {
			continue
		}
		if !rs.Register(r) {
			errs = append(errs, sourced(fr.source, core.NewRuleError(r.ID, core.RuleErrDuplicateID, "rule id %d is defined more than once", r.ID)))
			continue
		}
		ordered = append(ordered, r)
	}

	errs = append(errs, checkReferences(rs, ordered)...)
	if len(errs) > 0 {
		return nil, errs
	}

	place(rs, ordered)
	if err := checkCycles(rs, ordered); err != nil {
		return nil, core.RuleErrors{err}
	}

	l.logger.Infow("Rules loaded",
		"rules", rs.Len(),
		"top_level", len(rs.TopLevel),
		"group_rules", len(rs.GroupRules),
		"formats", len(rs.Formats),
		"groups", len(rs.Groups),
		"files", len(docs))
	return rs, nil
}

func (l *Loader) parse(doc Document) (*ruleFile, core.RuleErrors) {
	var raw interface{}
	if err := yaml.Unmarshal(doc.Data, &raw); err != nil {
		return nil, core.RuleErrors{sourced(doc.Name, core.NewRuleError(0, core.RuleErrSchema, "invalid YAML: %v", err))}
	}
	if raw == nil {
		l.logger.Warnw("Empty rules file", "file", doc.Name)
		return nil, nil
	}

	result, err := l.schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, core.RuleErrors{sourced(doc.Name, core.NewRuleError(0, core.RuleErrSchema, "schema validation failed: %v", err))}
	}
	if !result.Valid() {
		var errs core.RuleErrors
		for _, desc := range result.Errors() {
			errs = append(errs, sourced(doc.Name, core.NewRuleError(0, core.RuleErrSchema, "%s", desc.String())))
		}
		return nil, errs
	}

	var file ruleFile
	if err := yaml.Unmarshal(doc.Data, &file); err != nil {
		return nil, core.RuleErrors{sourced(doc.Name, core.NewRuleError(0, core.RuleErrSchema, "failed to decode rules: %v", err))}
	}
	return &file, nil
}

// flatten lists rules depth first; nested children get their enclosing
// rule as an implicit parent.
func flatten(specs []ruleSpec, implicitParent *uint32, source string, out *[]flatRule) {
	for i := range specs {
		s := &specs[i]
		parents := make([]uint32, 0, len(s.IfRule)+1)
		seen := make(map[uint32]struct{}, len(s.IfRule)+1)
		add := func(id uint32) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				parents = append(parents, id)
			}
		}
		if implicitParent != nil {
			add(*implicitParent)
		}
		for _, id := range s.IfRule {
			add(id)
		}
		*out = append(*out, flatRule{spec: s, parents: parents, source: source})
		id := s.ID
		flatten(s.Children, &id, source, out)
	}
}

func (l *Loader) buildFormat(fs *formatSpec) (*core.Format, error) {
	if fs.Name == "" {
		return nil, core.NewRuleError(0, core.RuleErrInvalidFormat, "format without a name")
	}
	re, err := CompileFullMatch(fs.Regex, l.regexTimeout)
	if err != nil {
		return nil, core.NewRuleError(0, core.RuleErrInvalidRegex, "format %q: %v", fs.Name, err)
	}
	l.lintRegex(fmt.Sprintf("format %q", fs.Name), fs.Regex)
	if n := CaptureCount(re); n != len(fs.Fields) {
		return nil, core.NewRuleError(0, core.RuleErrInvalidRegex, "format %q: regex has %d capture groups but %d fields", fs.Name, n, len(fs.Fields))
	}
	return &core.Format{Name: fs.Name, Regex: re, Fields: fs.Fields}, nil
}

func (l *Loader) buildRule(fr flatRule, rs *core.RuleSet) (*core.Rule, core.RuleErrors) {
	s := fr.spec
	var errs core.RuleErrors
	fail := func(kind core.RuleErrorKind, format string, args ...interface{}) {
		e := core.NewRuleError(s.ID, kind, format, args...)
		errs = append(errs, sourced(fr.source, e))
	}

	if err := l.validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fail(validationKind(fe), "%s failed on '%s'", fe.Namespace(), fe.Tag())
			}
		} else {
			fail(core.RuleErrSchema, "%v", err)
		}
	}

	r := &core.Rule{
		ID:           s.ID,
		Description:  s.Description,
		Groups:       s.Groups,
		RegexFields:  s.RegexFields,
		ParentIDs:    fr.parents,
		TriggerGroup: s.IfGroup,
		SameField:    s.SameField,
		AlwaysAlert:  s.AlwaysAlert,
		Source:       fr.source,
	}
	if s.Priority != nil {
		r.Priority = *s.Priority
	}

	for _, g := range s.Groups {
		if !rs.HasGroup(g) {
			fail(core.RuleErrMissingReference, "granted group %q is not declared", g)
		}
	}

	if s.Regex != "" {
		re, err := CompileSearch(s.Regex, l.regexTimeout)
		if err != nil {
			fail(core.RuleErrInvalidRegex, "%v", err)
		} else {
			l.lintRegex(fmt.Sprintf("rule %d", s.ID), s.Regex)
			if n := CaptureCount(re); n != len(s.RegexFields) {
				fail(core.RuleErrInvalidRegex, "regex has %d capture groups but %d regex_fields", n, len(s.RegexFields))
			} else {
				r.Regex = re
			}
		}
	} else if len(s.RegexFields) > 0 {
		fail(core.RuleErrInvalidRegex, "regex_fields given without regex")
	}

	r.TriggerFields = l.buildMatchers(s.IfFields, "field", fail)
	r.TriggerTraits = l.buildMatchers(s.IfTraits, "trait", fail)

	if s.IfGroup != "" && s.IfGroup != core.AlwaysGroup && !rs.HasGroup(s.IfGroup) {
		fail(core.RuleErrMissingReference, "trigger group %q is not declared", s.IfGroup)
	}
	if s.IfGroup != "" && len(fr.parents) > 0 {
		fail(core.RuleErrInvalidPlacement, "if_group and if_rule are mutually exclusive")
	}

	if ag := s.ActivationGroup; ag != nil {
		if !rs.HasGroup(ag.Group) {
			fail(core.RuleErrMissingReference, "activation group %q is not declared", ag.Group)
		}
		if len(fr.parents) > 0 {
			fail(core.RuleErrInvalidPlacement, "activation_group and if_rule are mutually exclusive")
		}
		r.ActivationGroup = &core.ActivationGroup{
			Time:      time.Duration(ag.Time) * time.Second,
			Rate:      ag.Rate,
			GroupName: ag.Group,
			Reset:     ag.Reset,
		}
	}
	if s.SameField != "" && s.ActivationGroup == nil {
		fail(core.RuleErrInvalidSameField, "same_field requires an activation_group")
	}

	if u := s.Unless; u != nil {
		if len(fr.parents) == 0 {
			fail(core.RuleErrInvalidUnless, "unless requires if_rule")
		}
		if u.Rule == s.ID {
			fail(core.RuleErrInvalidUnless, "unless target is the rule itself")
		}
		for _, p := range fr.parents {
			if p == u.Rule {
				fail(core.RuleErrInvalidUnless, "unless target %d is also a parent", u.Rule)
			}
		}
		r.Unless = &core.UnlessRule{Target: u.Rule, Timeout: time.Duration(u.Timeout) * time.Second}
	}

	for _, p := range fr.parents {
		if p == s.ID {
			fail(core.RuleErrCycle, "rule is its own parent")
		}
	}

	for _, is := range s.Interventions {
		if !rs.HasIntervention(is.Name) {
			fail(core.RuleErrUnknownIntervention, "intervention %q is not declared", is.Name)
		}
		r.Interventions = append(r.Interventions, core.InterventionSpec{
			Name:             is.Name,
			Field:            is.Field,
			IgnoreEmptyField: is.IgnoreEmptyField,
		})
	}

	if !r.HasCondition() && s.Regex == "" && len(s.IfFields) == 0 && len(s.IfTraits) == 0 {
		fail(core.RuleErrUnmatchable, "rule has no condition and can never match")
	}
	return r, errs
}

func (l *Loader) buildMatchers(specs []matcherSpec, what string, fail func(core.RuleErrorKind, string, ...interface{})) map[string]core.Matcher {
	if len(specs) == 0 {
		return nil
	}
	out := make(map[string]core.Matcher, len(specs))
	for _, ms := range specs {
		if _, dup := out[ms.Name]; dup {
			fail(core.RuleErrInvalidMatcher, "%s %q is matched more than once", what, ms.Name)
			continue
		}
		kind, err := core.ParseMatchKind(ms.Match)
		if err != nil {
			fail(core.RuleErrInvalidMatcher, "%s %q: %v", what, ms.Name, err)
			continue
		}
		switch kind {
		case core.MatchExact:
			out[ms.Name] = core.ExactMatcher(ms.Value)
		case core.MatchEmpty:
			out[ms.Name] = core.EmptyMatcher()
		case core.MatchRegex:
			re, err := CompileSearch(ms.Value, l.regexTimeout)
			if err != nil {
				fail(core.RuleErrInvalidRegex, "%s %q: %v", what, ms.Name, err)
				continue
			}
			out[ms.Name] = core.RegexMatcher(re)
		}
	}
	return out
}

func validationKind(fe validator.FieldError) core.RuleErrorKind {
	ns := fe.StructNamespace()
	switch {
	case strings.Contains(ns, ".ActivationGroup."):
		return core.RuleErrInvalidActivation
	case strings.Contains(ns, ".Unless."):
		return core.RuleErrInvalidUnless
	case strings.Contains(ns, ".IfFields[") || strings.Contains(ns, ".IfTraits["):
		return core.RuleErrInvalidMatcher
	case strings.Contains(ns, ".Interventions["):
		return core.RuleErrUnknownIntervention
	case fe.StructField() == "Priority":
		return core.RuleErrMissingPriority
	case fe.StructField() == "ID":
		return core.RuleErrInvalidID
	default:
		return core.RuleErrSchema
	}
}

func checkReferences(rs *core.RuleSet, rules []*core.Rule) core.RuleErrors {
	var errs core.RuleErrors
	for _, r := range rules {
		for _, p := range r.ParentIDs {
			if p == r.ID {
				continue
			}
			if _, ok := rs.Rule(p); !ok {
				errs = append(errs, sourced(r.Source, core.NewRuleError(r.ID, core.RuleErrMissingReference, "parent rule %d does not exist", p)))
			}
		}
		if r.Unless != nil {
			if _, ok := rs.Rule(r.Unless.Target); !ok {
				errs = append(errs, sourced(r.Source, core.NewRuleError(r.ID, core.RuleErrMissingReference, "unless target %d does not exist", r.Unless.Target)))
			}
		}
	}
	return errs
}

// place attaches every rule to the forest. Children keep declaration order.
func place(rs *core.RuleSet, rules []*core.Rule) {
	for _, r := range rules {
		switch {
		case r.IsGroupRule():
			rs.GroupRules = append(rs.GroupRules, r)
		case r.IsTopLevel():
			rs.TopLevel = append(rs.TopLevel, r)
		default:
			for _, p := range r.ParentIDs {
				parent, _ := rs.Rule(p)
				parent.Children = append(parent.Children, r)
			}
		}
		if r.Unless != nil {
			target, _ := rs.Rule(r.Unless.Target)
			target.Children = append(target.Children, r)
		}
	}
}

// checkCycles rejects rule graphs in which a rule can be reached from
// itself through child links.
func checkCycles(rs *core.RuleSet, rules []*core.Rule) *core.RuleError {
	const (
		unvisited = iota
		inProgress
		done
	)
	color := make(map[uint32]int, len(rules))
	var path []uint32

	var visit func(r *core.Rule) *core.RuleError
	visit = func(r *core.Rule) *core.RuleError {
		color[r.ID] = inProgress
		path = append(path, r.ID)
		for _, c := range r.Children {
			switch color[c.ID] {
			case inProgress:
				cycle := append(cyclePath(path, c.ID), c.ID)
				e := core.NewRuleError(c.ID, core.RuleErrCycle, "rule graph contains a cycle: %s", formatIDs(cycle))
				e.Source = c.Source
				return e
			case unvisited:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[r.ID] = done
		return nil
	}

	ids := rs.IDs()
	for _, id := range ids {
		if color[id] != unvisited {
			continue
		}
		r, _ := rs.Rule(id)
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(path []uint32, start uint32) []uint32 {
	for i, id := range path {
		if id == start {
			return append([]uint32(nil), path[i:]...)
		}
	}
	return append([]uint32(nil), path...)
}

func formatIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " -> ")
}

func sourced(source string, err error) *core.RuleError {
	var re *core.RuleError
	if !errors.As(err, &re) {
		re = core.NewRuleError(0, core.RuleErrSchema, "%v", err)
	}
	if re.Source == "" {
		re.Source = source
	}
	return re
}

// SortedGroups returns the declared groups in lexical order.
func SortedGroups(rs *core.RuleSet) []string {
	out := make([]string, 0, len(rs.Groups))
	for g := range rs.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
