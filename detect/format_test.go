package detect

import (
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFormatExtractor_FirstFullMatchWins(t *testing.T) {
	src := `
formats:
  - name: sudo
    regex: 'sudo: (\w+) : (.*)'
    fields: [user, log]
  - name: generic
    regex: '(\w+): (.*)'
    fields: [program, log]
rules:
  - id: 1
    priority: 1
    regex: x
`
	rs := loadRules(t, src)
	fx := NewFormatExtractor(rs.Formats, zap.NewNop().Sugar())

	ev := core.NewLogEvent("sudo: bob : COMMAND=/bin/sh", time.Now())
	fx.Extract(ev)
	assert.Equal(t, "sudo", ev.Traits[core.TraitFormat])
	assert.Equal(t, map[string]string{"user": "bob", "log": "COMMAND=/bin/sh"}, ev.Fields)

	ev = core.NewLogEvent("cron: job done", time.Now())
	fx.Extract(ev)
	assert.Equal(t, "generic", ev.Traits[core.TraitFormat])
	assert.Equal(t, "cron", ev.Fields["program"])
}

func TestFormatExtractor_RequiresFullMatch(t *testing.T) {
	rs := loadRules(t, "formats:\n  - name: num\n    regex: '(\\d+)'\n    fields: [n]\nrules:\n  - id: 1\n    priority: 1\n    regex: x\n")
	require.Len(t, rs.Formats, 1)
	fx := NewFormatExtractor(rs.Formats, zap.NewNop().Sugar())

	ev := core.NewLogEvent("123", time.Now())
	fx.Extract(ev)
	assert.Equal(t, "num", ev.Traits[core.TraitFormat])

	ev = core.NewLogEvent("123 apples", time.Now())
	fx.Extract(ev)
	assert.Equal(t, core.UnknownFormat, ev.Traits[core.TraitFormat])
	assert.Empty(t, ev.Fields)
}

func TestFormatExtractor_NoFormats(t *testing.T) {
	fx := NewFormatExtractor(nil, zap.NewNop().Sugar())
	ev := core.NewLogEvent("anything", time.Now())
	fx.Extract(ev)
	assert.Equal(t, core.UnknownFormat, ev.Traits[core.TraitFormat])
}
