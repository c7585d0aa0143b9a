package detect

import (
	"argus/core"

	"go.uber.org/zap"
)

// FormatExtractor assigns each message to the first format that fully
// matches it and extracts that format's fields.
type FormatExtractor struct {
	formats []*core.Format
	logger  *zap.SugaredLogger
}

// NewFormatExtractor returns an extractor trying formats in order.
func NewFormatExtractor(formats []*core.Format, logger *zap.SugaredLogger) *FormatExtractor {
	return &FormatExtractor{formats: formats, logger: logger}
}

// Extract sets the format trait of ev and copies the captured fields of the
// matching format. Events no format matches get the "unknown" format.
func (fx *FormatExtractor) Extract(ev *core.Event) {
	for _, f := range fx.formats {
		captures, ok, err := FindCaptures(f.Regex, ev.LogStr)
		if err != nil {
			fx.logger.Warnw("Format regex timed out", "format", f.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		for i, v := range captures {
			if i < len(f.Fields) {
				ev.Fields[f.Fields[i]] = v
			}
		}
		ev.Traits[core.TraitFormat] = f.Name
		return
	}
	ev.Traits[core.TraitFormat] = core.UnknownFormat
}
