package server

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/byte4ever/logfeed/feed"
)

// LineRenderer formats log events for the plain-text stream mode.
// Recognized tags: pod, container, sourceType, text, timestamp
// (RFC 3339), timestampMillis.
type LineRenderer struct {
	tpl *fasttemplate.Template
}

// NewLineRenderer compiles a line template using double-brace tags.
func NewLineRenderer(template string) (*LineRenderer, error) {
	const errCtx = "compiling line template"

	if template == "" {
		template = DefaultLineTemplate
	}

	tpl, err := fasttemplate.NewTemplate(template, "{{", "}}")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return &LineRenderer{tpl: tpl}, nil
}

// Render expands the template against one log event. Unknown tags
// render empty.
func (r *LineRenderer) Render(ev feed.LogEvent) string {
	return r.tpl.ExecuteFuncString(
		func(w io.Writer, tag string) (int, error) {
			switch tag {
			case "pod":
				return io.WriteString(w, ev.Pod)
			case "container":
				return io.WriteString(w, ev.Container)
			case "sourceType":
				return io.WriteString(w, ev.SourceType)
			case "text":
				return io.WriteString(w, ev.Text)
			case "timestamp":
				ts := time.UnixMilli(ev.TimestampMillis).
					UTC().
					Format(time.RFC3339)

				return io.WriteString(w, ts)
			case "timestampMillis":
				return io.WriteString(
					w,
					strconv.FormatInt(
						ev.TimestampMillis, 10,
					),
				)
			default:
				return 0, nil
			}
		},
	)
}
