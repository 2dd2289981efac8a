package delivery

import (
	"github.com/tidwall/gjson"
)

// shapeMatcher extracts reply text from one known response layout. A matcher
// is selected by the presence of its guard field; extraction then either
// yields text or fails. Order decides priority, and a selected matcher never
// falls through: a body with a `choices` key but no nested content counts as
// unrecognized, the way a truncated OpenAI response would.
type shapeMatcher struct {
	guard   string
	extract func(body []byte) (string, bool)
}

func stringAt(body []byte, path string) (string, bool) {
	content := gjson.GetBytes(body, path)
	return content.String(), content.Type == gjson.String
}

// shapeMatchers in fixed priority order: an OpenAI-style choices list wins
// over a bare message object, which wins over a top-level content field.
var shapeMatchers = []shapeMatcher{
	{
		guard: "choices",
		extract: func(body []byte) (string, bool) {
			return stringAt(body, "choices.0.message.content")
		},
	},
	{
		guard: "message",
		extract: func(body []byte) (string, bool) {
			return stringAt(body, "message.content")
		},
	},
	{
		guard: "content",
		extract: func(body []byte) (string, bool) {
			return stringAt(body, "content")
		},
	},
}

// normalizeResponse tries each shape in priority order and returns the reply
// text together with the matching shape name.
func normalizeResponse(body []byte) (text string, shape string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", "", false
	}
	for _, m := range shapeMatchers {
		if !gjson.GetBytes(body, m.guard).Exists() {
			continue
		}
		text, ok := m.extract(body)
		return text, m.guard, ok
	}
	return "", "", false
}
