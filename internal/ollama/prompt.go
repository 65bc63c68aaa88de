package ollama

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/psantana5/vidhook/pkg/models"
)

const systemPrompt = "You analyze short-form marketing videos from sampled frames. " +
	"Reply with a single JSON object and nothing else."

var fieldPrompts = []struct {
	key    string
	enable func(models.AnalysisOptions) bool
	ask    string
}{
	{"visualHook", func(o models.AnalysisOptions) bool { return o.VisualHook }, "the visual hook in the first seconds that stops the scroll"},
	{"textHook", func(o models.AnalysisOptions) bool { return o.TextHook }, "any on-screen text used as a hook, verbatim"},
	{"voiceHook", func(o models.AnalysisOptions) bool { return o.VoiceHook }, "the opening spoken line as it is likely delivered"},
	{"videoScript", func(o models.AnalysisOptions) bool { return o.VideoScript }, "a scene-by-scene script of the whole video"},
	{"painPoint", func(o models.AnalysisOptions) bool { return o.PainPoint }, "the viewer pain point the video addresses"},
}

// BuildPrompt asks for exactly the enabled fields
func BuildPrompt(opts models.AnalysisOptions, frames int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "These are %d frames sampled in order from one video.\n", frames)
	b.WriteString("Return a JSON object with these string keys:\n")
	for _, f := range fieldPrompts {
		if f.enable(opts) {
			fmt.Fprintf(&b, "- %q: %s\n", f.key, f.ask)
		}
	}
	b.WriteString("Use an empty string when a field cannot be determined.")
	return b.String()
}

// ParseFields reads the model's JSON reply. Models sometimes wrap the object
// in prose or a code fence, so the outermost braces are used.
func ParseFields(reply string) (models.AnalysisFields, error) {
	var fields models.AnalysisFields

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return fields, fmt.Errorf("no JSON object in reply")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return fields, err
	}

	fields.VisualHook = stringField(raw["visualHook"])
	fields.TextHook = stringField(raw["textHook"])
	fields.VoiceHook = stringField(raw["voiceHook"])
	fields.VideoScript = stringField(raw["videoScript"])
	fields.PainPoint = stringField(raw["painPoint"])
	return fields, nil
}

// stringField flattens lists, which some models return for scripts
func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := stringField(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
