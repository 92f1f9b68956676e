// Package template is the prompt templater: {{name}} substitution over
// a map of prior node outputs.
package template

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/valyala/fasttemplate"
)

// identPattern is the set of placeholder names the templater resolves.
// Anything else between the braces is left in the output untouched.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Render substitutes {{name}} placeholders from vars. Composite values
// are JSON-serialized, scalars are stringified. Placeholders with no
// matching variable render as empty and are returned in missing.
func Render(text string, vars map[string]any) (string, []string) {
	var missing []string

	rendered := fasttemplate.ExecuteFuncString(text, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if !identPattern.MatchString(tag) {
			return fmt.Fprintf(w, "{{%s}}", tag)
		}
		value, ok := vars[tag]
		if !ok {
			missing = append(missing, tag)
			return 0, nil
		}
		return w.Write([]byte(stringify(value)))
	})

	return rendered, missing
}

// stringify renders a template variable for text substitution.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, float32, int, int64, int32, bool:
		return fmt.Sprintf("%v", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
