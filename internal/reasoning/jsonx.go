package reasoning

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of free-form model output. It
// tries, in order: a fenced code block, the span from the first '{' to
// the last '}', and finally the rightmost balanced object found by
// scanning backwards. Returns PARSE_ERROR when nothing decodes.
func ExtractJSON(text string) (map[string]any, error) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		if obj, err := decodeObject(m[1]); err == nil {
			return obj, nil
		}
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first >= 0 && last > first {
		if obj, err := decodeObject(text[first : last+1]); err == nil {
			return obj, nil
		}
	}

	if obj, ok := rightmostBalanced(text); ok {
		return obj, nil
	}
	return nil, schema.NewError(schema.ErrCodeParse, "no JSON object found in model output")
}

// ExtractJSONWithKeys extracts and additionally requires the named
// top-level keys to be present.
func ExtractJSONWithKeys(text string, required ...string) (map[string]any, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range required {
		if _, ok := obj[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "model output missing required keys %v", missing)
	}
	return obj, nil
}

func decodeObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// rightmostBalanced scans from the last '}' backwards for a matching
// '{', trying each balanced candidate until one decodes. String
// literals are respected so braces inside them don't unbalance the scan.
func rightmostBalanced(text string) (map[string]any, bool) {
	for end := strings.LastIndex(text, "}"); end >= 0; end = strings.LastIndex(text[:end], "}") {
		depth := 0
		inString := false
		for i := end; i >= 0; i-- {
			c := text[i]
			if inString {
				if c == '"' && (i == 0 || text[i-1] != '\\') {
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '}':
				depth++
			case '{':
				depth--
				if depth == 0 {
					if obj, err := decodeObject(text[i : end+1]); err == nil {
						return obj, true
					}
					i = -1 // candidate failed, move to the previous '}'
				}
			}
			if i == -1 {
				break
			}
		}
	}
	return nil, false
}

// Remarshal decodes a generic object into a typed contract value.
func Remarshal(obj map[string]any, out any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeParse, "re-encode model output: %s", err.Error()).WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeParse, "decode model output: %s", err.Error()).WithCause(err)
	}
	return nil
}
