package metrics

import (
	"encoding/json"
	"sort"
	"strings"
)

// Labels is a label set attached to a data point
type Labels map[string]string

var labelEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `=`, `\=`)

// Key returns the canonical form: keys sorted, rendered as k=v joined by commas.
// Two label sets with the same pairs always produce the same key.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	keys := l.sortedKeys()
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(labelEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(labelEscaper.Replace(l[k]))
	}
	return b.String()
}

// JSON returns the label set encoded as a JSON object ("{}" when empty)
func (l Labels) JSON() string {
	if len(l) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, so the output is canonical too
	data, err := json.Marshal(map[string]string(l))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Clone returns a copy that does not share the underlying map
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedKeys returns the label names in ascending order
func (l Labels) SortedKeys() []string {
	return l.sortedKeys()
}

// ParseLabelsJSON decodes a JSON label object; empty input yields nil
func ParseLabelsJSON(s string) (Labels, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var out Labels
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
