package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// errAmbiguousMember is returned when a member is only found ignoring case
// and more than one member matches.
var errAmbiguousMember = errors.New("ambiguous member name")

// pathStep is one segment of a parsed path: either an object member or an
// array index.
type pathStep struct {
	name    string
	index   int
	isIndex bool
}

// parsePath understands the JSONPath subset used in rule documents:
// "$", "$.a.b", "$['a b'].c", "$.items[0]" and the bare form "a.b".
func parsePath(expr string) ([]pathStep, error) {
	p := strings.TrimSpace(expr)
	p = strings.TrimPrefix(p, "$")

	var steps []pathStep
	for i := 0; i < len(p); {
		switch p[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated '['", expr)
			}
			inner := strings.TrimSpace(p[i+1 : i+end])
			i += end + 1

			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				steps = append(steps, pathStep{name: inner[1 : len(inner)-1]})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("path %q: invalid index %q", expr, inner)
			}
			steps = append(steps, pathStep{index: n, isIndex: true})
		default:
			end := strings.IndexAny(p[i:], ".[")
			if end < 0 {
				end = len(p) - i
			}
			steps = append(steps, pathStep{name: p[i : i+end]})
			i += end
		}
	}
	return steps, nil
}

// member looks name up in obj. An exact match wins; otherwise a single
// case-insensitive match is accepted and several are ambiguous.
func member(obj gjson.Result, name string) (gjson.Result, error) {
	var exact, folded gjson.Result
	var hasExact bool
	folds := 0

	obj.ForEach(func(key, value gjson.Result) bool {
		if key.Str == name {
			exact, hasExact = value, true
			return false
		}
		if strings.EqualFold(key.Str, name) {
			if folds == 0 {
				folded = value
			}
			folds++
		}
		return true
	})

	switch {
	case hasExact:
		return exact, nil
	case folds > 1:
		return gjson.Result{}, fmt.Errorf("%w: %d members match %q ignoring case", errAmbiguousMember, folds, name)
	default:
		return folded, nil
	}
}

// selectRaw walks doc along expr and returns the raw bytes of the selected
// token. Sub-documents come back exactly as they appear in doc, so member
// order is preserved. ok is false when any step is absent.
func selectRaw(doc []byte, expr string) ([]byte, bool, error) {
	steps, err := parsePath(expr)
	if err != nil {
		return nil, false, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, false, fmt.Errorf("path %q: document is not valid JSON", expr)
	}

	cur := gjson.ParseBytes(doc)
	for _, step := range steps {
		if step.isIndex {
			if !cur.IsArray() {
				return nil, false, nil
			}
			cur = cur.Get(strconv.Itoa(step.index))
		} else {
			if !cur.IsObject() {
				return nil, false, nil
			}
			if cur, err = member(cur, step.name); err != nil {
				return nil, false, fmt.Errorf("path %q: %w", expr, err)
			}
		}
		if !cur.Exists() {
			return nil, false, nil
		}
	}

	if !cur.Exists() || cur.Type == gjson.Null {
		return nil, false, nil
	}
	return bytes.TrimSpace([]byte(cur.Raw)), true, nil
}

// rawToString renders a token as plain text: strings are unquoted, anything
// else is returned as its JSON text.
func rawToString(raw []byte) string {
	if res := gjson.ParseBytes(raw); res.Type == gjson.String {
		return res.Str
	}
	return string(raw)
}

// selectString is selectRaw followed by rawToString, with whitespace-only
// values reported as absent.
func selectString(doc []byte, expr string) (string, bool, error) {
	raw, ok, err := selectRaw(doc, expr)
	if err != nil || !ok {
		return "", false, err
	}
	s := strings.TrimSpace(rawToString(raw))
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}

// memberPath turns a destination path into object member names. The root
// path yields no names.
func memberPath(expr string) ([]string, error) {
	steps, err := parsePath(expr)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.isIndex || strings.TrimSpace(s.name) == "" {
			return nil, fmt.Errorf("destination path %q must address object members", expr)
		}
		names = append(names, s.name)
	}
	return names, nil
}

// setMember writes value at the member path in obj, creating intermediate
// objects and replacing intermediates that are not objects. Existing members
// keep their position; new ones are appended.
func setMember(obj []byte, names []string, value []byte) ([]byte, error) {
	var err error
	for i := 1; i < len(names); i++ {
		existing := gjson.GetBytes(obj, escapePath(names[:i], false))
		if existing.Exists() && !existing.IsObject() {
			if obj, err = sjson.SetRawBytes(obj, escapePath(names[:i], true), []byte("{}")); err != nil {
				return nil, err
			}
		}
	}
	return sjson.SetRawBytes(obj, escapePath(names, true), value)
}

// escapePath escapes member names into a dotted path. With forceKeys numeric
// names are marked as object keys so sjson does not create arrays.
func escapePath(names []string, forceKeys bool) string {
	parts := make([]string, len(names))
	for i, name := range names {
		var b strings.Builder
		if _, err := strconv.Atoi(name); err == nil && forceKeys {
			b.WriteByte(':')
		}
		for j := 0; j < len(name); j++ {
			switch c := name[j]; c {
			case '.', '\\', '|', '#', '@', '*', '?', '!', '=', '<', '>', '%':
				b.WriteByte('\\')
				b.WriteByte(c)
			case ':':
				if j == 0 {
					b.WriteByte('\\')
				}
				b.WriteByte(c)
			default:
				b.WriteByte(c)
			}
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ".")
}
