package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/phaseflow/types"
)

// PathRoot is the namespace a path expression is evaluated against.
type PathRoot string

const (
	RootUserInput PathRoot = "user_input"
	RootState     PathRoot = "workflow_state"
	RootLoopItem  PathRoot = "loop_item"
)

// ItemPlaceholder is substituted with the loop item id when a dynamic loop
// body is materialized.
const ItemPlaceholder = "{id}"

// Segment is one step of a path. Bracketed segments ("[key]") and dotted
// segments ("key") address the same map key; the flag only affects rendering.
type Segment struct {
	Name    string
	Bracket bool
}

// Path is a parsed, typed path expression such as
// workflow_state.phase_results[{id}].code.
type Path struct {
	Root     PathRoot
	Segments []Segment
}

// ParsePath parses a rooted path expression.
func ParsePath(raw string) (Path, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return Path{}, err
	}
	head := segs[0]
	switch root := PathRoot(head.Name); {
	case head.Bracket:
		return Path{}, fmt.Errorf("path %q: must start with a root name", raw)
	case root == RootUserInput || root == RootState || root == RootLoopItem:
		return Path{Root: root, Segments: segs[1:]}, nil
	default:
		return Path{}, fmt.Errorf("path %q: unknown root %q (want user_input, workflow_state or loop_item)", raw, head.Name)
	}
}

// ParseDestination parses an output destination. Destinations always live
// under workflow_state; the root may be omitted.
func ParseDestination(raw string) (Path, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return Path{}, err
	}
	if !segs[0].Bracket && PathRoot(segs[0].Name) == RootState {
		segs = segs[1:]
	} else if !segs[0].Bracket && (PathRoot(segs[0].Name) == RootUserInput || PathRoot(segs[0].Name) == RootLoopItem) {
		return Path{}, fmt.Errorf("destination %q: only workflow_state is writable", raw)
	}
	if len(segs) == 0 {
		return Path{}, fmt.Errorf("destination %q: must name a key under workflow_state", raw)
	}
	if reservedStateKey(segs[0].Name) {
		return Path{}, fmt.Errorf("destination %q: %q is maintained by the engine", raw, segs[0].Name)
	}
	return Path{Root: RootState, Segments: segs}, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func splitSegments(raw string) ([]Segment, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty path")
	}

	var (
		segs       []Segment
		cur        strings.Builder
		afterClose bool
	)
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, Segment{Name: cur.String()})
			cur.Reset()
		}
	}

	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case '.':
			if cur.Len() == 0 && !afterClose {
				return nil, fmt.Errorf("path %q: empty segment at offset %d", raw, i)
			}
			flush()
			afterClose = false
			if i == len(raw)-1 {
				return nil, fmt.Errorf("path %q: trailing dot", raw)
			}
		case '[':
			if cur.Len() == 0 && !afterClose && len(segs) == 0 {
				return nil, fmt.Errorf("path %q: must start with a name", raw)
			}
			flush()
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated bracket at offset %d", raw, i)
			}
			key := strings.TrimSpace(raw[i+1 : i+end])
			key = strings.Trim(key, `"'`)
			if key == "" {
				return nil, fmt.Errorf("path %q: empty bracket key at offset %d", raw, i)
			}
			segs = append(segs, Segment{Name: key, Bracket: true})
			i += end
			afterClose = true
		case ']':
			return nil, fmt.Errorf("path %q: unexpected ']' at offset %d", raw, i)
		default:
			if afterClose {
				return nil, fmt.Errorf("path %q: expected '.' or '[' after ']' at offset %d", raw, i)
			}
			cur.WriteByte(c)
		}
	}
	flush()
	if len(segs) == 0 {
		return nil, fmt.Errorf("path %q: no segments", raw)
	}
	return segs, nil
}

// String renders the path in its canonical form.
func (p Path) String() string {
	var sb strings.Builder
	sb.WriteString(string(p.Root))
	for _, s := range p.Segments {
		if s.Bracket {
			sb.WriteByte('[')
			sb.WriteString(s.Name)
			sb.WriteByte(']')
			continue
		}
		sb.WriteByte('.')
		sb.WriteString(s.Name)
	}
	return sb.String()
}

// IsZero reports whether the path was never set.
func (p Path) IsZero() bool {
	return p.Root == ""
}

// Templated reports whether any segment carries the loop item placeholder.
func (p Path) Templated() bool {
	for _, s := range p.Segments {
		if strings.Contains(s.Name, ItemPlaceholder) {
			return true
		}
	}
	return false
}

// Materialize substitutes the loop item id into every templated segment.
func (p Path) Materialize(itemID string) Path {
	out := Path{Root: p.Root, Segments: make([]Segment, len(p.Segments))}
	for i, s := range p.Segments {
		s.Name = strings.ReplaceAll(s.Name, ItemPlaceholder, itemID)
		out.Segments[i] = s
	}
	return out
}

// Overlaps reports whether writing one path could change the value at the
// other, i.e. one is a prefix of the other.
func (p Path) Overlaps(o Path) bool {
	if p.Root != o.Root {
		return false
	}
	n := min(len(p.Segments), len(o.Segments))
	for i := 0; i < n; i++ {
		if p.Segments[i].Name != o.Segments[i].Name {
			return false
		}
	}
	return true
}

// Covers reports whether a value read at p can be supplied by a write to
// template t. Templated segments in t match any concrete segment of the same
// shape, so loop body destinations cover their materialized reads.
func (p Path) Covers(t Path) bool {
	if p.Root != t.Root {
		return false
	}
	n := min(len(p.Segments), len(t.Segments))
	for i := 0; i < n; i++ {
		if !segmentMatches(p.Segments[i].Name, t.Segments[i].Name) {
			return false
		}
	}
	return true
}

func segmentMatches(concrete, template string) bool {
	if concrete == template {
		return true
	}
	idx := strings.Index(template, ItemPlaceholder)
	if idx < 0 {
		return false
	}
	prefix, suffix := template[:idx], template[idx+len(ItemPlaceholder):]
	return len(concrete) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(concrete, prefix) && strings.HasSuffix(concrete, suffix)
}

func (p Path) keys() []string {
	keys := make([]string, len(p.Segments))
	for i, s := range p.Segments {
		keys[i] = s.Name
	}
	return keys
}

// =============================================================================
// Tree traversal
// =============================================================================

// lookupValue walks keys through nested maps and slices.
func lookupValue(root any, keys []string) (any, bool) {
	cur := root
	for _, k := range keys {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[k]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[k]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]map[string]any:
			v, ok := node[k]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case []string:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case []map[string]any:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// checkSettable verifies that keys can be written into root without
// replacing a non-map intermediate.
func checkSettable(root map[string]any, keys []string) error {
	cur := root
	for i, k := range keys[:len(keys)-1] {
		next, ok := cur[k]
		if !ok {
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return types.NewError(types.ErrDefinition,
				fmt.Sprintf("cannot write below %q: existing value is %T", strings.Join(keys[:i+1], "."), next))
		}
		cur = m
	}
	return nil
}

// setValue writes v at keys, creating intermediate maps. Callers must run
// checkSettable first.
func setValue(root map[string]any, keys []string, v any) {
	cur := root
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = v
}
