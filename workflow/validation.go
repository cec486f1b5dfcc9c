package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Criteria are content checks applied to upstream data (preconditions) or to
// an agent's response (postconditions). Every failing check is reported.
type Criteria struct {
	MinContentLength   int      `json:"min_content_length,omitempty" yaml:"min_content_length,omitempty"`
	RequiredElements   []string `json:"required_elements,omitempty" yaml:"required_elements,omitempty"`
	RequiredSections   []string `json:"required_sections,omitempty" yaml:"required_sections,omitempty"`
	RequiredFiles      []string `json:"required_files,omitempty" yaml:"required_files,omitempty"`
	RequiredFeatures   []string `json:"required_features,omitempty" yaml:"required_features,omitempty"`
	RequiredOperations []string `json:"required_operations,omitempty" yaml:"required_operations,omitempty"`
	RequiredComponents []string `json:"required_components,omitempty" yaml:"required_components,omitempty"`
	RequiredEndpoints  []string `json:"required_endpoints,omitempty" yaml:"required_endpoints,omitempty"`
	RequiredKeywords   []string `json:"required_keywords,omitempty" yaml:"required_keywords,omitempty"`
	MaxOutputTokens    int      `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// IsZero reports whether the criteria check nothing.
func (c *Criteria) IsZero() bool {
	if c == nil {
		return true
	}
	return c.MinContentLength == 0 && c.MaxOutputTokens == 0 &&
		len(c.RequiredElements) == 0 && len(c.RequiredSections) == 0 &&
		len(c.RequiredFiles) == 0 && len(c.RequiredFeatures) == 0 &&
		len(c.RequiredOperations) == 0 && len(c.RequiredComponents) == 0 &&
		len(c.RequiredEndpoints) == 0 && len(c.RequiredKeywords) == 0
}

// Merge combines two criteria. Lists are concatenated, limits take the
// stricter value.
func (c *Criteria) Merge(o *Criteria) *Criteria {
	if c.IsZero() {
		return o
	}
	if o.IsZero() {
		return c
	}
	out := &Criteria{
		MinContentLength:   max(c.MinContentLength, o.MinContentLength),
		RequiredElements:   concat(c.RequiredElements, o.RequiredElements),
		RequiredSections:   concat(c.RequiredSections, o.RequiredSections),
		RequiredFiles:      concat(c.RequiredFiles, o.RequiredFiles),
		RequiredFeatures:   concat(c.RequiredFeatures, o.RequiredFeatures),
		RequiredOperations: concat(c.RequiredOperations, o.RequiredOperations),
		RequiredComponents: concat(c.RequiredComponents, o.RequiredComponents),
		RequiredEndpoints:  concat(c.RequiredEndpoints, o.RequiredEndpoints),
		RequiredKeywords:   concat(c.RequiredKeywords, o.RequiredKeywords),
		MaxOutputTokens:    c.MaxOutputTokens,
	}
	if o.MaxOutputTokens > 0 && (out.MaxOutputTokens == 0 || o.MaxOutputTokens < out.MaxOutputTokens) {
		out.MaxOutputTokens = o.MaxOutputTokens
	}
	return out
}

// Check returns one message per failed check. counter may be nil when
// MaxOutputTokens is unset.
func (c *Criteria) Check(content string, counter TokenCounter) []string {
	if c.IsZero() {
		return nil
	}
	var failures []string

	if c.MinContentLength > 0 && len(strings.TrimSpace(content)) < c.MinContentLength {
		failures = append(failures, fmt.Sprintf("content length %d below minimum %d",
			len(strings.TrimSpace(content)), c.MinContentLength))
	}

	lower := strings.ToLower(content)
	report := func(kind string, missing []string) {
		if len(missing) > 0 {
			failures = append(failures, fmt.Sprintf("missing %s: %s", kind, strings.Join(missing, ", ")))
		}
	}

	report("elements", missingItems(c.RequiredElements, func(e string) bool {
		return containsElement(content, e)
	}))
	report("sections", missingItems(c.RequiredSections, func(s string) bool {
		return strings.Contains(lower, strings.ToLower(s))
	}))
	report("files", missingItems(c.RequiredFiles, func(f string) bool {
		return strings.Contains(content, "===== "+f+" =====") || strings.Contains(content, f)
	}))
	report("features", missingItems(c.RequiredFeatures, func(f string) bool {
		return strings.Contains(lower, strings.ToLower(f))
	}))
	report("operations", missingItems(c.RequiredOperations, func(op string) bool {
		return strings.Contains(lower, strings.ToLower(op))
	}))
	report("components", missingItems(c.RequiredComponents, func(comp string) bool {
		return strings.Contains(content, comp)
	}))
	report("endpoints", missingItems(c.RequiredEndpoints, func(ep string) bool {
		return strings.Contains(content, ep)
	}))
	report("keywords", missingItems(c.RequiredKeywords, func(k string) bool {
		return strings.Contains(lower, strings.ToLower(k))
	}))

	if c.MaxOutputTokens > 0 && counter != nil {
		n, err := counter.CountTokens(content)
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("count tokens: %v", err))
		case n > c.MaxOutputTokens:
			failures = append(failures, fmt.Sprintf("output has %d tokens, limit %d", n, c.MaxOutputTokens))
		}
	}
	return failures
}

// containsElement accepts common spellings of an element name: as written,
// upper case, title case with spaces, or as a markdown heading.
func containsElement(content, element string) bool {
	spaced := strings.ReplaceAll(element, "_", " ")
	variants := []string{
		element,
		strings.ToUpper(element),
		titleCase(spaced),
		"## " + element,
		"# " + element,
		"## " + titleCase(spaced),
		"# " + titleCase(spaced),
	}
	for _, v := range variants {
		if strings.Contains(content, v) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func missingItems(items []string, present func(string) bool) []string {
	var missing []string
	for _, item := range items {
		if !present(item) {
			missing = append(missing, item)
		}
	}
	return missing
}

func concat(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// contentText renders agent content for criteria checks.
func contentText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
