package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConditionSet maps request attributes to matchers. All present
// conditions must match for the owning rule to apply (AND semantics).
//
// Attribute names resolve against the request first ("principal.id",
// "action", "resource.type", "resource.id", "resource.name",
// "environment", "tool") and fall back to the request context map,
// with dots descending into nested maps.
type ConditionSet map[string]Matcher

// Matcher is the closed set of condition variants. Exactly one variant
// must be populated. The wire form accepts a bare scalar for equality,
// or one of the tagged forms {"$in": …}, {"$regex": …}, {"$window": …},
// {"$any_role": …}.
type Matcher struct {
	// Equals matches when the attribute equals this value.
	Equals any
	// In matches when the attribute is a member of this set.
	In []any
	// Regex matches when the attribute's string form matches this pattern.
	Regex string
	// Window matches when the request timestamp falls inside the window.
	Window *TimeWindow
	// AnyRole matches when the principal's roles intersect this set.
	AnyRole []string
}

// matcherWire is the tagged JSON form of the non-scalar variants.
type matcherWire struct {
	In      []any       `json:"$in,omitempty"`
	Regex   string      `json:"$regex,omitempty"`
	Window  *TimeWindow `json:"$window,omitempty"`
	AnyRole []string    `json:"$any_role,omitempty"`
	Eq      any         `json:"$eq,omitempty"`
}

// UnmarshalJSON decodes either a bare scalar (equality) or a tagged object.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = Matcher{Equals: v}
		return nil
	}

	var w matcherWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Matcher{Equals: w.Eq, In: w.In, Regex: w.Regex, Window: w.Window, AnyRole: w.AnyRole}
	return nil
}

// MarshalJSON emits the bare scalar form for equality and the tagged
// form for everything else.
func (m Matcher) MarshalJSON() ([]byte, error) {
	switch {
	case m.In != nil:
		return json.Marshal(matcherWire{In: m.In})
	case m.Regex != "":
		return json.Marshal(matcherWire{Regex: m.Regex})
	case m.Window != nil:
		return json.Marshal(matcherWire{Window: m.Window})
	case m.AnyRole != nil:
		return json.Marshal(matcherWire{AnyRole: m.AnyRole})
	default:
		return json.Marshal(m.Equals)
	}
}

// variantCount returns how many variants are populated.
func (m Matcher) variantCount() int {
	n := 0
	if m.Equals != nil {
		n++
	}
	if m.In != nil {
		n++
	}
	if m.Regex != "" {
		n++
	}
	if m.Window != nil {
		n++
	}
	if m.AnyRole != nil {
		n++
	}
	return n
}

// Validate checks every matcher has exactly one variant and that regex
// patterns and time windows are well-formed.
func (cs ConditionSet) Validate() error {
	for attr, m := range cs {
		if m.variantCount() != 1 {
			return &FieldError{Field: "conditions." + attr, Reason: "matcher must have exactly one variant"}
		}
		if m.Regex != "" {
			if _, err := regexp.Compile(m.Regex); err != nil {
				return &FieldError{Field: "conditions." + attr, Reason: fmt.Sprintf("invalid regex: %v", err)}
			}
		}
		if m.Window != nil {
			if err := m.Window.Validate(); err != nil {
				return &FieldError{Field: "conditions." + attr, Reason: err.Error()}
			}
		}
	}
	return nil
}

// RegexCache compiles regex patterns, typically caching compiled
// programs across evaluations. A nil RegexCache compiles directly.
type RegexCache interface {
	Compile(pattern string) (*regexp.Regexp, error)
}

func compilePattern(rc RegexCache, pattern string) (*regexp.Regexp, error) {
	if rc != nil {
		return rc.Compile(pattern)
	}
	return regexp.Compile(pattern)
}

// Match evaluates every condition in the set against the request.
// All conditions must match. A regex that fails to compile at
// evaluation time does not match (it was rejected on write; this is
// the fail-closed path for stores seeded out-of-band).
func (cs ConditionSet) Match(req *EnforcementRequest, rc RegexCache) bool {
	for attr, m := range cs {
		if !m.match(attr, req, rc) {
			return false
		}
	}
	return true
}

func (m Matcher) match(attr string, req *EnforcementRequest, rc RegexCache) bool {
	switch {
	case m.AnyRole != nil:
		return rolesIntersect(req.Principal.Roles, m.AnyRole)
	case m.Window != nil:
		return m.Window.Contains(req.Timestamp)
	case m.In != nil:
		val, ok := req.Attribute(attr)
		if !ok {
			return false
		}
		for _, candidate := range m.In {
			if looseEqual(val, candidate) {
				return true
			}
		}
		return false
	case m.Regex != "":
		val, ok := req.Attribute(attr)
		if !ok {
			return false
		}
		re, err := compilePattern(rc, m.Regex)
		if err != nil {
			return false
		}
		return re.MatchString(stringify(val))
	default:
		val, ok := req.Attribute(attr)
		if !ok {
			return false
		}
		return looseEqual(val, m.Equals)
	}
}

// rolesIntersect reports whether any role appears in both sets.
func rolesIntersect(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, r := range have {
		set[r] = true
	}
	for _, r := range want {
		if set[r] {
			return true
		}
	}
	return false
}

// looseEqual compares values across the JSON scalar types, so a policy
// authored with 42 matches a context carrying float64(42) or "42".
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// TimeWindow restricts a rule to recurring weekly time ranges.
type TimeWindow struct {
	// Days are lowercase three-letter day names ("mon".."sun").
	// Empty means every day.
	Days []string `json:"days,omitempty"`
	// Start is the inclusive window start in "HH:MM" 24h form.
	Start string `json:"start"`
	// End is the exclusive window end in "HH:MM" 24h form.
	End string `json:"end"`
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Validate checks day names, time format, and timezone.
func (w *TimeWindow) Validate() error {
	for _, d := range w.Days {
		if _, ok := dayNames[d]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	if _, err := parseHHMM(w.Start); err != nil {
		return fmt.Errorf("invalid start %q: %w", w.Start, err)
	}
	if _, err := parseHHMM(w.End); err != nil {
		return fmt.Errorf("invalid end %q: %w", w.End, err)
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window. Windows that
// cross midnight (start > end) wrap to the next day.
func (w *TimeWindow) Contains(t time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if dayNames[d] == local.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	start, err1 := parseHHMM(w.Start)
	end, err2 := parseHHMM(w.End)
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Wraps midnight.
	return minutes >= start || minutes < end
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute")
	}
	return h*60 + m, nil
}
