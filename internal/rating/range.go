package rating

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Bounds is an inclusive rating interval. A missing side is unbounded.
type Bounds struct {
	Min    int
	Max    int
	HasMin bool
	HasMax bool
}

// Range is a rating band in one category, owned by a single role.
type Range struct {
	Category Category
	Bounds
}

var boundsPattern = regexp.MustCompile(`^(?:[Uu](\d{3,4})|(\d{3,4})\+|(\d{3,4})-(\d{3,4}))$`)

// ParseBounds recognizes "A-B" (inclusive), "U<N>" (everything below N) and
// "<N>+" (N and above). Numbers must have 3 or 4 digits.
func ParseBounds(raw string) (Bounds, bool) {
	m := boundsPattern.FindStringSubmatch(raw)
	if m == nil {
		return Bounds{}, false
	}
	switch {
	case m[1] != "":
		under, _ := strconv.Atoi(m[1])
		return Bounds{Max: under - 1, HasMax: true}, true
	case m[2] != "":
		min, _ := strconv.Atoi(m[2])
		return Bounds{Min: min, HasMin: true}, true
	default:
		min, _ := strconv.Atoi(m[3])
		max, _ := strconv.Atoi(m[4])
		if min > max {
			return Bounds{}, false
		}
		return Bounds{Min: min, Max: max, HasMin: true, HasMax: true}, true
	}
}

// ParseLabel parses a role label of the form "<bounds> <category>", for
// example "1400-1599 bullet" or "U1000 Blitz". Labels that are not rating
// bands are reported as not matching.
func ParseLabel(label string) (Range, bool) {
	fields := strings.Fields(label)
	if len(fields) != 2 {
		return Range{}, false
	}
	bounds, ok := ParseBounds(fields[0])
	if !ok {
		return Range{}, false
	}
	category, ok := ParseCategory(fields[1])
	if !ok {
		return Range{}, false
	}
	return Range{Category: category, Bounds: bounds}, true
}

func (b Bounds) Contains(value int) bool {
	if !b.HasMin && !b.HasMax {
		return false
	}
	if b.HasMin && value < b.Min {
		return false
	}
	if b.HasMax && value > b.Max {
		return false
	}
	return true
}

func (r Range) Contains(category Category, value int) bool {
	return r.Category == category && r.Bounds.Contains(value)
}

// Label renders the range the way a role would be named.
func (r Range) Label() string {
	switch {
	case r.HasMin && r.HasMax:
		return fmt.Sprintf("%d-%d %s", r.Min, r.Max, r.Category)
	case r.HasMin:
		return fmt.Sprintf("%d+ %s", r.Min, r.Category)
	case r.HasMax:
		return fmt.Sprintf("U%d %s", r.Max+1, r.Category)
	default:
		return ""
	}
}

func (r Range) String() string {
	min, max := "None", "None"
	if r.HasMin {
		min = strconv.Itoa(r.Min)
	}
	if r.HasMax {
		max = strconv.Itoa(r.Max)
	}
	return fmt.Sprintf("Range<category=%s min=%s max=%s>", r.Category, min, max)
}
