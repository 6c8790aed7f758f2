// Package rating holds rating categories, rating bands parsed from role
// labels, and the comparison of two rating snapshots.
package rating

import "strings"

type Category string

const (
	Bullet    Category = "bullet"
	Blitz     Category = "blitz"
	Rapid     Category = "rapid"
	Classical Category = "classical"
)

// Categories lists every tracked category in display order.
var Categories = []Category{Bullet, Blitz, Rapid, Classical}

func ParseCategory(value string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case Bullet:
		return Bullet, true
	case Blitz:
		return Blitz, true
	case Rapid:
		return Rapid, true
	case Classical:
		return Classical, true
	default:
		return "", false
	}
}

// Title returns the category name as shown to members.
func (c Category) Title() string {
	if c == "" {
		return ""
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}

// Ratings maps a category to its established (non-provisional) rating.
// A missing category means unrated.
type Ratings map[Category]int

func (r Ratings) Clone() Ratings {
	out := make(Ratings, len(r))
	for category, value := range r {
		out[category] = value
	}
	return out
}
