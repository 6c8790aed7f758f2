package rating

type Trend string

const (
	Unchanged  Trend = "unchanged"
	Improved   Trend = "improved"
	Declined   Trend = "declined"
	NewlyRated Trend = "newly_rated"
	LostRating Trend = "lost_rating"
	NeverRated Trend = "never_rated"
)

// Change compares one category across two snapshots.
type Change struct {
	Category Category
	Old      int
	New      int
	HadOld   bool
	HasNew   bool
	Trend    Trend
}

// Compare classifies every category in display order.
func Compare(old, current Ratings) []Change {
	changes := make([]Change, 0, len(Categories))
	for _, category := range Categories {
		before, hadOld := old[category]
		after, hasNew := current[category]
		change := Change{
			Category: category,
			Old:      before,
			New:      after,
			HadOld:   hadOld,
			HasNew:   hasNew,
		}
		switch {
		case hadOld && hasNew && before == after:
			change.Trend = Unchanged
		case hadOld && hasNew && after > before:
			change.Trend = Improved
		case hadOld && hasNew:
			change.Trend = Declined
		case hasNew:
			change.Trend = NewlyRated
		case hadOld:
			change.Trend = LostRating
		default:
			change.Trend = NeverRated
		}
		changes = append(changes, change)
	}
	return changes
}
