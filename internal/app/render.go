package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/teotwaki/liro/internal/discord"
	"github.com/teotwaki/liro/internal/rating"
	"github.com/teotwaki/liro/internal/reconcile"
	"github.com/teotwaki/liro/internal/roles"
)

const (
	partialFailureNote = "Some roles could not be updated, please try again later."
	notLinkedMessage   = "Couldn't find a lichess user associated with your account. Please use the `/link` command first."
	checkDMsMessage    = "Please check your DMs :)"
	helpMessage        = "Hi, I'm liro!\n" +
		"I keep your rating roles in sync with your lichess ratings. To get started, link your lichess account with `/link`.\n" +
		"After that, run `/sync` whenever you want your roles updated. `/unlink` removes the link and your rating roles."
)

// formatChange renders one category line of the sync embed.
func formatChange(change rating.Change) string {
	switch change.Trend {
	case rating.Unchanged:
		return strconv.Itoa(change.New)
	case rating.Improved:
		return fmt.Sprintf(":chart_with_upwards_trend: %d -> %d", change.Old, change.New)
	case rating.Declined:
		return fmt.Sprintf(":chart_with_downwards_trend: %d -> %d", change.Old, change.New)
	case rating.NewlyRated:
		return fmt.Sprintf(":new: %d", change.New)
	case rating.LostRating:
		return fmt.Sprintf(":crying_cat_face: ~~%d~~", change.Old)
	default:
		return "Unrated (or provisional)"
	}
}

// roleNames prefers the band label the registry knows the role by and
// falls back to a mention.
func roleNames(registry *roles.Registry, community uint64, ids []uint64) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if rng, ok := registry.Range(community, id); ok {
			names = append(names, rng.Label())
			continue
		}
		names = append(names, fmt.Sprintf("<@&%d>", id))
	}
	return strings.Join(names, ", ")
}

func profileLink(lichessURL, username string) string {
	return fmt.Sprintf("[%s](%s/@/%s)", username, strings.TrimRight(lichessURL, "/"), username)
}

func renderSync(registry *roles.Registry, community uint64, lichessURL, version string, outcome reconcile.Outcome) discord.ResponseData {
	if outcome.Status == reconcile.NotLinked {
		return discord.ResponseData{Content: notLinkedMessage}
	}

	embed := discord.Embed{
		Description: fmt.Sprintf("Ratings for %s from [lichess](%s).", profileLink(lichessURL, outcome.Username), lichessURL),
		Footer: &discord.EmbedFooter{
			Text: fmt.Sprintf("liro version %s. Only the four rating categories above are considered. Provisional ratings are ignored.", version),
		},
	}
	for _, change := range outcome.Changes {
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:   change.Category.Title(),
			Value:  formatChange(change),
			Inline: true,
		})
	}
	if len(outcome.Added) > 0 {
		embed.Fields = append(embed.Fields, discord.EmbedField{Name: "Roles added", Value: roleNames(registry, community, outcome.Added)})
	}
	if len(outcome.Removed) > 0 {
		embed.Fields = append(embed.Fields, discord.EmbedField{Name: "Roles removed", Value: roleNames(registry, community, outcome.Removed)})
	}

	data := discord.ResponseData{Embeds: []discord.Embed{embed}}
	if outcome.Partial() {
		data.Content = partialFailureNote
	}
	return data
}

func renderUnlink(registry *roles.Registry, community uint64, outcome reconcile.Outcome) discord.ResponseData {
	if outcome.Status == reconcile.NotLinked {
		return discord.ResponseData{Content: notLinkedMessage}
	}
	content := fmt.Sprintf("Your account is no longer linked to lichess user %s.", outcome.Username)
	if len(outcome.Removed) > 0 {
		content += "\nRoles removed: " + roleNames(registry, community, outcome.Removed)
	}
	if outcome.Partial() {
		content += "\n" + partialFailureNote
	}
	return discord.ResponseData{Content: content}
}
