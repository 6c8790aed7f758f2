package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teotwaki/liro/internal/discord"
	"github.com/teotwaki/liro/internal/rating"
	"github.com/teotwaki/liro/internal/reconcile"
	"github.com/teotwaki/liro/internal/store"
)

func newTestBot(t *testing.T) (*Bot, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	bot := NewBot(env.service, "https://lichess.example", "1.2.3")
	bot.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return bot, env
}

func guild(id uint64, roles ...discord.Role) discord.Guild {
	return discord.Guild{ID: discord.Snowflake(id), Name: "club", Roles: roles}
}

func role(id uint64, name string) discord.Role {
	return discord.Role{ID: discord.Snowflake(id), Name: name}
}

func TestReadyRegistersCommands(t *testing.T) {
	bot, env := newTestBot(t)
	ready := discord.Ready{}
	ready.Application.ID = 77
	bot.Ready(context.Background(), ready)

	if env.chat.appID != 77 {
		t.Fatalf("commands registered for %d", env.chat.appID)
	}
	names := make([]string, 0, len(env.chat.commands))
	for _, command := range env.chat.commands {
		names = append(names, command.Name)
	}
	if got := strings.Join(names, ","); got != "link,sync,unlink,help" {
		t.Fatalf("registered %s", got)
	}
}

func TestGuildCreateBuildsRegistry(t *testing.T) {
	bot, env := newTestBot(t)
	ctx := context.Background()

	bot.GuildCreate(ctx, guild(100,
		role(1, "@everyone"),
		role(2, "1400-1599 blitz"),
		role(3, "U1000 Bullet"),
		role(4, "moderators"),
	))

	got := env.registry.Roles(100)
	if len(got) != 2 {
		t.Fatalf("expected 2 band roles, got %v", got)
	}
	if _, ok := env.registry.Range(100, 3); !ok {
		t.Fatal("expected U1000 Bullet to be registered")
	}

	community, err := env.store.GetCommunity(ctx, 100)
	if err != nil {
		t.Fatalf("community not saved: %v", err)
	}
	if community.Name != "club" || !community.JoinedAt.Equal(bot.now()) {
		t.Fatalf("unexpected community %+v", community)
	}
}

func TestGuildCreateResetsRegistryAndKeepsJoinDate(t *testing.T) {
	bot, env := newTestBot(t)
	ctx := context.Background()
	joined := bot.now()

	bot.GuildCreate(ctx, guild(100, role(2, "1400-1599 blitz")))
	bot.now = func() time.Time { return joined.Add(time.Hour) }
	bot.GuildCreate(ctx, guild(100, role(5, "2000+ rapid")))

	if _, ok := env.registry.Range(100, 2); ok {
		t.Fatal("stale role survived a fresh GUILD_CREATE")
	}
	if _, ok := env.registry.Range(100, 5); !ok {
		t.Fatal("new role missing")
	}
	community, err := env.store.GetCommunity(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !community.JoinedAt.Equal(joined) {
		t.Fatalf("join date moved to %s", community.JoinedAt)
	}
}

func TestGuildDelete(t *testing.T) {
	bot, env := newTestBot(t)
	ctx := context.Background()
	bot.GuildCreate(ctx, guild(100, role(2, "1400-1599 blitz")))

	bot.GuildDelete(ctx, discord.GuildDelete{ID: 100, Unavailable: true})
	if !env.registry.HasCommunity(100) {
		t.Fatal("an outage must not drop the community")
	}

	bot.GuildDelete(ctx, discord.GuildDelete{ID: 100})
	if env.registry.HasCommunity(100) {
		t.Fatal("community still registered")
	}
	if _, err := env.store.GetCommunity(ctx, 100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected community record gone, got %v", err)
	}
}

func TestRoleEvents(t *testing.T) {
	bot, env := newTestBot(t)
	ctx := context.Background()
	bot.GuildCreate(ctx, guild(100))

	bot.RoleCreate(ctx, discord.GuildRoleEvent{GuildID: 100, Role: role(9, "new role")})
	if _, ok := env.registry.Range(100, 9); ok {
		t.Fatal("non-band role registered")
	}

	bot.RoleUpdate(ctx, discord.GuildRoleEvent{GuildID: 100, Role: role(9, "1800-1999 classical")})
	rng, ok := env.registry.Range(100, 9)
	if !ok || rng.Category != rating.Classical {
		t.Fatalf("rename to band label not picked up: %v %v", rng, ok)
	}

	bot.RoleUpdate(ctx, discord.GuildRoleEvent{GuildID: 100, Role: role(9, "veterans")})
	if _, ok := env.registry.Range(100, 9); ok {
		t.Fatal("rename away from band label should drop the role")
	}

	bot.RoleCreate(ctx, discord.GuildRoleEvent{GuildID: 100, Role: role(10, "2000+ blitz")})
	bot.RoleDelete(ctx, discord.GuildRoleDelete{GuildID: 100, RoleID: 10})
	if _, ok := env.registry.Range(100, 10); ok {
		t.Fatal("deleted role still registered")
	}
}

func command(name string) discord.Interaction {
	return discord.Interaction{
		ID:            5,
		ApplicationID: 77,
		Type:          discord.InteractionApplicationCommand,
		Token:         "tok",
		GuildID:       100,
		Member:        &discord.GuildMember{User: &discord.User{ID: 7, Username: "member"}},
		Data:          &discord.InteractionData{Name: name},
	}
}

func TestSyncCommand(t *testing.T) {
	bot, env := newTestBot(t)
	ctx := context.Background()
	bot.GuildCreate(ctx, guild(100, role(2, "1000-1199 blitz"), role(3, "U1000 blitz")))
	env.reconciler.ReconcileFn = func(_ context.Context, community, member uint64) (reconcile.Outcome, error) {
		if community != 100 || member != 7 {
			t.Errorf("reconciled %d/%d", community, member)
		}
		return reconcile.Outcome{
			Status:   reconcile.Synced,
			Username: "Magnus",
			Added:    []uint64{2},
			Removed:  []uint64{3},
			Changes: rating.Compare(
				rating.Ratings{rating.Blitz: 990},
				rating.Ratings{rating.Blitz: 1150},
			),
		}, nil
	}

	bot.InteractionCreate(ctx, command("sync"))

	if len(env.chat.responses) != 1 || env.chat.responses[0].Type != discord.ResponseDeferredChannelMessage {
		t.Fatalf("expected a deferred response, got %+v", env.chat.responses)
	}
	if env.chat.responses[0].Data.Flags != 0 {
		t.Fatal("sync results should be public")
	}
	if len(env.chat.edits) != 1 || len(env.chat.edits[0].Embeds) != 1 {
		t.Fatalf("expected one embed, got %+v", env.chat.edits)
	}
	fields := map[string]string{}
	for _, field := range env.chat.edits[0].Embeds[0].Fields {
		fields[field.Name] = field.Value
	}
	if fields["Blitz"] != ":chart_with_upwards_trend: 990 -> 1150" {
		t.Fatalf("blitz field = %q", fields["Blitz"])
	}
	if fields["Roles added"] != "1000-1199 blitz" || fields["Roles removed"] != "U1000 blitz" {
		t.Fatalf("unexpected role fields %v", fields)
	}
}

func TestSyncCommandNotLinked(t *testing.T) {
	bot, env := newTestBot(t)
	env.reconciler.ReconcileFn = func(context.Context, uint64, uint64) (reconcile.Outcome, error) {
		return reconcile.Outcome{Status: reconcile.NotLinked}, nil
	}

	bot.InteractionCreate(context.Background(), command("sync"))

	if len(env.chat.edits) != 1 || env.chat.edits[0].Content != notLinkedMessage {
		t.Fatalf("unexpected edits %+v", env.chat.edits)
	}
}

func TestSyncCommandUpstreamFailure(t *testing.T) {
	bot, env := newTestBot(t)
	env.reconciler.ReconcileFn = func(context.Context, uint64, uint64) (reconcile.Outcome, error) {
		return reconcile.Outcome{}, reconcile.ErrFetchRatings
	}

	bot.InteractionCreate(context.Background(), command("sync"))

	if len(env.chat.edits) != 1 || !strings.Contains(env.chat.edits[0].Content, "unavailable") {
		t.Fatalf("unexpected edits %+v", env.chat.edits)
	}
}

func TestLinkCommand(t *testing.T) {
	bot, env := newTestBot(t)

	bot.InteractionCreate(context.Background(), command("link"))

	if env.chat.responses[0].Data.Flags != discord.FlagEphemeral {
		t.Fatal("link answer should be ephemeral")
	}
	if len(env.chat.messages) != 1 || env.chat.messages[0].user != 7 {
		t.Fatalf("expected a DM to member 7, got %+v", env.chat.messages)
	}
	if env.chat.edits[0].Content != checkDMsMessage {
		t.Fatalf("unexpected answer %q", env.chat.edits[0].Content)
	}
}

func TestUnlinkCommand(t *testing.T) {
	bot, env := newTestBot(t)
	bot.GuildCreate(context.Background(), guild(100, role(2, "1000-1199 blitz")))
	env.reconciler.UnlinkFn = func(context.Context, uint64, uint64) (reconcile.Outcome, error) {
		return reconcile.Outcome{Status: reconcile.Unlinked, Username: "Magnus", Removed: []uint64{2}}, nil
	}

	bot.InteractionCreate(context.Background(), command("unlink"))

	content := env.chat.edits[0].Content
	if !strings.Contains(content, "Magnus") || !strings.Contains(content, "1000-1199 blitz") {
		t.Fatalf("unexpected answer %q", content)
	}
}

func TestHelpAndDirectMessageCommands(t *testing.T) {
	bot, env := newTestBot(t)

	bot.InteractionCreate(context.Background(), command("help"))
	dm := command("sync")
	dm.GuildID = 0
	dm.Member = nil
	dm.User = &discord.User{ID: 7}
	bot.InteractionCreate(context.Background(), dm)

	if len(env.chat.responses) != 2 || len(env.chat.edits) != 0 {
		t.Fatalf("expected two immediate responses, got %+v / %+v", env.chat.responses, env.chat.edits)
	}
	if env.chat.responses[0].Data.Content != helpMessage {
		t.Fatalf("unexpected help %q", env.chat.responses[0].Data.Content)
	}
	if !strings.Contains(env.chat.responses[1].Data.Content, "server") {
		t.Fatalf("unexpected DM answer %q", env.chat.responses[1].Data.Content)
	}
	if len(env.reconciler.reconciled) != 0 {
		t.Fatal("sync outside a server must not reconcile")
	}
}

func TestDeferFailureSkipsWork(t *testing.T) {
	bot, env := newTestBot(t)
	env.chat.RespondInteractionFn = func(context.Context, uint64, string, discord.InteractionResponse) error {
		return errors.New("unknown interaction")
	}

	bot.InteractionCreate(context.Background(), command("sync"))

	if len(env.reconciler.reconciled) != 0 || len(env.chat.edits) != 0 {
		t.Fatal("expired interaction should not be processed")
	}
}
