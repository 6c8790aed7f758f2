package discord

import (
	"encoding/json"
	"strconv"
)

// Snowflake is a Discord id. The API encodes it as a JSON string.
type Snowflake uint64

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = 0
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n uint64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*s = Snowflake(n)
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = Snowflake(id)
	return nil
}

type User struct {
	ID       Snowflake `json:"id"`
	Username string    `json:"username"`
	Bot      bool      `json:"bot,omitempty"`
}

type Role struct {
	ID   Snowflake `json:"id"`
	Name string    `json:"name"`
}

type Guild struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Roles       []Role    `json:"roles"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

type GuildMember struct {
	User  *User       `json:"user,omitempty"`
	Roles []Snowflake `json:"roles"`
}

type Ready struct {
	User        User   `json:"user"`
	SessionID   string `json:"session_id"`
	Application struct {
		ID Snowflake `json:"id"`
	} `json:"application"`
}

// GuildDelete is sent when the bot leaves a guild, or when the guild
// becomes unavailable during an outage.
type GuildDelete struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

type GuildRoleEvent struct {
	GuildID Snowflake `json:"guild_id"`
	Role    Role      `json:"role"`
}

type GuildRoleDelete struct {
	GuildID Snowflake `json:"guild_id"`
	RoleID  Snowflake `json:"role_id"`
}

const (
	InteractionPing               = 1
	InteractionApplicationCommand = 2
)

type Interaction struct {
	ID            Snowflake        `json:"id"`
	ApplicationID Snowflake        `json:"application_id"`
	Type          int              `json:"type"`
	Token         string           `json:"token"`
	GuildID       Snowflake        `json:"guild_id"`
	Member        *GuildMember     `json:"member,omitempty"`
	User          *User            `json:"user,omitempty"`
	Data          *InteractionData `json:"data,omitempty"`
}

// Invoker returns the user who triggered the interaction.
func (i Interaction) Invoker() *User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

type InteractionData struct {
	ID   Snowflake `json:"id"`
	Name string    `json:"name"`
}

const (
	ResponseChannelMessage         = 4
	ResponseDeferredChannelMessage = 5

	FlagEphemeral = 1 << 6
)

type InteractionResponse struct {
	Type int           `json:"type"`
	Data *ResponseData `json:"data,omitempty"`
}

type ResponseData struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
	Flags   int     `json:"flags,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Command is a global slash command definition.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// DMPermission false restricts the command to guilds.
	DMPermission bool `json:"dm_permission"`
}

type Channel struct {
	ID Snowflake `json:"id"`
}
