package store

import (
	"time"

	"github.com/teotwaki/liro/internal/rating"
)

type Community struct {
	ID       uint64    `json:"id,string"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Member links a chat member of one community to a lichess account.
type Member struct {
	CommunityID uint64         `json:"community_id,string"`
	MemberID    uint64         `json:"member_id,string"`
	Username    string         `json:"lichess_username"`
	Ratings     rating.Ratings `json:"ratings"`
	Version     uint64         `json:"version"`
	LinkedAt    time.Time      `json:"linked_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// raw holds the bytes the record was loaded from, used as the expected
	// value when the record is written back.
	raw []byte
}

// Challenge is a pending account-linking handshake.
type Challenge struct {
	ID           uint64    `json:"id,string"`
	CommunityID  uint64    `json:"community_id,string"`
	MemberID     uint64    `json:"member_id,string"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

type Stats struct {
	Communities   int `json:"communities"`
	Members       int `json:"members"`
	UniqueMembers int `json:"unique_members"`
	Challenges    int `json:"challenges"`
}
