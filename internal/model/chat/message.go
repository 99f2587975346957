package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

const (
	// AnonymousAuthorID is recorded when no user is signed in.
	AnonymousAuthorID = "anonymous"
	// GuestDisplayName is recorded when no user is signed in.
	GuestDisplayName = "Guest"
)

// Message is a single immutable conversation turn.
type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Sender      Sender    `json:"sender"`
	AuthorID    string    `json:"authorId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserIdentity is the signed-in user as reported by the identity provider.
type UserIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Author returns the author fields stamped on messages for the given user.
func Author(user *UserIdentity) (id, displayName string) {
	if user == nil {
		return AnonymousAuthorID, GuestDisplayName
	}
	id, displayName = user.ID, user.DisplayName
	if id == "" {
		id = AnonymousAuthorID
	}
	if displayName == "" {
		displayName = GuestDisplayName
	}
	return id, displayName
}
