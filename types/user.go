package types

import "time"

type User struct {
	Id           string    `json:"id"`           // uuid, unique
	Username     string    `json:"username"`     // unique
	Email        string    `json:"email"`        // unique
	PasswordHash string    `json:"-"`            // bcrypt hash, never serialized
	AvatarUrl    string    `json:"avatarUrl"`    // optional
	BlockedUsers []string  `json:"blockedUsers"` // users this user blocked
	BlockedBy    []string  `json:"blockedBy"`    // users who blocked this user
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity holds the stable identity attributes of a user. This is what is broadcast to other clients, it must
// never carry credential claims.
type Identity struct {
	Id        string `json:"id" mapstructure:"-"`
	Username  string `json:"username" mapstructure:"-"`
	AvatarUrl string `json:"avatarUrl,omitempty" mapstructure:"-"`
}

func (u *User) Identity() Identity {
	return Identity{Id: u.Id, Username: u.Username, AvatarUrl: u.AvatarUrl}
}

// HasBlocked reports whether u blocked the user with the given id.
func (u *User) HasBlocked(userId string) bool {
	return containsString(u.BlockedUsers, userId)
}

// IsBlockedBy reports whether the user with the given id blocked u.
func (u *User) IsBlockedBy(userId string) bool {
	return containsString(u.BlockedBy, userId)
}

// UserSummary is the public projection of a user returned by the search.
type UserSummary struct {
	Id        string `json:"id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
}

func containsString(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
