package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Persister is the durable repository for users, rooms, messages and anonymous identities.
// All single-record mutations are atomic; the find-or-create operations are atomic against the
// respective uniqueness constraint.
type Persister interface {
	StoreUser(types.User) error // ErrConflict if the username or the e-mail is taken by another user
	GetUser(*types.User) error
	GetUserByEmail(string) (*types.User, error)
	GetUsers() ([]*types.User, error)
	SetBlocked(blockerId, blockedId string, blocked bool) error // updates both users
	DeleteUser(*types.User) error

	// FindOrCreateDirectRoom stores room unless a direct room between its two members exists. In that case
	// room is overwritten with the existing one. It returns true if room was created.
	FindOrCreateDirectRoom(*types.Room) (bool, error)
	StoreRoom(types.Room) error
	GetRoom(*types.Room) error
	GetRooms() ([]*types.Room, error)
	GetRoomsForUser(userId string) ([]*types.Room, error)
	SetLastMessage(roomId string, messageId *string, ts time.Time) error

	// StoreMessage assigns the next per-room sequence number to the message and stores it.
	StoreMessage(*types.Message) error
	GetMessage(*types.Message) error
	GetMessages(roomId string) ([]*types.Message, error) // ascending by sequence number
	GetLatestMessage(roomId string) (*types.Message, error) // nil, nil if the room has no messages
	UpdateMessageContent(messageId, content string, ts time.Time) (*types.Message, error)
	DeleteMessage(messageId string) error

	// FindOrCreateAnonymousIdentity stores identity unless one for the same (user, room) pair exists. In that case
	// identity is overwritten with the existing one.
	FindOrCreateAnonymousIdentity(*types.AnonymousIdentity) error
	GetAnonymousIdentity(*types.AnonymousIdentity) error

	Close() error
}

// NewPersister creates the persister configured in cfg.PersistenceConfig.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "", "buntdb":
		return NewBuntPersister(cfg)

	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}
