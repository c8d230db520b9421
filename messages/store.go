package messages

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Publisher receives the events of committed mutations. ws.Hub implements it.
type Publisher interface {
	Publish(roomId string, kind types.EventKind, payload interface{})
}

// Store is the durable message CRUD. Mutations of one room are serialized, and every committed mutation is
// published (in commit order) to the Publisher, if there is one.
type Store struct {
	persister persistence.Persister
	directory *room.Directory
	publisher Publisher
	policy    *filter.Policy
	locks     roomLocks
	logger    hclog.Logger
	now       func() time.Time
}

// NewStore creates a message store. publisher may be nil.
func NewStore(persister persistence.Persister, directory *room.Directory, publisher Publisher) *Store {
	return &Store{
		persister: persister,
		directory: directory,
		publisher: publisher,
		locks:     roomLocks{locks: make(map[string]*roomLock)},
		logger:    globals.AppLogger.Named("messages"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPolicy sets the policy that rejects new and edited message contents. It must be called before the store is used.
func (s *Store) SetPolicy(policy *filter.Policy) {
	s.policy = policy
}

func (s *Store) publish(roomId string, kind types.EventKind, payload interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(roomId, kind, payload)
}

// Send stores a new message of senderId in roomId and returns its client projection. Messages to anonymous rooms
// are always anonymous.
func (s *Store) Send(roomId, senderId, content string, anonymous bool) (*types.MessageView, error) {
	content = strings.TrimSpace(content)
	if roomId == "" {
		return nil, types.InvalidArgument("roomId is required")
	}
	if content == "" {
		return nil, types.InvalidArgument("content is required")
	}
	r, err := s.directory.RoomForMember(roomId, senderId)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(roomId)
	defer unlock()

	now := s.now()
	msg := types.Message{
		Id:        uuid.NewString(),
		RoomId:    roomId,
		SenderId:  senderId,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg.IsAnonymous = anonymous || r.IsAnonymousWorld
	if s.policy.Rejects(filter.NewEnv(&msg, r.Type, false)) {
		return nil, types.InvalidArgument("message rejected")
	}
	if msg.IsAnonymous {
		identity, err := s.anonymousIdentity(senderId, roomId)
		if err != nil {
			return nil, err
		}
		msg.AnonymousIdentityId = identity.Id
	}
	err = s.persister.StoreMessage(&msg)
	if err != nil {
		return nil, types.Internal(err)
	}
	err = s.directory.TouchLastMessage(roomId, msg.Id, now)
	if err != nil {
		s.logger.Error("could not update last message", "room", roomId, "message", msg.Id, "error", err)
	}
	view, err := s.directory.ViewMessage(&msg)
	if err != nil {
		return nil, err
	}
	s.publish(roomId, types.EventMessageReceived, view)
	return view, nil
}

// anonymousIdentity returns the alias of userId in roomId, creating it on first use. The avatar seed is derived
// from the random identity id and the alias only, it must not be computable from the user.
func (s *Store) anonymousIdentity(userId, roomId string) (*types.AnonymousIdentity, error) {
	identity := types.AnonymousIdentity{
		Id:        uuid.NewString(),
		UserId:    userId,
		RoomId:    roomId,
		AliasName: goname.New(goname.FantasyMap).FirstLast(),
		CreatedAt: s.now(),
	}
	seed, err := hashstructure.Hash(struct {
		IdentityId string
		AliasName  string
	}{identity.Id, identity.AliasName}, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, types.Internal(err)
	}
	identity.AvatarSeed = strconv.FormatUint(seed, 16)
	err = s.persister.FindOrCreateAnonymousIdentity(&identity)
	if err != nil {
		return nil, types.Internal(err)
	}
	return &identity, nil
}

// List returns all messages of roomId, oldest first.
func (s *Store) List(roomId, requesterId string) (*types.MessageList, error) {
	r, err := s.directory.RoomForMember(roomId, requesterId)
	if err != nil {
		return nil, err
	}
	msgs, err := s.persister.GetMessages(roomId)
	if err != nil {
		return nil, types.Internal(err)
	}
	views := make([]*types.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view, err := s.directory.ViewMessage(msg)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return &types.MessageList{
		Messages: views,
		RoomId:   roomId,
		ChatType: r.Type,
	}, nil
}

func (s *Store) getMessage(messageId string) (*types.Message, error) {
	if messageId == "" {
		return nil, types.NotFound("message not found")
	}
	msg := types.Message{Id: messageId}
	err := s.persister.GetMessage(&msg)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NotFound("message not found")
		}
		return nil, types.Internal(err)
	}
	return &msg, nil
}

// lockMessage loads the message and locks its room. On success the caller must call the returned unlock function.
// The message is loaded again under the lock, it may have been deleted in the meantime.
func (s *Store) lockMessage(messageId string) (*types.Message, func(), error) {
	msg, err := s.getMessage(messageId)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.lock(msg.RoomId)
	msg, err = s.getMessage(messageId)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return msg, unlock, nil
}

// Edit replaces the content of a message. Only the sender may edit.
func (s *Store) Edit(messageId, editorId, newContent string) (*types.MessageView, error) {
	msg, unlock, err := s.lockMessage(messageId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if msg.SenderId != editorId {
		return nil, types.PermissionDenied()
	}
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, types.InvalidArgument("content is required")
	}
	if msg.IsEdited && msg.Content == newContent {
		// nothing to commit, e.g. a repeated edit request
		return s.directory.ViewMessage(msg)
	}
	if s.policy != nil {
		r, err := s.directory.GetRoom(msg.RoomId)
		if err != nil {
			return nil, err
		}
		edited := *msg
		edited.Content = newContent
		if s.policy.Rejects(filter.NewEnv(&edited, r.Type, true)) {
			return nil, types.InvalidArgument("message rejected")
		}
	}
	updated, err := s.persister.UpdateMessageContent(messageId, newContent, s.now())
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NotFound("message not found")
		}
		return nil, types.Internal(err)
	}
	view, err := s.directory.ViewMessage(updated)
	if err != nil {
		return nil, err
	}
	s.publish(updated.RoomId, types.EventMessageUpdated, types.MessageUpdated{
		MessageId:  updated.Id,
		RoomId:     updated.RoomId,
		NewContent: updated.Content,
	})
	return view, nil
}

// Delete removes a message. Only the sender may delete, and only while still being a member of the room. If the
// message was the room's last message, the pointer moves to the newest remaining message. It returns the room id.
func (s *Store) Delete(messageId, requesterId string) (string, error) {
	msg, unlock, err := s.lockMessage(messageId)
	if err != nil {
		return "", err
	}
	defer unlock()

	r, err := s.directory.RoomForMember(msg.RoomId, requesterId)
	if err != nil {
		return "", err
	}
	if msg.SenderId != requesterId {
		return "", types.PermissionDenied()
	}
	err = s.persister.DeleteMessage(messageId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", types.NotFound("message not found")
		}
		return "", types.Internal(err)
	}
	if r.LastMessageId != nil && *r.LastMessageId == messageId {
		err = s.repointLastMessage(r.Id)
		if err != nil {
			s.logger.Error("could not update last message", "room", r.Id, "error", err)
		}
	}
	s.publish(msg.RoomId, types.EventMessageDeleted, messageId)
	return msg.RoomId, nil
}

func (s *Store) repointLastMessage(roomId string) error {
	latest, err := s.persister.GetLatestMessage(roomId)
	if err != nil {
		return err
	}
	if latest == nil {
		return s.directory.SetLastMessage(roomId, nil, s.now())
	}
	return s.directory.SetLastMessage(roomId, &latest.Id, s.now())
}

type roomLock struct {
	sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room. Entries are dropped when no one holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

func (l *roomLocks) lock(roomId string) func() {
	l.mu.Lock()
	rl, ok := l.locks[roomId]
	if !ok {
		rl = &roomLock{}
		l.locks[roomId] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomId)
		}
		l.mu.Unlock()
	}
}
