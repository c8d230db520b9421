package room

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
	"golang.org/x/sync/singleflight"
)

const (
	minGroupNameLength = 3
	minGroupOthers     = 2
	unknownUsername    = "Unknown user"
)

// AnonymousAvatarUrl is the avatar shown for an anonymous identity.
func AnonymousAvatarUrl(seed string) string {
	return "/api/anonymous-avatar?seed=" + seed
}

// Directory is the membership authority: it creates rooms, answers who may see what and keeps the last message
// pointers. It also resolves user identities, which are cached.
type Directory struct {
	persister  persistence.Persister
	identities *lru.Cache
	lookups    singleflight.Group
	logger     hclog.Logger
	now        func() time.Time
}

func NewDirectory(persister persistence.Persister, cacheSize int) (*Directory, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Directory{
		persister:  persister,
		identities: cache,
		logger:     globals.AppLogger.Named("directory"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// LookupIdentity returns the public identity of a user. Concurrent misses for the same user share one lookup.
func (d *Directory) LookupIdentity(userId string) (types.Identity, error) {
	if v, ok := d.identities.Get(userId); ok {
		return v.(types.Identity), nil
	}
	v, err, _ := d.lookups.Do(userId, func() (interface{}, error) {
		user := types.User{Id: userId}
		err := d.persister.GetUser(&user)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, types.NotFound("user not found")
			}
			return nil, types.Internal(err)
		}
		identity := user.Identity()
		d.identities.Add(userId, identity)
		return identity, nil
	})
	if err != nil {
		return types.Identity{}, err
	}
	return v.(types.Identity), nil
}

// InvalidateIdentity drops a cached identity, it must be called whenever a user is changed or removed.
func (d *Directory) InvalidateIdentity(userId string) {
	d.identities.Remove(userId)
}

func (d *Directory) userExists(userId string) (bool, error) {
	_, err := d.LookupIdentity(userId)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDirect returns the direct room between userA and userB, creating it if necessary. The boolean result is
// true if the room was created.
func (d *Directory) CreateDirect(userA, userB string) (*types.Room, bool, error) {
	if userB == "" {
		return nil, false, types.InvalidArgument("userId is required")
	}
	if userA == userB {
		return nil, false, types.InvalidArgument("cannot create a chat with yourself")
	}
	exists, err := d.userExists(userB)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, types.InvalidArgument("user does not exist")
	}
	now := d.now()
	room := types.Room{
		Id:        uuid.NewString(),
		Type:      types.RoomTypeDirect,
		Members:   []string{userA, userB},
		Admins:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := d.persister.FindOrCreateDirectRoom(&room)
	if err != nil {
		return nil, false, types.Internal(err)
	}
	if created {
		d.logger.Debug("direct room created", "room", room.Id)
	}
	return &room, created, nil
}

// CreateGroup creates a group room administrated by creatorId. Anonymous groups hide the senders of all messages.
func (d *Directory) CreateGroup(creatorId, name string, memberIds []string, anonymous bool) (*types.Room, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) < minGroupNameLength {
		return nil, types.InvalidArgument("group name must have at least 3 characters")
	}
	seen := map[string]struct{}{creatorId: {}}
	others := make([]string, 0, len(memberIds))
	for _, id := range memberIds {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) < minGroupOthers {
		return nil, types.InvalidArgument("a group needs at least 2 other members")
	}
	for _, id := range others {
		exists, err := d.userExists(id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, types.InvalidArgument("user does not exist")
		}
	}
	now := d.now()
	room := types.Room{
		Id:        uuid.NewString(),
		Name:      name,
		Type:      types.RoomTypeGroup,
		Members:   append([]string{creatorId}, others...),
		Admins:    []string{creatorId},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if anonymous {
		room.Type = types.RoomTypeAnonymousGroup
		room.IsAnonymousWorld = true
	}
	err := d.persister.StoreRoom(room)
	if err != nil {
		return nil, types.Internal(err)
	}
	d.logger.Debug("group room created", "room", room.Id, "members", len(room.Members))
	return &room, nil
}

// GetRoom returns the room or NotFound.
func (d *Directory) GetRoom(roomId string) (*types.Room, error) {
	room := types.Room{Id: roomId}
	err := d.persister.GetRoom(&room)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NotFound("room not found")
		}
		return nil, types.Internal(err)
	}
	return &room, nil
}

// RoomForMember returns the room if userId is a member of it. Unknown rooms are reported as PermissionDenied as
// well, so non-members cannot probe for room ids.
func (d *Directory) RoomForMember(roomId, userId string) (*types.Room, error) {
	room, err := d.GetRoom(roomId)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.PermissionDenied()
		}
		return nil, err
	}
	if !room.IsMember(userId) {
		return nil, types.PermissionDenied()
	}
	return room, nil
}

func (d *Directory) IsMember(roomId, userId string) (bool, error) {
	_, err := d.RoomForMember(roomId, userId)
	if err != nil {
		if types.KindOf(err) == types.KindPermissionDenied {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TouchLastMessage points the room's last message at messageId.
func (d *Directory) TouchLastMessage(roomId, messageId string, ts time.Time) error {
	return d.SetLastMessage(roomId, &messageId, ts)
}

// SetLastMessage sets the room's last message, nil clears it.
func (d *Directory) SetLastMessage(roomId string, messageId *string, ts time.Time) error {
	err := d.persister.SetLastMessage(roomId, messageId, ts)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return types.NotFound("room not found")
		}
		return types.Internal(err)
	}
	return nil
}

// ListRoomsForUser returns the rooms of userId as seen by userId, most recently active first.
func (d *Directory) ListRoomsForUser(userId string) ([]*types.RoomSummary, error) {
	rooms, err := d.persister.GetRoomsForUser(userId)
	if err != nil {
		return nil, types.Internal(err)
	}
	summaries := make([]*types.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary := &types.RoomSummary{
			Id:        room.Id,
			Name:      room.Name,
			Type:      room.Type,
			IsGroup:   room.Type != types.RoomTypeDirect,
			UpdatedAt: room.UpdatedAt,
		}
		if room.Type == types.RoomTypeDirect {
			summary.Name = unknownUsername
			peer, err := d.LookupIdentity(room.OtherMember(userId))
			if err == nil {
				summary.Name = peer.Username
				summary.AvatarUrl = peer.AvatarUrl
			} else if types.KindOf(err) != types.KindNotFound {
				return nil, err
			}
		}
		if room.LastMessageId != nil {
			msg := types.Message{Id: *room.LastMessageId}
			err = d.persister.GetMessage(&msg)
			switch {
			case err == nil:
				summary.LastMessage, err = d.ViewMessage(&msg)
				if err != nil {
					return nil, err
				}
			case errors.Is(err, persistence.ErrNotFound):
				// weak reference, the message is gone
			default:
				return nil, types.Internal(err)
			}
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].Id < summaries[j].Id
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// ViewMessage projects a stored message for clients. The sender of an anonymous message is replaced by the alias
// identity, the real user id never leaves this function.
func (d *Directory) ViewMessage(msg *types.Message) (*types.MessageView, error) {
	view := &types.MessageView{
		Id:          msg.Id,
		RoomId:      msg.RoomId,
		Content:     msg.Content,
		IsEdited:    msg.IsEdited,
		IsAnonymous: msg.IsAnonymous,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
	}
	if msg.IsAnonymous {
		identity := types.AnonymousIdentity{Id: msg.AnonymousIdentityId}
		err := d.persister.GetAnonymousIdentity(&identity)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Internal(err)
		}
		view.Sender = AnonymousSender(&identity)
		return view, nil
	}
	sender, err := d.LookupIdentity(msg.SenderId)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			return nil, err
		}
		sender = types.Identity{Id: msg.SenderId, Username: unknownUsername}
	}
	view.Sender = sender
	return view, nil
}

// AnonymousSender is the identity shown for messages of an anonymous identity.
func AnonymousSender(identity *types.AnonymousIdentity) types.Identity {
	name := identity.AliasName
	if name == "" {
		name = "Anonymous"
	}
	return types.Identity{
		Username:  name,
		AvatarUrl: AnonymousAvatarUrl(identity.AvatarSeed),
	}
}
