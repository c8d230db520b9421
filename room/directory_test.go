package room

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

func newTestDirectory(t *testing.T) (*Directory, persistence.Persister) {
	t.Helper()
	p, err := persistence.NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	d, err := NewDirectory(p, 16)
	require.NoError(t, err)
	return d, p
}

func addUser(t *testing.T, p persistence.Persister, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, p.StoreUser(types.User{Id: id, Username: name, Email: name + "@example.com", AvatarUrl: "/avatars/" + name}))
	return id
}

func TestCreateDirectIdempotent(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")
	b := addUser(t, p, "bob")

	first, created, err := d.CreateDirect(a, b)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.RoomTypeDirect, first.Type)
	assert.ElementsMatch(t, []string{a, b}, first.Members)

	second, created, err := d.CreateDirect(a, b)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Id, second.Id)

	reversed, created, err := d.CreateDirect(b, a)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Id, reversed.Id)
}

func TestCreateDirectInvalid(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")

	_, _, err := d.CreateDirect(a, a)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, _, err = d.CreateDirect(a, uuid.NewString())
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, _, err = d.CreateDirect(a, "")
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestCreateGroup(t *testing.T) {
	d, p := newTestDirectory(t)
	x := addUser(t, p, "xavier")
	b := addUser(t, p, "bob")
	c := addUser(t, p, "carol")

	_, err := d.CreateGroup(x, "Team", []string{b}, false)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	// duplicates and the creator do not count
	_, err = d.CreateGroup(x, "Team", []string{b, b, x}, false)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = d.CreateGroup(x, "  T ", []string{b, c}, false)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = d.CreateGroup(x, "Team", []string{b, uuid.NewString()}, false)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	room, err := d.CreateGroup(x, " Team ", []string{b, c, b}, false)
	require.NoError(t, err)
	assert.Equal(t, "Team", room.Name)
	assert.Equal(t, types.RoomTypeGroup, room.Type)
	assert.ElementsMatch(t, []string{x, b, c}, room.Members)
	assert.Equal(t, []string{x}, room.Admins)
	assert.False(t, room.IsAnonymousWorld)

	stored, err := d.GetRoom(room.Id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{x, b, c}, stored.Members)

	anon, err := d.CreateGroup(x, "Secret", []string{b, c}, true)
	require.NoError(t, err)
	assert.Equal(t, types.RoomTypeAnonymousGroup, anon.Type)
	assert.True(t, anon.IsAnonymousWorld)
}

func TestMembership(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")
	b := addUser(t, p, "bob")
	c := addUser(t, p, "carol")
	room, _, err := d.CreateDirect(a, b)
	require.NoError(t, err)

	ok, err := d.IsMember(room.Id, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.IsMember(room.Id, c)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = d.IsMember(uuid.NewString(), a)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.RoomForMember(room.Id, c)
	assert.Equal(t, types.KindPermissionDenied, types.KindOf(err))
	_, err = d.RoomForMember(uuid.NewString(), a)
	assert.Equal(t, types.KindPermissionDenied, types.KindOf(err))
	_, err = d.GetRoom(uuid.NewString())
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestListRoomsForUser(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")
	b := addUser(t, p, "bob")
	c := addUser(t, p, "carol")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	direct, _, err := d.CreateDirect(a, b)
	require.NoError(t, err)
	d.now = func() time.Time { return base.Add(time.Minute) }
	group, err := d.CreateGroup(c, "Friends", []string{a, b}, false)
	require.NoError(t, err)
	_, _, err = d.CreateDirect(b, c)
	require.NoError(t, err)

	summaries, err := d.ListRoomsForUser(a)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, group.Id, summaries[0].Id)
	assert.Equal(t, "Friends", summaries[0].Name)
	assert.True(t, summaries[0].IsGroup)
	assert.Equal(t, direct.Id, summaries[1].Id)
	assert.Equal(t, "bob", summaries[1].Name)
	assert.Equal(t, "/avatars/bob", summaries[1].AvatarUrl)
	assert.False(t, summaries[1].IsGroup)
	assert.Nil(t, summaries[1].LastMessage)

	// a new message moves the direct room to the top
	msg := types.Message{Id: uuid.NewString(), RoomId: direct.Id, SenderId: b, Content: "hi", CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)}
	require.NoError(t, p.StoreMessage(&msg))
	require.NoError(t, d.TouchLastMessage(direct.Id, msg.Id, msg.CreatedAt))

	summaries, err = d.ListRoomsForUser(a)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, direct.Id, summaries[0].Id)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "hi", summaries[0].LastMessage.Content)
	assert.Equal(t, "bob", summaries[0].LastMessage.Sender.Username)

	// the peer's view of the same room is named after alice
	summaries, err = d.ListRoomsForUser(b)
	require.NoError(t, err)
	for _, s := range summaries {
		if s.Id == direct.Id {
			assert.Equal(t, "alice", s.Name)
		}
	}

	assert.Equal(t, types.KindNotFound, types.KindOf(d.TouchLastMessage(uuid.NewString(), msg.Id, base)))
}

func TestViewMessageMasksAnonymousSender(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")
	identity := types.AnonymousIdentity{Id: uuid.NewString(), UserId: a, RoomId: "room", AliasName: "Quiet Fox", AvatarSeed: "1234"}
	require.NoError(t, p.FindOrCreateAnonymousIdentity(&identity))

	view, err := d.ViewMessage(&types.Message{Id: "m", RoomId: "room", SenderId: a, Content: "psst", IsAnonymous: true, AnonymousIdentityId: identity.Id})
	require.NoError(t, err)
	assert.Empty(t, view.Sender.Id)
	assert.Equal(t, "Quiet Fox", view.Sender.Username)
	assert.Equal(t, "/api/anonymous-avatar?seed=1234", view.Sender.AvatarUrl)

	view, err = d.ViewMessage(&types.Message{Id: "n", RoomId: "room", SenderId: a, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, a, view.Sender.Id)
	assert.Equal(t, "alice", view.Sender.Username)
}

func TestLookupIdentityCached(t *testing.T) {
	d, p := newTestDirectory(t)
	a := addUser(t, p, "alice")

	identity, err := d.LookupIdentity(a)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)

	require.NoError(t, p.StoreUser(types.User{Id: a, Username: "alicia", Email: "alice@example.com"}))
	identity, err = d.LookupIdentity(a)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)

	d.InvalidateIdentity(a)
	identity, err = d.LookupIdentity(a)
	require.NoError(t, err)
	assert.Equal(t, "alicia", identity.Username)

	_, err = d.LookupIdentity(uuid.NewString())
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
