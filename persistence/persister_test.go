package persistence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
)

func newTestPersisters(t *testing.T) map[string]Persister {
	t.Helper()
	bunt, err := NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}})
	require.NoError(t, err)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gormSqlite, err := NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "sqlite", DSN: dsn}})
	require.NoError(t, err)
	t.Cleanup(func() {
		bunt.Close()
		gormSqlite.Close()
	})
	return map[string]Persister{"buntdb": bunt, "sqlite": gormSqlite}
}

func storeTestUser(t *testing.T, p Persister, name string) types.User {
	t.Helper()
	now := time.Now().UTC()
	u := types.User{
		Id:           uuid.NewString(),
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "hash-" + name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, p.StoreUser(u))
	return u
}

func TestNewPersisterInvalidType(t *testing.T) {
	_, err := NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "mongo"}})
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	for name, p := range newTestPersisters(t) {
		t.Run(name, func(t *testing.T) {
			alice := storeTestUser(t, p, "alice")
			bob := storeTestUser(t, p, "bob")

			got := types.User{Id: alice.Id}
			require.NoError(t, p.GetUser(&got))
			assert.Equal(t, "alice", got.Username)
			assert.Equal(t, "hash-alice", got.PasswordHash)

			byEmail, err := p.GetUserByEmail("bob@example.com")
			require.NoError(t, err)
			assert.Equal(t, bob.Id, byEmail.Id)

			_, err = p.GetUserByEmail("nobody@example.com")
			assert.ErrorIs(t, err, ErrNotFound)

			dup := types.User{Id: uuid.NewString(), Username: "alice", Email: "other@example.com"}
			assert.ErrorIs(t, p.StoreUser(dup), ErrConflict)

			// storing the same user again is an update, not a conflict
			alice.AvatarUrl = "https://example.com/a.png"
			require.NoError(t, p.StoreUser(alice))

			require.NoError(t, p.SetBlocked(alice.Id, bob.Id, true))
			got = types.User{Id: alice.Id}
			require.NoError(t, p.GetUser(&got))
			assert.Equal(t, []string{bob.Id}, got.BlockedUsers)
			assert.Equal(t, "https://example.com/a.png", got.AvatarUrl)
			gotBob := types.User{Id: bob.Id}
			require.NoError(t, p.GetUser(&gotBob))
			assert.Equal(t, []string{alice.Id}, gotBob.BlockedBy)

			require.NoError(t, p.SetBlocked(alice.Id, bob.Id, false))
			gotBob = types.User{Id: bob.Id}
			require.NoError(t, p.GetUser(&gotBob))
			assert.Empty(t, gotBob.BlockedBy)

			users, err := p.GetUsers()
			require.NoError(t, err)
			assert.Len(t, users, 2)

			require.NoError(t, p.DeleteUser(&bob))
			assert.ErrorIs(t, p.GetUser(&types.User{Id: bob.Id}), ErrNotFound)
		})
	}
}

func TestFindOrCreateDirectRoomConcurrent(t *testing.T) {
	for name, p := range newTestPersisters(t) {
		t.Run(name, func(t *testing.T) {
			a, b := uuid.NewString(), uuid.NewString()
			const n = 8
			ids := make([]string, n)
			createdCount := 0
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					members := []string{a, b}
					if i%2 == 1 {
						members = []string{b, a}
					}
					now := time.Now().UTC()
					room := types.Room{Id: uuid.NewString(), Type: types.RoomTypeDirect, Members: members, CreatedAt: now, UpdatedAt: now}
					created, err := p.FindOrCreateDirectRoom(&room)
					assert.NoError(t, err)
					mu.Lock()
					defer mu.Unlock()
					ids[i] = room.Id
					if created {
						createdCount++
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, createdCount)
			for _, id := range ids {
				assert.Equal(t, ids[0], id)
			}
			rooms, err := p.GetRoomsForUser(a)
			require.NoError(t, err)
			require.Len(t, rooms, 1)
			assert.ElementsMatch(t, []string{a, b}, rooms[0].Members)
		})
	}
}

func TestRoomsAndMessages(t *testing.T) {
	for name, p := range newTestPersisters(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			members := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
			room := types.Room{
				Id:        uuid.NewString(),
				Name:      "friends",
				Type:      types.RoomTypeGroup,
				Members:   members,
				Admins:    members[:1],
				CreatedAt: now,
				UpdatedAt: now,
			}
			require.NoError(t, p.StoreRoom(room))
			other := types.Room{Id: uuid.NewString(), Name: "other", Type: types.RoomTypeGroup, Members: members[1:], CreatedAt: now, UpdatedAt: now}
			require.NoError(t, p.StoreRoom(other))

			got := types.Room{Id: room.Id}
			require.NoError(t, p.GetRoom(&got))
			assert.Equal(t, "friends", got.Name)
			assert.ElementsMatch(t, members, got.Members)
			assert.Equal(t, members[:1], got.Admins)
			assert.Nil(t, got.LastMessageId)

			rooms, err := p.GetRoomsForUser(members[0])
			require.NoError(t, err)
			assert.Len(t, rooms, 1)

			latest, err := p.GetLatestMessage(room.Id)
			require.NoError(t, err)
			assert.Nil(t, latest)

			ids := make([]string, 0)
			for i := 0; i < 5; i++ {
				for _, r := range []string{room.Id, other.Id} {
					msg := types.Message{Id: uuid.NewString(), RoomId: r, SenderId: members[1], Content: fmt.Sprintf("m%d", i), CreatedAt: now, UpdatedAt: now}
					require.NoError(t, p.StoreMessage(&msg))
					assert.Equal(t, int64(i+1), msg.Seq)
					if r == room.Id {
						ids = append(ids, msg.Id)
					}
				}
			}
			messages, err := p.GetMessages(room.Id)
			require.NoError(t, err)
			require.Len(t, messages, 5)
			for i, msg := range messages {
				assert.Equal(t, ids[i], msg.Id)
				assert.Equal(t, room.Id, msg.RoomId)
			}

			latest, err = p.GetLatestMessage(room.Id)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, ids[4], latest.Id)

			require.NoError(t, p.SetLastMessage(room.Id, &ids[4], now))
			got = types.Room{Id: room.Id}
			require.NoError(t, p.GetRoom(&got))
			require.NotNil(t, got.LastMessageId)
			assert.Equal(t, ids[4], *got.LastMessageId)
			assert.ErrorIs(t, p.SetLastMessage(uuid.NewString(), nil, now), ErrNotFound)

			updated, err := p.UpdateMessageContent(ids[0], "changed", now.Add(time.Second))
			require.NoError(t, err)
			assert.True(t, updated.IsEdited)
			assert.Equal(t, "changed", updated.Content)
			assert.Equal(t, int64(1), updated.Seq)

			require.NoError(t, p.DeleteMessage(ids[4]))
			assert.ErrorIs(t, p.DeleteMessage(ids[4]), ErrNotFound)
			assert.ErrorIs(t, p.GetMessage(&types.Message{Id: ids[4]}), ErrNotFound)
			_, err = p.UpdateMessageContent(ids[4], "x", now)
			assert.ErrorIs(t, err, ErrNotFound)

			latest, err = p.GetLatestMessage(room.Id)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, ids[3], latest.Id)

			// sequence numbers are never reused after a delete
			msg := types.Message{Id: uuid.NewString(), RoomId: room.Id, SenderId: members[0], Content: "after", CreatedAt: now, UpdatedAt: now}
			require.NoError(t, p.StoreMessage(&msg))
			assert.Equal(t, int64(6), msg.Seq)
		})
	}
}

func TestFindOrCreateAnonymousIdentityConcurrent(t *testing.T) {
	for name, p := range newTestPersisters(t) {
		t.Run(name, func(t *testing.T) {
			userId, roomId := uuid.NewString(), uuid.NewString()
			const n = 8
			results := make([]types.AnonymousIdentity, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					identity := types.AnonymousIdentity{
						Id:         uuid.NewString(),
						UserId:     userId,
						RoomId:     roomId,
						AliasName:  fmt.Sprintf("alias-%d", i),
						AvatarSeed: "seed",
						CreatedAt:  time.Now().UTC(),
					}
					assert.NoError(t, p.FindOrCreateAnonymousIdentity(&identity))
					results[i] = identity
				}(i)
			}
			wg.Wait()
			for _, r := range results {
				assert.Equal(t, results[0].Id, r.Id)
				assert.Equal(t, results[0].AliasName, r.AliasName)
			}
			got := types.AnonymousIdentity{Id: results[0].Id}
			require.NoError(t, p.GetAnonymousIdentity(&got))
			assert.Equal(t, results[0].AliasName, got.AliasName)

			// the same user gets a different identity in another room
			identity := types.AnonymousIdentity{Id: uuid.NewString(), UserId: userId, RoomId: uuid.NewString(), AliasName: "other"}
			require.NoError(t, p.FindOrCreateAnonymousIdentity(&identity))
			assert.NotEqual(t, results[0].Id, identity.Id)
		})
	}
}
