package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

func TestDeleteMessageKeepsPointerOfOtherMessages(t *testing.T) {
	p, err := persistence.NewPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}})
	require.NoError(t, err)
	defer p.Close()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.StoreRoom(types.Room{
		Id:        "r1",
		Name:      "Team",
		Type:      types.RoomTypeGroup,
		Members:   []string{"a", "b", "c"},
		Admins:    []string{"a"},
		CreatedAt: created,
		UpdatedAt: created,
	}))
	first := types.Message{Id: "m1", RoomId: "r1", SenderId: "a", Content: "one", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, p.StoreMessage(&first))
	second := types.Message{Id: "m2", RoomId: "r1", SenderId: "b", Content: "two", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, p.StoreMessage(&second))
	lastId := "m2"
	require.NoError(t, p.SetLastMessage("r1", &lastId, created))

	require.NoError(t, deleteMessage(p, "m1"))
	r := types.Room{Id: "r1"}
	require.NoError(t, p.GetRoom(&r))
	require.NotNil(t, r.LastMessageId)
	assert.Equal(t, "m2", *r.LastMessageId)
	assert.True(t, r.UpdatedAt.Equal(created))

	require.NoError(t, deleteMessage(p, "m2"))
	r = types.Room{Id: "r1"}
	require.NoError(t, p.GetRoom(&r))
	assert.Nil(t, r.LastMessageId)
	assert.True(t, r.UpdatedAt.After(created))

	assert.Error(t, deleteMessage(p, "m2"))
}
