package persistence

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
	"github.com/tidwall/buntdb"
)

const (
	maxSeqPivot = 9007199254740991 // largest integer that survives the float conversion in the json index
)

/*
Key layout:
  user:<id>                  user (incl. password hash)
  room:<id>                  room
  direct:<a>|<b>             id of the direct room between a and b (sorted)
  msg:<id>                   message
  roomseq:<roomId>           last assigned message sequence number of the room
  anon:<roomId>|<userId>     id of the anonymous identity of the user in the room
  anonid:<id>                anonymous identity
*/

type BuntDBPersist struct {
	db *buntdb.DB
}

// buntUser is the stored form of a user, types.User never serializes the password hash.
type buntUser struct {
	types.User
	PasswordHash string `json:"passwordHash"`
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		fileName = ":memory:"
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	indexes := []struct {
		name    string
		pattern string
		less    []func(a, b string) bool
	}{
		{"users_username", "user:*", []func(a, b string) bool{buntdb.IndexJSON("username")}},
		{"users_email", "user:*", []func(a, b string) bool{buntdb.IndexJSON("email")}},
		{"messages", "msg:*", []func(a, b string) bool{buntdb.IndexJSON("roomId"), buntdb.IndexJSON("seq")}},
	}
	for _, idx := range indexes {
		err = db.CreateIndex(idx.name, idx.pattern, idx.less...)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func translateErr(err error) error {
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func jsonPivot(fields map[string]interface{}) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	u, err := json.Marshal(buntUser{User: user, PasswordHash: user.PasswordHash})
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		for index, field := range map[string]string{"users_username": user.Username, "users_email": user.Email} {
			if field == "" {
				continue
			}
			taken := false
			err := tx.AscendEqual(index, jsonPivot(map[string]interface{}{index[len("users_"):]: field}), func(key, _ string) bool {
				if key != "user:"+user.Id {
					taken = true
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if taken {
				return ErrConflict
			}
		}
		_, _, err := tx.Set("user:"+user.Id, string(u), nil)
		return err
	})
}

func getBuntUser(tx *buntdb.Tx, userId string) (*buntUser, error) {
	raw, err := tx.Get("user:" + userId)
	if err != nil {
		return nil, translateErr(err)
	}
	u := &buntUser{}
	err = json.Unmarshal([]byte(raw), u)
	if err != nil {
		return nil, err
	}
	u.User.PasswordHash = u.PasswordHash
	return u, nil
}

func setBuntUser(tx *buntdb.Tx, u *buntUser) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, _, err = tx.Set("user:"+u.Id, string(raw), nil)
	return err
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	if user.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		u, err := getBuntUser(tx, user.Id)
		if err != nil {
			return err
		}
		*user = u.User
		return nil
	})
}

func (p *BuntDBPersist) GetUserByEmail(email string) (*types.User, error) {
	var user *types.User
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("users_email", jsonPivot(map[string]interface{}{"email": email}), func(_, value string) bool {
			u := &buntUser{}
			if err := json.Unmarshal([]byte(value), u); err == nil {
				u.User.PasswordHash = u.PasswordHash
				user = &u.User
			}
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(_, value string) bool {
			u := &buntUser{}
			if err := json.Unmarshal([]byte(value), u); err == nil {
				u.User.PasswordHash = u.PasswordHash
				users = append(users, &u.User)
			}
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) SetBlocked(blockerId, blockedId string, blocked bool) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		blocker, err := getBuntUser(tx, blockerId)
		if err != nil {
			return err
		}
		target, err := getBuntUser(tx, blockedId)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		blocker.BlockedUsers = updateSet(blocker.BlockedUsers, blockedId, blocked)
		blocker.UpdatedAt = now
		target.BlockedBy = updateSet(target.BlockedBy, blockerId, blocked)
		target.UpdatedAt = now
		err = setBuntUser(tx, blocker)
		if err != nil {
			return err
		}
		return setBuntUser(tx, target)
	})
}

func (p *BuntDBPersist) DeleteUser(user *types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("user:" + user.Id)
		return translateErr(err)
	})
}

func setBuntRoom(tx *buntdb.Tx, room *types.Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return err
	}
	_, _, err = tx.Set("room:"+room.Id, string(raw), nil)
	return err
}

func getBuntRoom(tx *buntdb.Tx, room *types.Room) error {
	raw, err := tx.Get("room:" + room.Id)
	if err != nil {
		return translateErr(err)
	}
	return json.Unmarshal([]byte(raw), room)
}

func (p *BuntDBPersist) FindOrCreateDirectRoom(room *types.Room) (bool, error) {
	if len(room.Members) != 2 {
		return false, ErrConflict
	}
	key := "direct:" + types.DirectKey(room.Members[0], room.Members[1])
	created := false
	err := p.db.Update(func(tx *buntdb.Tx) error {
		roomId, err := tx.Get(key)
		if err == nil {
			room.Id = roomId
			return getBuntRoom(tx, room)
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		err = setBuntRoom(tx, room)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, room.Id, nil)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setBuntRoom(tx, &room)
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getBuntRoom(tx, room)
	})
}

func (p *BuntDBPersist) getRooms(match func(*types.Room) bool) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(_, value string) bool {
			room := &types.Room{}
			if err := json.Unmarshal([]byte(value), room); err != nil {
				globals.AppLogger.Error("could not unmarshal room", "error", err)
				return true
			}
			if match(room) {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	return p.getRooms(func(*types.Room) bool { return true })
}

func (p *BuntDBPersist) GetRoomsForUser(userId string) ([]*types.Room, error) {
	return p.getRooms(func(room *types.Room) bool { return room.IsMember(userId) })
}

func (p *BuntDBPersist) SetLastMessage(roomId string, messageId *string, ts time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		room := &types.Room{Id: roomId}
		err := getBuntRoom(tx, room)
		if err != nil {
			return err
		}
		room.LastMessageId = messageId
		room.UpdatedAt = ts
		return setBuntRoom(tx, room)
	})
}

func setBuntMessage(tx *buntdb.Tx, msg *types.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = tx.Set("msg:"+msg.Id, string(raw), nil)
	return err
}

func (p *BuntDBPersist) StoreMessage(msg *types.Message) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		var seq int64
		raw, err := tx.Get("roomseq:" + msg.RoomId)
		switch err {
		case nil:
			seq, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return err
			}
		case buntdb.ErrNotFound:
		default:
			return err
		}
		seq++
		_, _, err = tx.Set("roomseq:"+msg.RoomId, strconv.FormatInt(seq, 10), nil)
		if err != nil {
			return err
		}
		msg.Seq = seq
		return setBuntMessage(tx, msg)
	})
}

func getBuntMessage(tx *buntdb.Tx, msg *types.Message) error {
	raw, err := tx.Get("msg:" + msg.Id)
	if err != nil {
		return translateErr(err)
	}
	return json.Unmarshal([]byte(raw), msg)
}

func (p *BuntDBPersist) GetMessage(msg *types.Message) error {
	if msg.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getBuntMessage(tx, msg)
	})
}

func (p *BuntDBPersist) GetMessages(roomId string) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	pivot := jsonPivot(map[string]interface{}{"roomId": roomId})
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("messages", pivot, func(_, value string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(value), msg); err != nil {
				globals.AppLogger.Error("could not unmarshal message", "error", err)
				return true
			}
			if msg.RoomId != roomId {
				return false
			}
			messages = append(messages, msg)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *BuntDBPersist) GetLatestMessage(roomId string) (*types.Message, error) {
	var latest *types.Message
	pivot := jsonPivot(map[string]interface{}{"roomId": roomId, "seq": maxSeqPivot})
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendLessOrEqual("messages", pivot, func(_, value string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(value), msg); err != nil {
				return true
			}
			if msg.RoomId == roomId {
				latest = msg
			}
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (p *BuntDBPersist) UpdateMessageContent(messageId, content string, ts time.Time) (*types.Message, error) {
	msg := &types.Message{Id: messageId}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		err := getBuntMessage(tx, msg)
		if err != nil {
			return err
		}
		msg.Content = content
		msg.IsEdited = true
		msg.UpdatedAt = ts
		return setBuntMessage(tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) DeleteMessage(messageId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("msg:" + messageId)
		return translateErr(err)
	})
}

func getBuntAnonymousIdentity(tx *buntdb.Tx, identity *types.AnonymousIdentity) error {
	raw, err := tx.Get("anonid:" + identity.Id)
	if err != nil {
		return translateErr(err)
	}
	return json.Unmarshal([]byte(raw), identity)
}

func (p *BuntDBPersist) FindOrCreateAnonymousIdentity(identity *types.AnonymousIdentity) error {
	pairKey := "anon:" + identity.RoomId + "|" + identity.UserId
	return p.db.Update(func(tx *buntdb.Tx) error {
		id, err := tx.Get(pairKey)
		if err == nil {
			identity.Id = id
			return getBuntAnonymousIdentity(tx, identity)
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		raw, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		_, _, err = tx.Set("anonid:"+identity.Id, string(raw), nil)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(pairKey, identity.Id, nil)
		return err
	})
}

func (p *BuntDBPersist) GetAnonymousIdentity(identity *types.AnonymousIdentity) error {
	if identity.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getBuntAnonymousIdentity(tx, identity)
	})
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}

// updateSet adds (add == true) or removes v from the set s.
func updateSet(s []string, v string, add bool) []string {
	res := make([]string, 0, len(s)+1)
	for _, e := range s {
		if e != v {
			res = append(res, e)
		}
	}
	if add {
		res = append(res, v)
	}
	return res
}
