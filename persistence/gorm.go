package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormUser struct {
	Id           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"index"`
	PasswordHash string
	AvatarUrl    string
	BlockedUsers datatypes.JSON
	BlockedBy    datatypes.JSON
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (gormUser) TableName() string { return "users" }

type gormRoom struct {
	Id               string  `gorm:"primaryKey"`
	Name             string
	Type             string  `gorm:"not null"`
	DirectKey        *string `gorm:"uniqueIndex"` // only set for direct rooms
	Admins           datatypes.JSON
	LastMessageId    *string
	IsAnonymousWorld bool
	MessageSeq       int64 `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (gormRoom) TableName() string { return "rooms" }

type gormRoomMember struct {
	RoomId string `gorm:"primaryKey"`
	UserId string `gorm:"primaryKey;index"`
}

func (gormRoomMember) TableName() string { return "room_members" }

type gormMessage struct {
	Id                  string `gorm:"primaryKey"`
	RoomId              string `gorm:"not null;uniqueIndex:idx_room_seq"`
	Seq                 int64  `gorm:"not null;uniqueIndex:idx_room_seq"`
	SenderId            string `gorm:"not null"`
	Content             string
	IsEdited            bool
	IsAnonymous         bool
	AnonymousIdentityId string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (gormMessage) TableName() string { return "messages" }

type gormAnonymousIdentity struct {
	Id         string `gorm:"primaryKey"`
	UserId     string `gorm:"not null;uniqueIndex:idx_anon_user_room"`
	RoomId     string `gorm:"not null;uniqueIndex:idx_anon_user_room"`
	AliasName  string `gorm:"not null"`
	AvatarSeed string
	CreatedAt  time.Time
}

func (gormAnonymousIdentity) TableName() string { return "anonymous_identities" }

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no dsn configured for %s", cfg.PersistenceConfig.Type)
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(&gormUser{}, &gormRoom{}, &gormRoomMember{}, &gormMessage{}, &gormAnonymousIdentity{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func translateGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// forUpdate adds a row lock where the dialect supports it. SQLite serializes writers anyway.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func toJSON(s []string) datatypes.JSON {
	if s == nil {
		s = []string{}
	}
	b, _ := json.Marshal(s)
	return datatypes.JSON(b)
}

func fromJSON(j datatypes.JSON) []string {
	s := make([]string, 0)
	if len(j) == 0 {
		return s
	}
	_ = json.Unmarshal([]byte(j), &s)
	return s
}

func userFromGorm(gu *gormUser) *types.User {
	return &types.User{
		Id:           gu.Id,
		Username:     gu.Username,
		Email:        gu.Email,
		PasswordHash: gu.PasswordHash,
		AvatarUrl:    gu.AvatarUrl,
		BlockedUsers: fromJSON(gu.BlockedUsers),
		BlockedBy:    fromJSON(gu.BlockedBy),
		CreatedAt:    gu.CreatedAt,
		UpdatedAt:    gu.UpdatedAt,
	}
}

func userToGorm(u *types.User) *gormUser {
	return &gormUser{
		Id:           u.Id,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		AvatarUrl:    u.AvatarUrl,
		BlockedUsers: toJSON(u.BlockedUsers),
		BlockedBy:    toJSON(u.BlockedBy),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (p *GormPersist) StoreUser(user types.User) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		q := tx.Model(&gormUser{}).Where("id <> ?", user.Id)
		if user.Email != "" {
			q = q.Where("username = ? OR email = ?", user.Username, user.Email)
		} else {
			q = q.Where("username = ?", user.Username)
		}
		err := q.Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(userToGorm(&user)).Error
	})
}

func (p *GormPersist) GetUser(user *types.User) error {
	gu := gormUser{}
	err := p.db.First(&gu, "id = ?", user.Id).Error
	if err != nil {
		return translateGormErr(err)
	}
	*user = *userFromGorm(&gu)
	return nil
}

func (p *GormPersist) GetUserByEmail(email string) (*types.User, error) {
	gu := gormUser{}
	err := p.db.First(&gu, "email = ?", email).Error
	if err != nil {
		return nil, translateGormErr(err)
	}
	return userFromGorm(&gu), nil
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	gus := make([]gormUser, 0)
	err := p.db.Order("username").Find(&gus).Error
	if err != nil {
		return nil, err
	}
	users := make([]*types.User, len(gus))
	for i := range gus {
		users[i] = userFromGorm(&gus[i])
	}
	return users, nil
}

func (p *GormPersist) SetBlocked(blockerId, blockedId string, blocked bool) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		blocker := gormUser{}
		err := forUpdate(tx).First(&blocker, "id = ?", blockerId).Error
		if err != nil {
			return translateGormErr(err)
		}
		target := gormUser{}
		err = forUpdate(tx).First(&target, "id = ?", blockedId).Error
		if err != nil {
			return translateGormErr(err)
		}
		now := time.Now().UTC()
		err = tx.Model(&blocker).Updates(map[string]interface{}{
			"blocked_users": toJSON(updateSet(fromJSON(blocker.BlockedUsers), blockedId, blocked)),
			"updated_at":    now,
		}).Error
		if err != nil {
			return err
		}
		return tx.Model(&target).Updates(map[string]interface{}{
			"blocked_by": toJSON(updateSet(fromJSON(target.BlockedBy), blockerId, blocked)),
			"updated_at": now,
		}).Error
	})
}

func (p *GormPersist) DeleteUser(user *types.User) error {
	res := p.db.Delete(&gormUser{}, "id = ?", user.Id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func roomToGorm(room *types.Room) *gormRoom {
	gr := &gormRoom{
		Id:               room.Id,
		Name:             room.Name,
		Type:             string(room.Type),
		Admins:           toJSON(room.Admins),
		LastMessageId:    room.LastMessageId,
		IsAnonymousWorld: room.IsAnonymousWorld,
		CreatedAt:        room.CreatedAt,
		UpdatedAt:        room.UpdatedAt,
	}
	if room.Type == types.RoomTypeDirect && len(room.Members) == 2 {
		key := types.DirectKey(room.Members[0], room.Members[1])
		gr.DirectKey = &key
	}
	return gr
}

func roomFromGorm(gr *gormRoom, members []string) *types.Room {
	return &types.Room{
		Id:               gr.Id,
		Name:             gr.Name,
		Type:             types.RoomType(gr.Type),
		Members:          members,
		Admins:           fromJSON(gr.Admins),
		LastMessageId:    gr.LastMessageId,
		IsAnonymousWorld: gr.IsAnonymousWorld,
		CreatedAt:        gr.CreatedAt,
		UpdatedAt:        gr.UpdatedAt,
	}
}

func storeMembers(tx *gorm.DB, roomId string, members []string) error {
	err := tx.Delete(&gormRoomMember{}, "room_id = ?", roomId).Error
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	rms := make([]gormRoomMember, len(members))
	for i, m := range members {
		rms[i] = gormRoomMember{RoomId: roomId, UserId: m}
	}
	return tx.Create(&rms).Error
}

// loadMembers returns the members of the given rooms, keyed by room id.
func loadMembers(tx *gorm.DB, roomIds []string) (map[string][]string, error) {
	rms := make([]gormRoomMember, 0)
	err := tx.Where("room_id IN ?", roomIds).Find(&rms).Error
	if err != nil {
		return nil, err
	}
	res := make(map[string][]string, len(roomIds))
	for _, rm := range rms {
		res[rm.RoomId] = append(res[rm.RoomId], rm.UserId)
	}
	return res, nil
}

func (p *GormPersist) FindOrCreateDirectRoom(room *types.Room) (bool, error) {
	if len(room.Members) != 2 {
		return false, ErrConflict
	}
	created := false
	err := p.db.Transaction(func(tx *gorm.DB) error {
		gr := roomToGorm(room)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(gr)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			return storeMembers(tx, room.Id, room.Members)
		}
		existing := gormRoom{}
		err := tx.First(&existing, "direct_key = ?", *gr.DirectKey).Error
		if err != nil {
			return translateGormErr(err)
		}
		members, err := loadMembers(tx, []string{existing.Id})
		if err != nil {
			return err
		}
		*room = *roomFromGorm(&existing, members[existing.Id])
		return nil
	})
	return created, err
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "type", "admins", "last_message_id", "is_anonymous_world", "updated_at"}),
		}).Create(roomToGorm(&room)).Error
		if err != nil {
			return err
		}
		return storeMembers(tx, room.Id, room.Members)
	})
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	gr := gormRoom{}
	err := p.db.First(&gr, "id = ?", room.Id).Error
	if err != nil {
		return translateGormErr(err)
	}
	members, err := loadMembers(p.db, []string{gr.Id})
	if err != nil {
		return err
	}
	*room = *roomFromGorm(&gr, members[gr.Id])
	return nil
}

func (p *GormPersist) findRooms(q *gorm.DB) ([]*types.Room, error) {
	grs := make([]gormRoom, 0)
	err := q.Find(&grs).Error
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Room, 0, len(grs))
	if len(grs) == 0 {
		return rooms, nil
	}
	ids := make([]string, len(grs))
	for i := range grs {
		ids[i] = grs[i].Id
	}
	members, err := loadMembers(p.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range grs {
		rooms = append(rooms, roomFromGorm(&grs[i], members[grs[i].Id]))
	}
	return rooms, nil
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	return p.findRooms(p.db.Model(&gormRoom{}))
}

func (p *GormPersist) GetRoomsForUser(userId string) ([]*types.Room, error) {
	return p.findRooms(p.db.Model(&gormRoom{}).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userId))
}

func (p *GormPersist) SetLastMessage(roomId string, messageId *string, ts time.Time) error {
	res := p.db.Model(&gormRoom{}).Where("id = ?", roomId).Updates(map[string]interface{}{
		"last_message_id": messageId,
		"updated_at":      ts,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func messageFromGorm(gm *gormMessage) *types.Message {
	return &types.Message{
		Id:                  gm.Id,
		RoomId:              gm.RoomId,
		SenderId:            gm.SenderId,
		Seq:                 gm.Seq,
		Content:             gm.Content,
		IsEdited:            gm.IsEdited,
		IsAnonymous:         gm.IsAnonymous,
		AnonymousIdentityId: gm.AnonymousIdentityId,
		CreatedAt:           gm.CreatedAt,
		UpdatedAt:           gm.UpdatedAt,
	}
}

func (p *GormPersist) StoreMessage(msg *types.Message) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		// the room row serializes concurrent senders
		res := tx.Model(&gormRoom{}).Where("id = ?", msg.RoomId).UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		gr := gormRoom{}
		err := tx.Select("message_seq").First(&gr, "id = ?", msg.RoomId).Error
		if err != nil {
			return translateGormErr(err)
		}
		msg.Seq = gr.MessageSeq
		return tx.Create(&gormMessage{
			Id:                  msg.Id,
			RoomId:              msg.RoomId,
			Seq:                 msg.Seq,
			SenderId:            msg.SenderId,
			Content:             msg.Content,
			IsEdited:            msg.IsEdited,
			IsAnonymous:         msg.IsAnonymous,
			AnonymousIdentityId: msg.AnonymousIdentityId,
			CreatedAt:           msg.CreatedAt,
			UpdatedAt:           msg.UpdatedAt,
		}).Error
	})
}

func (p *GormPersist) GetMessage(msg *types.Message) error {
	gm := gormMessage{}
	err := p.db.First(&gm, "id = ?", msg.Id).Error
	if err != nil {
		return translateGormErr(err)
	}
	*msg = *messageFromGorm(&gm)
	return nil
}

func (p *GormPersist) GetMessages(roomId string) ([]*types.Message, error) {
	gms := make([]gormMessage, 0)
	err := p.db.Where("room_id = ?", roomId).Order("seq ASC").Find(&gms).Error
	if err != nil {
		return nil, err
	}
	messages := make([]*types.Message, len(gms))
	for i := range gms {
		messages[i] = messageFromGorm(&gms[i])
	}
	return messages, nil
}

func (p *GormPersist) GetLatestMessage(roomId string) (*types.Message, error) {
	gm := gormMessage{}
	err := p.db.Where("room_id = ?", roomId).Order("seq DESC").Limit(1).Take(&gm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return messageFromGorm(&gm), nil
}

func (p *GormPersist) UpdateMessageContent(messageId, content string, ts time.Time) (*types.Message, error) {
	gm := gormMessage{}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&gormMessage{}).Where("id = ?", messageId).Updates(map[string]interface{}{
			"content":    content,
			"is_edited":  true,
			"updated_at": ts,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return translateGormErr(tx.First(&gm, "id = ?", messageId).Error)
	})
	if err != nil {
		return nil, err
	}
	return messageFromGorm(&gm), nil
}

func (p *GormPersist) DeleteMessage(messageId string) error {
	res := p.db.Delete(&gormMessage{}, "id = ?", messageId)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func anonymousIdentityFromGorm(ga *gormAnonymousIdentity) types.AnonymousIdentity {
	return types.AnonymousIdentity{
		Id:         ga.Id,
		UserId:     ga.UserId,
		RoomId:     ga.RoomId,
		AliasName:  ga.AliasName,
		AvatarSeed: ga.AvatarSeed,
		CreatedAt:  ga.CreatedAt,
	}
}

func (p *GormPersist) FindOrCreateAnonymousIdentity(identity *types.AnonymousIdentity) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gormAnonymousIdentity{
			Id:         identity.Id,
			UserId:     identity.UserId,
			RoomId:     identity.RoomId,
			AliasName:  identity.AliasName,
			AvatarSeed: identity.AvatarSeed,
			CreatedAt:  identity.CreatedAt,
		}).Error
		if err != nil {
			return err
		}
		ga := gormAnonymousIdentity{}
		err = tx.First(&ga, "user_id = ? AND room_id = ?", identity.UserId, identity.RoomId).Error
		if err != nil {
			return translateGormErr(err)
		}
		*identity = anonymousIdentityFromGorm(&ga)
		return nil
	})
}

func (p *GormPersist) GetAnonymousIdentity(identity *types.AnonymousIdentity) error {
	ga := gormAnonymousIdentity{}
	err := p.db.First(&ga, "id = ?", identity.Id).Error
	if err != nil {
		return translateGormErr(err)
	}
	*identity = anonymousIdentityFromGorm(&ga)
	return nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
