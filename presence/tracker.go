package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const DefaultTimeout = 3 * time.Second

// Notifier receives the typing transitions. It is called with the tracker lock held and must not call back into
// the tracker.
type Notifier interface {
	Publish(roomId string, kind types.EventKind, payload interface{})
}

type entry struct {
	identity types.Identity
	lastSeen time.Time
	gen      uint64
	timer    *time.Timer
}

// Tracker holds the users currently typing, per room. An entry expires when no typing signal arrived within the
// timeout; each idle/typing transition is published to the room.
type Tracker struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*entry
	gen      uint64
	timeout  time.Duration
	notifier Notifier
	logger   hclog.Logger
	now      func() time.Time
}

func NewTracker(notifier Notifier, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		rooms:    make(map[string]map[string]*entry),
		timeout:  timeout,
		notifier: notifier,
		logger:   globals.AppLogger.Named("presence"),
		now:      time.Now,
	}
}

// Typing marks the user as typing in the room. Repeated signals only refresh the entry.
func (t *Tracker) Typing(roomId string, identity types.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.rooms[roomId]
	if !ok {
		users = make(map[string]*entry)
		t.rooms[roomId] = users
	}
	if e, ok := users[identity.Id]; ok {
		e.lastSeen = t.now()
		e.identity = identity
		return
	}
	t.gen++
	e := &entry{identity: identity, lastSeen: t.now(), gen: t.gen}
	users[identity.Id] = e
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(roomId, identity.Id, e.gen) })
	t.logger.Trace("typing", "room", roomId, "user", identity.Id)
	t.emit(roomId, types.EventUserTyping, identity)
}

// StopTyping marks the user as idle. It is a no-op if the user is not typing.
func (t *Tracker) StopTyping(roomId, userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[roomId][userId]
	if !ok {
		return
	}
	e.timer.Stop()
	t.remove(roomId, userId, e)
}

// expire runs when the timer of an entry fires. Liveness is decided from the stored timestamp, a refreshed entry
// is rescheduled for its remaining time.
func (t *Tracker) expire(roomId, userId string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[roomId][userId]
	if !ok || e.gen != gen {
		return
	}
	idle := t.now().Sub(e.lastSeen)
	if idle < t.timeout {
		e.timer = time.AfterFunc(t.timeout-idle, func() { t.expire(roomId, userId, gen) })
		return
	}
	t.logger.Trace("typing expired", "room", roomId, "user", userId)
	t.remove(roomId, userId, e)
}

// remove must be called with the lock held.
func (t *Tracker) remove(roomId, userId string, e *entry) {
	users := t.rooms[roomId]
	delete(users, userId)
	if len(users) == 0 {
		delete(t.rooms, roomId)
	}
	t.emit(roomId, types.EventUserStopTyping, e.identity)
}

func (t *Tracker) emit(roomId string, kind types.EventKind, identity types.Identity) {
	if t.notifier == nil {
		return
	}
	t.notifier.Publish(roomId, kind, types.TypingPayload{RoomId: roomId, Identity: identity})
}

func (t *Tracker) IsTyping(roomId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[roomId]) > 0
}

// TypingUsers returns the identities currently typing in the room, ordered by username.
func (t *Tracker) TypingUsers(roomId string) []types.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]types.Identity, 0, len(t.rooms[roomId]))
	for _, e := range t.rooms[roomId] {
		res = append(res, e.identity)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res
}

// Stop cancels all expiry timers without emitting anything.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomId, users := range t.rooms {
		for _, e := range users {
			e.timer.Stop()
		}
		delete(t.rooms, roomId)
	}
}
