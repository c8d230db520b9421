package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tcriess/lightspeed-rooms/types"
)

type recordingNotifier struct {
	sync.Mutex
	events []types.EventKind
	users  []string
}

func (n *recordingNotifier) Publish(roomId string, kind types.EventKind, payload interface{}) {
	n.Lock()
	defer n.Unlock()
	n.events = append(n.events, kind)
	n.users = append(n.users, payload.(types.TypingPayload).Id)
}

func (n *recordingNotifier) kinds() []types.EventKind {
	n.Lock()
	defer n.Unlock()
	return append([]types.EventKind(nil), n.events...)
}

var (
	alice = types.Identity{Id: "a", Username: "alice"}
	bob   = types.Identity{Id: "b", Username: "bob"}
)

func TestTypingTransitions(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(n, time.Minute)
	defer tr.Stop()

	assert.False(t, tr.IsTyping("r"))
	tr.Typing("r", alice)
	tr.Typing("r", alice)
	tr.Typing("r", alice)
	assert.True(t, tr.IsTyping("r"))
	assert.Equal(t, []types.Identity{alice}, tr.TypingUsers("r"))

	tr.Typing("r", bob)
	assert.Equal(t, []types.Identity{alice, bob}, tr.TypingUsers("r"))
	assert.False(t, tr.IsTyping("other"))

	tr.StopTyping("r", alice.Id)
	tr.StopTyping("r", alice.Id)
	tr.StopTyping("r", bob.Id)
	tr.StopTyping("unknown", bob.Id)
	assert.False(t, tr.IsTyping("r"))

	assert.Equal(t, []types.EventKind{
		types.EventUserTyping,
		types.EventUserTyping,
		types.EventUserStopTyping,
		types.EventUserStopTyping,
	}, n.kinds())
	assert.Equal(t, []string{"a", "b", "a", "b"}, n.users)
}

func TestTypingSelfExpiry(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(n, 50*time.Millisecond)
	defer tr.Stop()

	tr.Typing("r", alice)
	assert.True(t, tr.IsTyping("r"))
	assert.Eventually(t, func() bool { return !tr.IsTyping("r") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.EventKind{types.EventUserTyping, types.EventUserStopTyping}, n.kinds())

	// an explicit stop after the expiry changes nothing
	tr.StopTyping("r", alice.Id)
	assert.Len(t, n.kinds(), 2)
}

func TestTypingRefreshExtends(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(n, 100*time.Millisecond)
	defer tr.Stop()

	var mu sync.Mutex
	now := time.Now()
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	tr.Typing("r", alice)

	// a refresh shortly before the timer fires keeps the user typing
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	now = now.Add(80 * time.Millisecond)
	mu.Unlock()
	tr.Typing("r", alice)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.IsTyping("r"))

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	assert.Eventually(t, func() bool { return !tr.IsTyping("r") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.EventKind{types.EventUserTyping, types.EventUserStopTyping}, n.kinds())
}

func TestTypingConcurrentStopAndExpiry(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(n, 5*time.Millisecond)
	defer tr.Stop()

	for i := 0; i < 20; i++ {
		tr.Typing("r", alice)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(5 * time.Millisecond)
				tr.StopTyping("r", alice.Id)
			}()
		}
		wg.Wait()
		assert.Eventually(t, func() bool { return !tr.IsTyping("r") }, time.Second, time.Millisecond)
	}
	kinds := n.kinds()
	assert.Len(t, kinds, 40)
	for i, k := range kinds {
		if i%2 == 0 {
			assert.Equal(t, types.EventUserTyping, k)
		} else {
			assert.Equal(t, types.EventUserStopTyping, k)
		}
	}
}
