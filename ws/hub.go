package ws

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const (
	maxMessageSize = 4096
	pongWait       = 2 * time.Minute
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second
)

// Subscriber is a live connection as seen by the hub.
type Subscriber interface {
	Id() string
	Identity() types.Identity
	// Enqueue queues an encoded event without blocking. It returns false if the queue is full or the subscriber is
	// closed.
	Enqueue([]byte) bool
	Close()
	Closed() bool
}

// StopTyper is notified about the rooms a subscriber was removed from. presence.Tracker implements it.
type StopTyper interface {
	StopTyping(roomId, userId string)
}

// Stats is a snapshot of the subscriptions.
type Stats struct {
	Connections   int `json:"connections"`
	Rooms         int `json:"rooms"`
	Subscriptions int `json:"subscriptions"`
}

type subscriptionRequest struct {
	sub    Subscriber
	roomId string
	done   chan bool
}

type publishRequest struct {
	roomId string
	data   []byte
	done   chan struct{}
}

type roomsRequest struct {
	sub    Subscriber
	remove bool
	done   chan []string
}

// Hub fans out room events to the subscribed connections. All subscription state is owned by the Run goroutine,
// every public method is a request to it. Requests of one caller are served in the order they were made, so the
// events published by one connection reach every subscriber in publish order.
type Hub struct {
	subs  map[string]map[Subscriber]struct{}
	conns map[Subscriber]map[string]struct{}

	join      chan subscriptionRequest
	leave     chan subscriptionRequest
	publish   chan publishRequest
	rooms     chan roomsRequest
	stats     chan chan Stats
	done      chan struct{}
	typing    StopTyper
	statsSpec string
	logger    hclog.Logger
}

// NewHub creates a hub. statsSpec is the cron spec of the periodic statistics log line, empty disables it.
func NewHub(statsSpec string) *Hub {
	return &Hub{
		subs:      make(map[string]map[Subscriber]struct{}),
		conns:     make(map[Subscriber]map[string]struct{}),
		join:      make(chan subscriptionRequest),
		leave:     make(chan subscriptionRequest),
		publish:   make(chan publishRequest),
		rooms:     make(chan roomsRequest),
		stats:     make(chan chan Stats),
		done:      make(chan struct{}),
		statsSpec: statsSpec,
		logger:    globals.AppLogger.Named("hub"),
	}
}

// SetTypingTracker sets the tracker that is told to stop the typing state of removed subscribers. It must be called
// before Run.
func (h *Hub) SetTypingTracker(typing StopTyper) {
	h.typing = typing
}

// Run is the hub event loop. It returns when ctx is done, all remaining subscribers are closed.
func (h *Hub) Run(ctx context.Context) {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if h.statsSpec != "" {
		_, err := cronRunner.AddFunc(h.statsSpec, func() {
			s := h.Stats()
			h.logger.Info("subscriptions", "connections", s.Connections, "rooms", s.Rooms, "subscriptions", s.Subscriptions)
		})
		if err != nil {
			h.logger.Error("invalid stats spec, statistics disabled", "spec", h.statsSpec, "error", err)
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()
	defer close(h.done)

	h.logger.Debug("start hub run loop")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("stopping hub", "connections", len(h.conns))
			for sub := range h.conns {
				sub.Close()
			}
			return

		case req := <-h.join:
			if req.sub.Closed() {
				req.done <- false
				continue
			}
			if _, ok := h.subs[req.roomId]; !ok {
				h.subs[req.roomId] = make(map[Subscriber]struct{})
			}
			h.subs[req.roomId][req.sub] = struct{}{}
			if _, ok := h.conns[req.sub]; !ok {
				h.conns[req.sub] = make(map[string]struct{})
			}
			h.conns[req.sub][req.roomId] = struct{}{}
			req.done <- true

		case req := <-h.leave:
			_, ok := h.conns[req.sub][req.roomId]
			if ok {
				h.unsubscribe(req.sub, req.roomId)
			}
			req.done <- ok

		case req := <-h.rooms:
			roomIds := h.roomsOf(req.sub)
			if req.remove {
				for _, roomId := range roomIds {
					h.unsubscribe(req.sub, roomId)
				}
				delete(h.conns, req.sub)
			}
			req.done <- roomIds

		case req := <-h.publish:
			var overflow []Subscriber
			for sub := range h.subs[req.roomId] {
				if !sub.Enqueue(req.data) {
					overflow = append(overflow, sub)
				}
			}
			for _, sub := range overflow {
				h.logger.Warn("dropping slow connection", "connection", sub.Id(), "user", sub.Identity().Id)
				roomIds := h.roomsOf(sub)
				for _, roomId := range roomIds {
					h.unsubscribe(sub, roomId)
				}
				delete(h.conns, sub)
				sub.Close()
				// the tracker publishes, which needs this loop
				go h.stopTyping(sub, roomIds)
			}
			close(req.done)

		case res := <-h.stats:
			s := Stats{Connections: len(h.conns), Rooms: len(h.subs)}
			for _, subs := range h.subs {
				s.Subscriptions += len(subs)
			}
			res <- s
		}
	}
}

func (h *Hub) roomsOf(sub Subscriber) []string {
	roomIds := make([]string, 0, len(h.conns[sub]))
	for roomId := range h.conns[sub] {
		roomIds = append(roomIds, roomId)
	}
	return roomIds
}

// unsubscribe must only be called from the Run loop.
func (h *Hub) unsubscribe(sub Subscriber, roomId string) {
	if subs, ok := h.subs[roomId]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, roomId)
		}
	}
	if rooms, ok := h.conns[sub]; ok {
		delete(rooms, roomId)
	}
}

func (h *Hub) stopTyping(sub Subscriber, roomIds []string) {
	if h.typing == nil {
		return
	}
	userId := sub.Identity().Id
	for _, roomId := range roomIds {
		h.typing.StopTyping(roomId, userId)
	}
}

func (h *Hub) subscription(ch chan subscriptionRequest, sub Subscriber, roomId string) bool {
	req := subscriptionRequest{sub: sub, roomId: roomId, done: make(chan bool, 1)}
	select {
	case ch <- req:
	case <-h.done:
		return false
	}
	select {
	case ok := <-req.done:
		return ok
	case <-h.done:
		return false
	}
}

// Join subscribes sub to roomId. Joining twice has the effect of joining once. The caller must have checked the
// membership. It returns false if the subscriber is already closed.
func (h *Hub) Join(sub Subscriber, roomId string) bool {
	return h.subscription(h.join, sub, roomId)
}

// Leave unsubscribes sub from roomId and stops its typing state there.
func (h *Hub) Leave(sub Subscriber, roomId string) {
	if h.subscription(h.leave, sub, roomId) {
		h.stopTyping(sub, []string{roomId})
	}
}

func (h *Hub) roomsRequest(sub Subscriber, remove bool) []string {
	req := roomsRequest{sub: sub, remove: remove, done: make(chan []string, 1)}
	select {
	case h.rooms <- req:
	case <-h.done:
		return nil
	}
	select {
	case roomIds := <-req.done:
		return roomIds
	case <-h.done:
		return nil
	}
}

// Rooms returns the rooms sub is subscribed to.
func (h *Hub) Rooms(sub Subscriber) []string {
	return h.roomsRequest(sub, false)
}

// IsSubscribed reports whether sub is subscribed to roomId.
func (h *Hub) IsSubscribed(sub Subscriber, roomId string) bool {
	for _, r := range h.Rooms(sub) {
		if r == roomId {
			return true
		}
	}
	return false
}

// Disconnect removes all subscriptions of sub at once and stops its typing state in these rooms. Repeated or
// concurrent calls for the same subscriber clean up only once.
func (h *Hub) Disconnect(sub Subscriber) {
	roomIds := h.roomsRequest(sub, true)
	h.stopTyping(sub, roomIds)
}

// Publish delivers an event to every connection subscribed to roomId, including the originating one. It returns
// when the event is queued for all of them. Connections that cannot keep up are closed instead of blocking.
func (h *Hub) Publish(roomId string, kind types.EventKind, payload interface{}) {
	data, err := types.EncodeEvent(kind, payload)
	if err != nil {
		h.logger.Error("could not encode event", "event", kind, "error", err)
		return
	}
	req := publishRequest{roomId: roomId, data: data, done: make(chan struct{})}
	select {
	case h.publish <- req:
	case <-h.done:
		return
	}
	select {
	case <-req.done:
	case <-h.done:
	}
}

func (h *Hub) Stats() Stats {
	res := make(chan Stats, 1)
	select {
	case h.stats <- res:
	case <-h.done:
		return Stats{}
	}
	select {
	case s := <-res:
		return s
	case <-h.done:
		return Stats{}
	}
}
