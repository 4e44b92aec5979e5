package ws

import (
	"slices"
	"sync"

	"teamchat/internal/models"
)

// Hub keeps the broadcast groups: one per channel, holding the connections
// subscribed to it.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[int64]map[*Client]struct{}
	clients map[*Client]map[int64]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[int64]map[*Client]struct{}),
		clients: make(map[*Client]map[int64]struct{}),
	}
}

// Subscribe adds c to the groups of channelIDs and returns the ids that
// were not subscribed before.
func (h *Hub) Subscribe(c *Client, channelIDs ...int64) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		subs = make(map[int64]struct{})
		h.clients[c] = subs
	}
	added := []int64{}
	for _, id := range channelIDs {
		if _, exists := subs[id]; exists {
			continue
		}
		subs[id] = struct{}{}
		if _, ok := h.rooms[id]; !ok {
			h.rooms[id] = make(map[*Client]struct{})
		}
		h.rooms[id][c] = struct{}{}
		added = append(added, id)
	}
	return added
}

// Unsubscribe removes c from one channel group.
func (h *Hub) Unsubscribe(c *Client, channelID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, channelID)
}

func (h *Hub) unsubscribeLocked(c *Client, channelID int64) {
	if conns, ok := h.rooms[channelID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, channelID)
		}
	}
	if subs, ok := h.clients[c]; ok {
		delete(subs, channelID)
	}
}

// UnsubscribeUsers drops every connection of userIDs from the channel's group.
func (h *Hub) UnsubscribeUsers(channelID int64, userIDs ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[channelID] {
		if slices.Contains(userIDs, c.UserID()) {
			h.unsubscribeLocked(c, channelID)
		}
	}
}

// DropChannel empties the channel's group.
func (h *Hub) DropChannel(channelID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[channelID] {
		h.unsubscribeLocked(c, channelID)
	}
}

// Remove drops c from every group and returns the channels it was in.
// ok is false when c was not registered.
func (h *Hub) Remove(c *Client) (ids []int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		return nil, false
	}
	ids = make([]int64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.unsubscribeLocked(c, id)
	}
	delete(h.clients, c)
	slices.Sort(ids)
	return ids, true
}

// Subscriptions lists the channels c is subscribed to.
func (h *Hub) Subscriptions(c *Client) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int64, 0, len(h.clients[c]))
	for id := range h.clients[c] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsSubscribed reports whether c is in the channel's group.
func (h *Hub) IsSubscribed(c *Client, channelID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[channelID][c]
	return ok
}

// Broadcast sends event to every connection subscribed to the channel.
func (h *Hub) Broadcast(channelID int64, event models.ChatEvent) {
	h.BroadcastExcept(channelID, event, nil)
}

// BroadcastExcept sends event to every subscribed connection but except.
// Delivery is best effort: a closed or slow connection misses the event.
func (h *Hub) BroadcastExcept(channelID int64, event models.ChatEvent, except *Client) {
	for _, c := range h.members(channelID) {
		if c != except {
			c.deliver(event)
		}
	}
}

func (h *Hub) members(channelID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Client, 0, len(h.rooms[channelID]))
	for c := range h.rooms[channelID] {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Track registers c without subscriptions so that CloseAll reaches it.
func (h *Hub) Track(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[int64]struct{})
	}
}

// CloseAll closes every registered connection and waits for their pumps.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		c.Wait()
	}
}
