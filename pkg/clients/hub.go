package clients

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/events"
)

// Hub groups client connections by call and delivers session events to them.
type Hub struct {
	mu          sync.Mutex
	groups      map[string]*callGroup
	idleTimeout time.Duration
}

// NewHub returns a hub that forgets a call's group after it has had no
// clients for idleTimeout. Zero keeps empty groups until CloseCall.
func NewHub(idleTimeout time.Duration) *Hub {
	return &Hub{groups: map[string]*callGroup{}, idleTimeout: idleTimeout}
}

func (h *Hub) group(callSid string, create bool) *callGroup {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[callSid]
	if !ok && create {
		var created *callGroup
		created = newCallGroup(callSid, h.idleTimeout, func() { h.forget(callSid, created) })
		h.groups[callSid] = created
		g = created
	}
	return g
}

func (h *Hub) forget(callSid string, g *callGroup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.groups[callSid]; ok && cur == g && g.size() == 0 {
		delete(h.groups, callSid)
	}
}

func (h *Hub) Join(callSid string, o *Outbox) {
	h.group(callSid, true).join(o)
}

func (h *Hub) Leave(callSid string, o *Outbox) {
	if g := h.group(callSid, false); g != nil {
		g.leave(o)
	}
}

// Count returns the number of clients bound to callSid.
func (h *Hub) Count(callSid string) int {
	if g := h.group(callSid, false); g != nil {
		return g.size()
	}
	return 0
}

// Deliver sends ev to every client bound to its call.
func (h *Hub) Deliver(ev events.Event) {
	g := h.group(ev.CallSid, false)
	if g == nil {
		return
	}
	data, err := encode(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "clients").Str("call_sid", ev.CallSid).Msg("encode event")
		return
	}
	g.broadcast(data)
}

// CloseCall disconnects every client of callSid.
func (h *Hub) CloseCall(callSid string) {
	h.mu.Lock()
	g := h.groups[callSid]
	delete(h.groups, callSid)
	h.mu.Unlock()
	if g != nil {
		g.closeAll()
	}
}

func sendTo(o *Outbox, ev events.Event) {
	data, err := encode(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "clients").Msg("encode reply")
		return
	}
	if !o.Enqueue(data) && !o.Closed() {
		log.Warn().Str("component", "clients").Str("client_id", o.id).Str("type", string(ev.Type)).Msg("reply dropped, client buffer full")
	}
}
