package clients

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// callGroup is the set of clients bound to one call, in join order. A client
// whose outbox is full is evicted and disconnected on the next broadcast.
type callGroup struct {
	callSid string

	mu      sync.Mutex
	members []*Outbox
	// linger fires onEmpty once the group has stayed empty for lingerFor.
	linger    *time.Timer
	lingerFor time.Duration
	onEmpty   func()
}

func newCallGroup(callSid string, lingerFor time.Duration, onEmpty func()) *callGroup {
	return &callGroup{callSid: callSid, lingerFor: lingerFor, onEmpty: onEmpty}
}

func (g *callGroup) indexLocked(o *Outbox) int {
	for i, m := range g.members {
		if m == o {
			return i
		}
	}
	return -1
}

func (g *callGroup) join(o *Outbox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.indexLocked(o) < 0 {
		g.members = append(g.members, o)
	}
	g.rearmLocked()
}

// leave removes o without closing its connection; the client may bind to
// another call.
func (g *callGroup) leave(o *Outbox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i := g.indexLocked(o); i >= 0 {
		g.members = append(g.members[:i], g.members[i+1:]...)
	}
	g.rearmLocked()
}

func (g *callGroup) broadcast(data []byte) {
	g.mu.Lock()
	kept := g.members[:0]
	var evicted []*Outbox
	for _, o := range g.members {
		if o.Enqueue(data) {
			kept = append(kept, o)
		} else {
			evicted = append(evicted, o)
		}
	}
	for i := len(kept); i < len(g.members); i++ {
		g.members[i] = nil
	}
	g.members = kept
	g.rearmLocked()
	g.mu.Unlock()

	for _, o := range evicted {
		if !o.Closed() {
			log.Warn().Str("component", "clients").Str("call_sid", g.callSid).Str("client_id", o.id).Msg("client too slow, disconnecting")
		}
		_ = o.Close()
	}
}

func (g *callGroup) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// closeAll disconnects every member.
func (g *callGroup) closeAll() {
	g.mu.Lock()
	members := g.members
	g.members = nil
	if g.linger != nil {
		g.linger.Stop()
		g.linger = nil
	}
	g.mu.Unlock()
	for _, o := range members {
		_ = o.Close()
	}
}

func (g *callGroup) rearmLocked() {
	if g.linger != nil {
		g.linger.Stop()
		g.linger = nil
	}
	if len(g.members) > 0 || g.lingerFor <= 0 || g.onEmpty == nil {
		return
	}
	g.linger = time.AfterFunc(g.lingerFor, func() {
		g.mu.Lock()
		empty := len(g.members) == 0
		g.linger = nil
		g.mu.Unlock()
		if empty {
			g.onEmpty()
		}
	})
}
