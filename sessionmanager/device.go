// Package sessionmanager multiplexes every per-peer, per-device
// Double Ratchet session a device holds, owns that device's own
// invite lifecycle, and dispatches received relay events to the right
// session or invite handler.
package sessionmanager

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nostrchat/doubleratchet/session"
)

// deviceRecord is one peer device's session history: the live session
// plus a bounded cache of superseded sessions still capable of
// decrypting messages already in flight when a rotation superseded
// them. Bounded rather than keeping every prior session forever.
type deviceRecord struct {
	mu sync.Mutex

	deviceID string

	active   *session.Session
	inactive *lru.Cache[string, *session.Session]
}

func newDeviceRecord(deviceID string, inactiveCap int) (*deviceRecord, error) {
	cache, err := lru.New[string, *session.Session](inactiveCap)
	if err != nil {
		return nil, err
	}
	return &deviceRecord{deviceID: deviceID, inactive: cache}, nil
}

// retire moves the current active session into the inactive cache
// (evicting the oldest if full) and installs replacement as active.
func (d *deviceRecord) retire(replacement *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		d.inactive.Add(retiredKey(d.active), d.active)
	}
	d.active = replacement
}

// retiredKey gives each retired session a stable cache key derived
// from its exported state's peer-facing identity at retirement time.
func retiredKey(s *session.Session) string {
	st := s.ExportState()
	return st.TheirCurrentKey + "|" + st.TheirNextKey
}

// allSessions returns the active session (if any) followed by every
// still-cached inactive session, in "try every session we have" order
// for incoming message receive.
func (d *deviceRecord) allSessions() []*session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*session.Session, 0, 1+d.inactive.Len())
	if d.active != nil {
		out = append(out, d.active)
	}
	for _, key := range d.inactive.Keys() {
		if s, ok := d.inactive.Get(key); ok {
			out = append(out, s)
		}
	}
	return out
}
