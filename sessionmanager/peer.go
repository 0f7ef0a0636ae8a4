package sessionmanager

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nostrchat/doubleratchet/session"
)

// peerRecord is every session we hold with one peer identity pubkey,
// split by device id.
type peerRecord struct {
	mu      sync.Mutex
	devices map[string]*deviceRecord
}

func newPeerRecord() *peerRecord {
	return &peerRecord{devices: make(map[string]*deviceRecord)}
}

func (p *peerRecord) device(deviceID string, inactiveCap int) (*deviceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[deviceID]; ok {
		return d, nil
	}
	d, err := newDeviceRecord(deviceID, inactiveCap)
	if err != nil {
		return nil, err
	}
	p.devices[deviceID] = d
	return d, nil
}

func (p *peerRecord) activeSessions() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*session.Session
	for _, d := range p.devices {
		if d.active != nil {
			out = append(out, d.active)
		}
	}
	return out
}

func (p *peerRecord) hasActiveSessions() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.active != nil {
			return true
		}
	}
	return false
}

func (p *peerRecord) allSessionsWithDevice() []struct {
	deviceID string
	session  *session.Session
} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []struct {
		deviceID string
		session  *session.Session
	}
	for deviceID, d := range p.devices {
		for _, s := range d.allSessions() {
			out = append(out, struct {
				deviceID string
				session  *session.Session
			}{deviceID, s})
		}
	}
	return out
}

// storedDeviceRecord is a deviceRecord's persisted form.
type storedDeviceRecord struct {
	DeviceID         string          `json:"device_id"`
	ActiveSession    *session.State  `json:"active_session,omitempty"`
	InactiveSessions []session.State `json:"inactive_sessions,omitempty"`
}

// storedPeerRecord is a peerRecord's persisted form, keyed externally
// by the peer's identity pubkey.
type storedPeerRecord struct {
	Devices []storedDeviceRecord `json:"devices"`
}

func peerStorageKey(identityPubkey string) string {
	return "user/" + identityPubkey
}

func (p *peerRecord) toStored() storedPeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	deviceIDs := make([]string, 0, len(p.devices))
	for id := range p.devices {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	out := storedPeerRecord{}
	for _, id := range deviceIDs {
		d := p.devices[id]
		d.mu.Lock()
		sd := storedDeviceRecord{DeviceID: id}
		if d.active != nil {
			st := d.active.ExportState()
			sd.ActiveSession = &st
		}
		for _, key := range d.inactive.Keys() {
			if s, ok := d.inactive.Get(key); ok {
				st := s.ExportState()
				sd.InactiveSessions = append(sd.InactiveSessions, st)
			}
		}
		d.mu.Unlock()
		out.Devices = append(out.Devices, sd)
	}
	return out
}

func peerRecordFromStored(data string, maxSkip, inactiveCap int) (*peerRecord, error) {
	var stored storedPeerRecord
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("sessionmanager: decode peer record: %w", err)
	}
	p := newPeerRecord()
	for _, sd := range stored.Devices {
		d, err := newDeviceRecord(sd.DeviceID, inactiveCap)
		if err != nil {
			return nil, err
		}
		if sd.ActiveSession != nil {
			s, err := session.Resume(*sd.ActiveSession, maxSkip)
			if err != nil {
				return nil, err
			}
			d.active = s
		}
		for _, st := range sd.InactiveSessions {
			s, err := session.Resume(st, maxSkip)
			if err != nil {
				return nil, err
			}
			d.inactive.Add(retiredKey(s), s)
		}
		p.devices[sd.DeviceID] = d
	}
	return p, nil
}
