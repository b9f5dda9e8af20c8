package site

import (
	"paxcom/pkg/synode"
)

// History keeps installed sites in reverse start order, newest first.
// Any executed synod resolves to exactly one site: the latest site whose
// start is not greater than the synod.
type History struct {
	sites []*Site
}

// Push installs a new site at the head of the history.
func (h *History) Push(s *Site) {
	h.sites = append([]*Site{s}, h.sites...)
}

// Latest returns the most recently installed site, nil if none.
func (h *History) Latest() *Site {
	if len(h.sites) == 0 {
		return nil
	}
	return h.sites[0]
}

// Find resolves the site governing the given synod.
func (h *History) Find(s synode.Synode) *Site {
	for _, def := range h.sites {
		if !synode.Gt(def.Start, s) {
			return def
		}
	}
	return nil
}

// FindNext returns the earliest site with start strictly greater than
// the given synod, nil if none is pending.
func (h *History) FindNext(start synode.Synode) *Site {
	var next *Site
	for _, def := range h.sites {
		if synode.Gt(def.Start, start) {
			next = def
		} else {
			break
		}
	}
	return next
}

// All returns the history newest first.
func (h *History) All() []*Site {
	return h.sites
}

// Len is the number of installed sites.
func (h *History) Len() int {
	return len(h.sites)
}

// GC drops sites that can no longer govern any message at or after the
// delivered cursor, always keeping the latest two.
func (h *History) GC(delivered synode.Synode) {
	for len(h.sites) > 2 {
		// The site before the last is the oldest that can still
		// resolve delivered; everything older goes.
		prev := h.sites[len(h.sites)-2]
		if synode.Gt(prev.Start, delivered) {
			break
		}
		h.sites = h.sites[:len(h.sites)-1]
	}
}

// Reset drops everything.
func (h *History) Reset() {
	h.sites = nil
}

// FirstEventHorizonReconfig returns the first pending site, relative to
// the executed cursor, that changes the event horizon.
func (h *History) FirstEventHorizonReconfig(executed synode.Synode) *Site {
	active := h.Find(executed)
	if active == nil {
		return nil
	}
	next := h.FindNext(active.Start)
	for next != nil {
		if next.EventHorizon != active.EventHorizon {
			return next
		}
		next = h.FindNext(next.Start)
	}
	return nil
}

// LatestEventHorizonReconfig returns the last pending site, relative to
// the executed cursor, that changes the event horizon.
func (h *History) LatestEventHorizonReconfig(executed synode.Synode) *Site {
	active := h.Find(executed)
	if active == nil {
		return nil
	}
	prevHorizon := active.EventHorizon
	var last *Site
	next := h.FindNext(active.Start)
	for next != nil {
		if next.EventHorizon != prevHorizon {
			prevHorizon = next.EventHorizon
			last = next
		}
		next = h.FindNext(next.Start)
	}
	return last
}
