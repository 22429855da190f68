package session

// LinkObserver is implemented by anything that wants to be told about
// physical link transitions (out of scope for this module: a PHY driver
// or a netlink watcher would call Notify). The session engine is the
// consumer, not the producer, of link-status events.
type LinkObserver interface {
	NotifyLinkStatus(up bool)
}

// Fanout broadcasts a single link-status observer's notifications to
// every session the bridge owns, since both ports typically share one
// physical link.
type Fanout struct {
	sessions []*Session
}

// NewFanout builds a Fanout over the given sessions.
func NewFanout(sessions ...*Session) *Fanout {
	return &Fanout{sessions: sessions}
}

// NotifyLinkStatus implements LinkObserver by forwarding to every session.
func (f *Fanout) NotifyLinkStatus(up bool) {
	for _, s := range f.sessions {
		s.NotifyLinkStatus(up)
	}
}
