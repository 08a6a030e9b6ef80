package telemetry

import (
	"sort"
	"sync"
	"time"

	"filterproxy/internal/logx"
)

const (
	SnapshotRingCap = 300
	EventRingCap    = 500
	topDomainsN     = 10
)

var log = logx.New(logx.WithPrefix("telemetry"))

// ClosedRelay is handed to an optional history sink when a relay's
// CloseOnce latch fires with a terminal outcome -- the supplemental
// long-lookback persistence feature, not part of the live ring buffers.
type ClosedRelay struct {
	ConnectionID int64
	Host         string
	Port         uint16
	SNI          string
	StartTime    time.Time
	EndTime      time.Time
	BytesUp      int64
	BytesDown    int64
	Outcome      string
}

// Recorder owns the active-relay set, the event and snapshot rings, the
// running counters, and the domain aggregates -- the telemetry half of C5.
// All supervisor and relay code route their state changes through this one
// type so event-id and snapshot-timestamp ordering invariants (spec.md §5)
// hold without each caller needing its own lock discipline.
type Recorder struct {
	mu sync.Mutex

	nextEventID int64
	events      []Event

	snapshots []TrafficSnapshot

	active map[int64]*RelayTracker

	counters StatsCounters

	domains map[string]*DomainAggregate

	gracePeriod time.Duration

	OnRelayClosed func(ClosedRelay)
}

func NewRecorder(gracePeriod time.Duration) *Recorder {
	return &Recorder{
		active:      make(map[int64]*RelayTracker),
		domains:     make(map[string]*DomainAggregate),
		gracePeriod: gracePeriod,
	}
}

// RegisterRelay inserts tracker into the active set under its connection id.
func (r *Recorder) RegisterRelay(t *RelayTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[t.ID] = t
}

// removeRelayAfterGrace drops the tracker from the active set once the
// post-close grace window elapses, per spec.md §3's tracker lifecycle.
func (r *Recorder) removeRelayAfterGrace(id int64) {
	time.AfterFunc(r.gracePeriod, func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
	})
}

// IncrTotalConns bumps the accept-time counter. Connection ids themselves
// come from the supervisor's own allocator, not from this counter.
func (r *Recorder) IncrTotalConns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.TotalConns++
}

func (r *Recorder) IncrTCPAllowed() { r.bump(func(c *StatsCounters) { c.TCPAllowed++ }) }
func (r *Recorder) IncrTCPBlocked() { r.bump(func(c *StatsCounters) { c.TCPBlocked++ }) }
func (r *Recorder) IncrUDPRelayed() { r.bump(func(c *StatsCounters) { c.UDPRelayed++ }) }
func (r *Recorder) IncrErrors()     { r.bump(func(c *StatsCounters) { c.Errors++ }) }

func (r *Recorder) bump(fn func(*StatsCounters)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.counters)
}

func (r *Recorder) Counters() StatsCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *Recorder) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// RecordEvent allocates a monotonic event id, timestamps the event, and
// appends it to the ring (oldest dropped past EventRingCap). This is the
// single funnel every caller routes through, which is what keeps event ids
// totally ordered in emission order (spec.md §5).
func (r *Recorder) RecordEvent(kind EventKind, host string, port uint16, sni, detail string, bytesDown int64, hasBytesDown bool) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEventID++
	ev := Event{
		ID:           r.nextEventID,
		Timestamp:    time.Now(),
		Kind:         kind,
		Host:         host,
		Port:         port,
		SNI:          sni,
		Detail:       detail,
		BytesDown:    bytesDown,
		HasBytesDown: hasBytesDown,
	}
	r.events = append(r.events, ev)
	if len(r.events) > EventRingCap {
		r.events = r.events[len(r.events)-EventRingCap:]
	}
	return ev
}

// UpdateDomainAggregate folds one relay's closing totals into the
// domain->(count,total_bytes) aggregate keyed by sni when known else host.
func (r *Recorder) UpdateDomainAggregate(domain string, totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.domains[domain]
	if !ok {
		agg = &DomainAggregate{Domain: domain}
		r.domains[domain] = agg
	}
	agg.Count++
	agg.TotalBytes += totalBytes
}

// CloseRelay runs the idempotent log_relay_end: latches tracker.closed,
// emits a Completed event unless reason already carries its own terminal
// event (stream-blocked, target-failed), folds totals into the domain
// aggregate, and schedules removal from the active set after the grace
// window. Safe to call multiple times; only the first call has effect.
func (r *Recorder) CloseRelay(t *RelayTracker, reason string) {
	t.CloseOnce(func() {
		if reason != "stream-blocked" && reason != "target-failed" {
			r.RecordEvent(KindCompleted, t.Host, t.Port, t.SNI(), reason, t.BytesDown(), true)
		}
		domain := t.SNI()
		if domain == "" {
			domain = t.Host
		}
		r.UpdateDomainAggregate(domain, t.BytesUp()+t.BytesDown())
		if r.OnRelayClosed != nil {
			r.OnRelayClosed(ClosedRelay{
				ConnectionID: t.ID,
				Host:         t.Host,
				Port:         t.Port,
				SNI:          t.SNI(),
				StartTime:    t.StartTime,
				EndTime:      time.Now(),
				BytesUp:      t.BytesUp(),
				BytesDown:    t.BytesDown(),
				Outcome:      reason,
			})
		}
		r.removeRelayAfterGrace(t.ID)
	})
}

// Tick builds one TrafficSnapshot from the current active set, counters,
// and domain aggregates, appends it to the history ring (cap
// SnapshotRingCap, oldest dropped), and returns it for an immediate
// websocket push alongside the file write.
func (r *Recorder) Tick() TrafficSnapshot {
	r.mu.Lock()
	conns := make([]ConnectionSnapshot, 0, len(r.active))
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(int64Slice(ids)))
	for _, id := range ids {
		t := r.active[id]
		conns = append(conns, ConnectionSnapshot{
			ID:        t.ID,
			Host:      t.Host,
			Port:      t.Port,
			SNI:       t.SNI(),
			StartTime: isoUTC(t.StartTime),
			BytesUp:   t.BytesUp(),
			BytesDown: t.BytesDown(),
			IsActive:  !t.IsClosed(),
		})
	}
	stats := r.counters
	top := topDomains(r.domains)
	r.mu.Unlock()

	snap := TrafficSnapshot{
		Timestamp: isoUTC(time.Now()),
		Connections: conns,
		Stats: StatsSnapshot{
			TotalConns: stats.TotalConns,
			TCPAllowed: stats.TCPAllowed,
			TCPBlocked: stats.TCPBlocked,
			UDPRelayed: stats.UDPRelayed,
			Errors:     stats.Errors,
		},
		TopDomains: top,
	}

	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	if len(r.snapshots) > SnapshotRingCap {
		r.snapshots = r.snapshots[len(r.snapshots)-SnapshotRingCap:]
	}
	r.mu.Unlock()

	return snap
}

func topDomains(domains map[string]*DomainAggregate) []DomainSnapshot {
	all := make([]DomainSnapshot, 0, len(domains))
	for _, a := range domains {
		all = append(all, DomainSnapshot{Domain: a.Domain, Count: a.Count, TotalBytes: a.TotalBytes})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TotalBytes > all[j].TotalBytes })
	if len(all) > topDomainsN {
		all = all[:topDomainsN]
	}
	return all
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Artifact snapshots the current history+events for serialization. Returned
// slices are copies so the caller can serialize without holding the lock.
func (r *Recorder) Artifact() Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make([]TrafficSnapshot, len(r.snapshots))
	copy(snaps, r.snapshots)
	events := make([]TrafficEvent, 0, len(r.events))
	for _, e := range r.events {
		te := TrafficEvent{
			ID:        e.ID,
			Timestamp: isoUTC(e.Timestamp),
			Type:      e.Kind,
			Host:      e.Host,
			Port:      e.Port,
			SNI:       e.SNI,
			Detail:    e.Detail,
		}
		if e.HasBytesDown {
			te.BytesDown = e.BytesDown
		}
		events = append(events, te)
	}
	return Artifact{Snapshots: snaps, Events: events}
}

// LogStatsLine writes the STATS_INTERVAL operational summary line, skipped
// when no connection has ever been accepted.
func (r *Recorder) LogStatsLine() {
	c := r.Counters()
	if c.TotalConns == 0 {
		return
	}
	log.Infof("total=%d active=%d tcp_allowed=%d tcp_blocked=%d udp_relayed=%d errors=%d",
		c.TotalConns, r.ActiveCount(), c.TCPAllowed, c.TCPBlocked, c.UDPRelayed, c.Errors)
}
