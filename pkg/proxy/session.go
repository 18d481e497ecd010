package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one proxied client connection, from accept to teardown. The
// handler goroutine fills in the tag and backend as the pipeline
// progresses; the admin endpoint snapshots sessions concurrently.
type Session struct {
	net.Conn
	id      uint64
	client  string
	started time.Time

	upload   atomic.Int64
	download atomic.Int64

	mu         sync.Mutex
	tag        string
	backend    string
	suppressed bool
}

// Classified records the handshake outcome for the session.
func (s *Session) Classified(tag string, suppressed bool) {
	s.mu.Lock()
	s.tag = tag
	s.suppressed = suppressed
	s.mu.Unlock()
}

// Routed records the backend the session was spliced to.
func (s *Session) Routed(backend string) {
	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         uint64    `json:"id"`
	Client     string    `json:"client"`
	Tag        string    `json:"tag,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Suppressed bool      `json:"suppressed_handshake,omitempty"`
	Upload     int64     `json:"upload_bytes"`
	Download   int64     `json:"download_bytes"`
	Started    time.Time `json:"started"`
}

// Info snapshots the session, including bytes moved so far by a splice
// still in flight.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		Client:     s.client,
		Tag:        s.tag,
		Backend:    s.backend,
		Suppressed: s.suppressed,
		Upload:     s.upload.Load(),
		Download:   s.download.Load(),
		Started:    s.started,
	}
}

// TagTotals aggregates the finished sessions that classified to one tag.
type TagTotals struct {
	Tag           string `json:"tag"`
	Backend       string `json:"backend,omitempty"`
	Sessions      uint64 `json:"sessions"`
	UploadBytes   int64  `json:"upload_bytes"`
	DownloadBytes int64  `json:"download_bytes"`
}

// Registry tracks live sessions and folds finished ones into per-tag
// totals. Shutdown closes every client through it; the admin endpoint
// reads who is connected where.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	sessions map[uint64]*Session
	totals   map[string]*TagTotals
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		totals:   make(map[string]*TagTotals),
	}
}

// Track registers conn and returns its session.
func (r *Registry) Track(conn net.Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := &Session{
		Conn:    conn,
		id:      r.nextID,
		client:  conn.RemoteAddr().String(),
		started: time.Now(),
	}
	r.sessions[s.id] = s
	return s
}

// Release drops the session and folds its counters into the tag totals.
// Sessions that never classified leave no trace.
func (r *Registry) Release(s *Session) {
	info := s.Info()

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.id)
	if info.Tag == "" {
		return
	}

	t := r.totals[info.Tag]
	if t == nil {
		t = &TagTotals{Tag: info.Tag}
		r.totals[info.Tag] = t
	}
	t.Sessions++
	t.UploadBytes += info.Upload
	t.DownloadBytes += info.Download
	if info.Backend != "" {
		t.Backend = info.Backend
	}
}

// Active snapshots every live session.
func (r *Registry) Active() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	// Snapshot outside the registry lock: Info takes the session lock,
	// which a handler may hold while recording pipeline progress.
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Totals returns a copy of the per-tag aggregates.
func (r *Registry) Totals() map[string]TagTotals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[string]TagTotals, len(r.totals))
	for tag, t := range r.totals {
		totals[tag] = *t
	}
	return totals
}

// ResetTotals clears the per-tag aggregates. Live sessions are kept.
func (r *Registry) ResetTotals() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = make(map[string]*TagTotals)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live session. Handlers release their own entries
// as they unwind.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		s.Conn.Close()
	}
}
