package rtprecv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// maxSessions bounds how many announced streams are played at once
const maxSessions = 16

// registry maps announcement origins to their sessions
type registry struct {
	logger *zap.SugaredLogger

	sessions map[string]*Session
	limit    int
	lock     sync.Locker
}

func newRegistry(logger *zap.SugaredLogger, limit int) *registry {
	logger = logger.Named("sessions")

	r := &registry{
		logger:   logger,
		sessions: make(map[string]*Session),
		limit:    limit,
		lock:     &sync.Mutex{},
	}

	logger.Debug("Created session registry instance")

	return r
}

func (r *registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.sessions)
}

func (r *registry) Full() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.sessions) >= r.limit
}

func (r *registry) Get(origin string) (*Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.sessions[origin]

	return s, ok
}

// Add inserts s unless its origin is taken or the registry is full
func (r *registry) Add(s *Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.sessions[s.origin]; ok {
		return fmt.Errorf("session for origin %q already registered", s.origin)
	}

	if len(r.sessions) >= r.limit {
		return fmt.Errorf("%w: %d sessions", ErrCapacityExceeded, r.limit)
	}

	r.sessions[s.origin] = s

	return nil
}

// Remove deletes s, but only if it is still the session registered for its origin
func (r *registry) Remove(s *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if current, ok := r.sessions[s.origin]; !ok || current != s {
		return false
	}

	delete(r.sessions, s.origin)

	return true
}

// Sessions returns a snapshot for iteration, ordered by origin
func (r *registry) Sessions() []*Session {
	r.lock.Lock()
	sessions := funk.Values(r.sessions).([]*Session)
	r.lock.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].origin < sessions[j].origin
	})

	return sessions
}

func (r *registry) Origins() []string {
	r.lock.Lock()
	origins := funk.Keys(r.sessions).([]string)
	r.lock.Unlock()

	sort.Strings(origins)

	return origins
}

func (r *registry) String() string {
	return fmt.Sprintf("<%d rtp sessions>", r.Len())
}
