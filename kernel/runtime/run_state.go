package runtime

import (
	"strings"
	"sync"
)

// Phase is the state of the in-flight request of one session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseRequesting Phase = "requesting"
	PhaseStreaming  Phase = "streaming"
	PhaseCommitting Phase = "committing"
	PhaseTerminal   Phase = "terminal"
)

// runLease is the exclusive access token one operation holds on a session.
type runLease struct {
	sessionID string
	mu        sync.Mutex
	phase     Phase
}

func (l *runLease) set(phase Phase) {
	l.mu.Lock()
	l.phase = phase
	l.mu.Unlock()
}

func (l *runLease) get() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// leases maps session id to the operation holding it. Entries exist only
// while an operation runs.
type leases struct {
	mu     sync.Mutex
	active map[string]*runLease
}

func (ls *leases) acquire(sessionID string) (*runLease, error) {
	sessionID = strings.TrimSpace(sessionID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.active == nil {
		ls.active = map[string]*runLease{}
	}
	if held, exists := ls.active[sessionID]; exists {
		return nil, &SessionBusyError{SessionID: sessionID, Phase: held.get()}
	}
	lease := &runLease{sessionID: sessionID, phase: PhaseLoading}
	ls.active[sessionID] = lease
	return lease, nil
}

func (ls *leases) release(lease *runLease) {
	if lease == nil {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.active[lease.sessionID] == lease {
		delete(ls.active, lease.sessionID)
	}
}

func (ls *leases) phase(sessionID string) Phase {
	ls.mu.Lock()
	lease := ls.active[strings.TrimSpace(sessionID)]
	ls.mu.Unlock()
	if lease == nil {
		return PhaseIdle
	}
	return lease.get()
}
