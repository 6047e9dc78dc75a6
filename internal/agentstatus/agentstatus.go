// Package agentstatus keeps the live status of every worker agent in one
// shared document and pushes each new state to subscribers.
package agentstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/kv"
)

const (
	DocumentKey         = "agent_status"
	DefaultOrchestrator = "orchestrator"
	subscriberBuffer    = 64
)

var (
	ErrNotFound = errors.New("agent not found")
	ErrInvalid  = errors.New("invalid agent update")
)

var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusComplete, StatusError:
		return true
	}
	return false
}

type AgentState struct {
	AgentID    string    `json:"agent_id"`
	Status     Status    `json:"status"`
	Task       *string   `json:"task"`
	Progress   *int      `json:"progress,omitempty"`
	LastUpdate time.Time `json:"last_update"`
	Error      string    `json:"error,omitempty"`
}

type SwarmState struct {
	Agents      map[string]AgentState `json:"agents"`
	LastUpdated time.Time             `json:"last_updated"`
	Version     uint64                `json:"version"`
}

func (s SwarmState) clone() SwarmState {
	s.Agents = maps.Clone(s.Agents)
	if s.Agents == nil {
		s.Agents = map[string]AgentState{}
	}
	return s
}

// Patch is a partial agent update. An empty Task clears the task.
type Patch struct {
	Status   *Status `json:"status,omitempty"`
	Task     *string `json:"task,omitempty"`
	Progress *int    `json:"progress,omitempty"`
	Error    *string `json:"error,omitempty"`
}

func (p Patch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, *p.Status)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range 0..100", ErrInvalid, *p.Progress)
	}
	return nil
}

// ValidateID checks an agent id.
func ValidateID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: bad agent id %q", ErrInvalid, id)
	}
	return nil
}

func apply(a AgentState, p Patch, now time.Time) AgentState {
	if p.Status != nil {
		a.Status = *p.Status
		switch a.Status {
		case StatusIdle:
			a.Task, a.Progress = nil, nil
		case StatusComplete:
			full := 100
			a.Progress = &full
		}
		if a.Status != StatusError {
			a.Error = ""
		}
	}
	if p.Task != nil {
		if *p.Task == "" {
			a.Task = nil
		} else {
			t := *p.Task
			a.Task = &t
		}
	}
	if p.Progress != nil {
		v := *p.Progress
		a.Progress = &v
	}
	if p.Error != nil {
		a.Error = *p.Error
	}
	a.LastUpdate = now
	return a
}

type subscriber struct {
	ch   chan SwarmState
	fn   func(SwarmState)
	once sync.Once
}

func (s *subscriber) run() {
	for st := range s.ch {
		s.deliver(st)
	}
}

func (s *subscriber) deliver(st SwarmState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status subscriber panicked", "panic", r)
		}
	}()
	s.fn(st)
}

type Store struct {
	// mu orders updates so subscribers see states in mutation order.
	mu           sync.Mutex
	doc          *kv.Document[SwarmState]
	orchestrator string
	now          func() time.Time

	subsMu sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type Option func(*Store)

func WithOrchestrator(id string) Option {
	return func(s *Store) { s.orchestrator = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store over b. agents are seeded as idle when the document
// does not exist yet.
func New(b kv.Backend, ttl *cache.TTL, agents []string, opts ...Option) *Store {
	s := &Store{
		orchestrator: DefaultOrchestrator,
		now:          time.Now,
		subs:         make(map[uint64]*subscriber),
	}
	for _, o := range opts {
		o(s)
	}
	seed := slices.Clone(agents)
	if !slices.Contains(seed, s.orchestrator) {
		seed = append([]string{s.orchestrator}, seed...)
	}
	s.doc = kv.NewDocument(b, DocumentKey, ttl, func() SwarmState {
		st := SwarmState{Agents: make(map[string]AgentState, len(seed))}
		for _, id := range seed {
			st.Agents[id] = AgentState{AgentID: id, Status: StatusIdle}
		}
		return st
	})
	return s
}

func (s *Store) Orchestrator() string {
	return s.orchestrator
}

func (s *Store) GetState(ctx context.Context) (SwarmState, error) {
	var out SwarmState
	err := s.doc.View(ctx, func(st *SwarmState) error {
		out = st.clone()
		return nil
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, id string) (AgentState, error) {
	st, err := s.GetState(ctx)
	if err != nil {
		return AgentState{}, err
	}
	a, ok := st.Agents[id]
	if !ok {
		return AgentState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Update applies p to agent id and returns the new state.
func (s *Store) Update(ctx context.Context, id string, p Patch) (SwarmState, error) {
	return s.UpdateMany(ctx, map[string]Patch{id: p})
}

// UpdateMany applies several patches as one mutation: one version bump, one
// event. After every update the orchestrator is working.
func (s *Store) UpdateMany(ctx context.Context, patches map[string]Patch) (SwarmState, error) {
	if len(patches) == 0 {
		return SwarmState{}, fmt.Errorf("%w: no agents in update", ErrInvalid)
	}
	ids := slices.Sorted(maps.Keys(patches))
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return SwarmState{}, err
		}
		if err := patches[id].validate(); err != nil {
			return SwarmState{}, fmt.Errorf("agent %s: %w", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.doc.Update(ctx, func(st *SwarmState) error {
		if st.Agents == nil {
			st.Agents = make(map[string]AgentState)
		}
		now := s.now().UTC()
		for _, id := range ids {
			a, ok := st.Agents[id]
			if !ok {
				a = AgentState{AgentID: id, Status: StatusIdle}
			}
			st.Agents[id] = apply(a, patches[id], now)
		}
		s.superviseLocked(st, now)
		st.LastUpdated = now
		st.Version++
		return nil
	})
	if err != nil {
		return SwarmState{}, fmt.Errorf("update agents: %w", err)
	}

	s.broadcastLocked(st)
	return st.clone(), nil
}

// superviseLocked keeps the orchestrator in the working state.
func (s *Store) superviseLocked(st *SwarmState, now time.Time) {
	o, ok := st.Agents[s.orchestrator]
	if !ok {
		o = AgentState{AgentID: s.orchestrator}
	}
	if o.Status != StatusWorking {
		o.Status = StatusWorking
		o.Error = ""
		o.LastUpdate = now
	}
	st.Agents[s.orchestrator] = o
}

// Subscribe registers fn for every future state. Each subscriber has its own
// queue and goroutine; when the queue is full the event is dropped for that
// subscriber only. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(SwarmState)) func() {
	sub := &subscriber{ch: make(chan SwarmState, subscriberBuffer), fn: fn}
	go sub.run()

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (s *Store) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *Store) broadcastLocked(st SwarmState) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- st.clone():
		default:
			slog.Warn("status subscriber queue full, dropping event", "subscriber", id, "version", st.Version)
		}
	}
}
