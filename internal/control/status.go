package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/ccbench/internal/experiment"
	"github.com/NodePath81/ccbench/internal/metrics"
	"github.com/NodePath81/ccbench/internal/model"
)

type TransitionEntry struct {
	State string `json:"state"`
	// At is Unix milliseconds.
	At int64 `json:"at"`
}

// RunSnapshot is the externally visible view of the current or last run.
type RunSnapshot struct {
	ID         string              `json:"id"`
	Controller string              `json:"controller"`
	Mode       string              `json:"mode"`
	State      string              `json:"state"`
	Outcome    string              `json:"outcome,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  int64               `json:"started_at"`
	UpdatedAt  int64               `json:"updated_at"`
	History    []TransitionEntry   `json:"history"`
	Trials     []model.TrialResult `json:"trials"`
}

type runEntry struct {
	id         string
	controller model.Controller
	mode       model.Mode
	state      experiment.State
	outcome    string
	err        string
	started    time.Time
	updated    time.Time
	history    []TransitionEntry
	trials     []model.TrialResult
}

// StatusStore tracks the run reported by the orchestrator, feeds metrics and
// fans every change out to websocket clients. It implements
// experiment.Observer.
type StatusStore struct {
	mu      sync.Mutex
	current *runEntry
	runs    uint64
	hub     *StatusHub
	metrics *metrics.Metrics
}

func NewStatusStore(hub *StatusHub, metrics *metrics.Metrics) *StatusStore {
	return &StatusStore{hub: hub, metrics: metrics}
}

func (s *StatusStore) Observe(ev experiment.Event) {
	s.mu.Lock()
	entry := s.current
	if entry == nil || entry.id != ev.RunID {
		entry = &runEntry{
			id:         ev.RunID,
			controller: ev.Controller,
			mode:       ev.Mode,
			started:    ev.At,
		}
		s.current = entry
		s.runs++
	}
	entry.updated = ev.At
	if ev.Err != "" {
		entry.err = ev.Err
	}
	if ev.Trial != nil {
		entry.trials = append(entry.trials, *ev.Trial)
	} else {
		entry.state = ev.State
		entry.history = append(entry.history, TransitionEntry{State: ev.State.String(), At: ev.At.UnixMilli()})
	}
	outcome := ""
	if ev.Trial == nil {
		switch ev.State {
		case experiment.StatePersisted:
			outcome = "complete"
		case experiment.StateFailed:
			outcome = "failed"
			if len(entry.trials) > 0 {
				outcome = "partial"
			}
		}
		if outcome != "" {
			entry.outcome = outcome
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		if ev.Trial != nil {
			s.metrics.SetTrial(ev.Controller, ev.Mode, *ev.Trial)
		} else {
			s.metrics.SetState(ev.RunID, ev.State.String(), ev.At)
		}
		if outcome != "" {
			s.metrics.IncRun(outcome)
		}
	}

	msg := statusMessage{
		Type:  "state",
		RunID: ev.RunID,
		State: ev.State.String(),
		At:    ev.At.UnixMilli(),
		Error: ev.Err,
	}
	if ev.Trial != nil {
		msg.Type = "trial"
		trial := *ev.Trial
		msg.Trial = &trial
	}
	s.hub.Broadcast(msg)
}

// Snapshot returns the current run, or false before any run was observed.
func (s *StatusStore) Snapshot() (RunSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return RunSnapshot{}, false
	}
	e := s.current
	snap := RunSnapshot{
		ID:         e.id,
		Controller: e.controller.String(),
		Mode:       e.mode.String(),
		State:      e.state.String(),
		Outcome:    e.outcome,
		Error:      e.err,
		StartedAt:  e.started.UnixMilli(),
		UpdatedAt:  e.updated.UnixMilli(),
		History:    append([]TransitionEntry(nil), e.history...),
		Trials:     append([]model.TrialResult{}, e.trials...),
	}
	return snap, true
}

// Runs is the number of distinct runs observed since start.
func (s *StatusStore) Runs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type statusMessage struct {
	Type  string             `json:"type"`
	RunID string             `json:"run_id,omitempty"`
	State string             `json:"state,omitempty"`
	At    int64              `json:"at,omitempty"`
	Error string             `json:"error,omitempty"`
	Trial *model.TrialResult `json:"trial,omitempty"`
	Run   *RunSnapshot       `json:"run,omitempty"`
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			data, _ := json.Marshal(msg)
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast drops the message when the hub is backed up.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *StatusHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
