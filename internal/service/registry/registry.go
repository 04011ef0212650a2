// Package registry is the process-wide table of streaming sessions. It
// creates and starts sessions, routes chunks to them and reaps sessions
// whose worker has exited on its own.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-speech-stream-service/internal/models"
	"ai-speech-stream-service/internal/observability/logging"
	"ai-speech-stream-service/internal/observability/metrics"
	"ai-speech-stream-service/internal/service/stream"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Config bounds the registry.
type Config struct {
	MaxSessions int           // 0 = unlimited
	StopTimeout time.Duration // bounded wait for a worker on Stop
	Session     stream.Config
}

// Info is a read-only view of a registered session.
type Info struct {
	ID             string    `json:"sessionId"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	ChunksReceived int64     `json:"chunksReceived"`
	Transcripts    int64     `json:"transcriptsEmitted"`
	UseCalibration bool      `json:"useCalibration"`
	UsePhrases     bool      `json:"usePhrases"`
}

// Registry owns the active sessions. Safe for concurrent use.
type Registry struct {
	cfg  Config
	deps stream.Deps
	ctx  context.Context
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*stream.Session
}

// New creates a registry. Sessions inherit ctx: cancelling it ends them all.
func New(ctx context.Context, cfg Config, deps stream.Deps) *Registry {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		ctx:      ctx,
		log:      logging.WithComponent("registry"),
		sessions: make(map[string]*stream.Session),
	}
}

// Create registers and starts a new session. An empty opts.ID gets a
// generated UUID.
func (r *Registry) Create(opts stream.Options) (*stream.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, ok := r.sessions[id]; ok {
		r.deps.Metrics.RecordSessionRejected("exists")
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.deps.Metrics.RecordSessionRejected("capacity")
		return nil, fmt.Errorf("%w: %d active", ErrCapacityExceeded, len(r.sessions))
	}
	opts.ID = id

	s, err := stream.New(r.ctx, id, r.cfg.Session, r.deps, opts)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	s.Start()

	r.log.Debug().Str("sessionId", id).Int("sessions", len(r.sessions)).Msg("Session registered")
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*stream.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if isDone(s) {
		r.remove(id, s)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Dispatch forwards a chunk to a session without blocking. A session that
// has ended on its own is reaped and reported as not found.
func (r *Registry) Dispatch(id string, data []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Enqueue(data)
}

// Stop ends a session, waits for its worker and removes it. The stats are
// returned even when the wait times out.
func (r *Registry) Stop(id string) (models.SessionStats, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return models.SessionStats{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	stats, err := s.Stop(r.cfg.StopTimeout)
	if err != nil {
		r.log.Warn().Err(err).Str("sessionId", id).Msg("Session stop timed out")
	}
	return stats, err
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of the registered sessions ordered by start time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		stats := s.Stats()
		out = append(out, Info{
			ID:             s.ID(),
			State:          s.State().String(),
			StartedAt:      stats.StartedAt,
			ChunksReceived: stats.ChunksReceived,
			Transcripts:    stats.TranscriptsEmitted,
			UseCalibration: stats.UseCalibration,
			UsePhrases:     stats.UsePhrases,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Sweep removes sessions whose worker has exited and returns how many
// were reaped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapLocked()
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info().Int("reaped", n).Int("sessions", r.Len()).Msg("Reaped terminated sessions")
			}
		}
	}
}

// StopAll stops every session concurrently and waits until they exit or
// ctx is done.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*stream.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}
	r.log.Info().Int("sessions", len(sessions)).Msg("Stopping all sessions")

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *stream.Session) {
			defer wg.Done()
			s.Stop(r.cfg.StopTimeout)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) reapLocked() int {
	n := 0
	for id, s := range r.sessions {
		if isDone(s) {
			delete(r.sessions, id)
			r.log.Debug().Str("sessionId", id).Str("reason", s.StopReason()).Msg("Session reaped")
			n++
		}
	}
	return n
}

// remove deletes id only if it still maps to s.
func (r *Registry) remove(id string, s *stream.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

func isDone(s *stream.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
