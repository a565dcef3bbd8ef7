package registry

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
	"github.com/victornm/wordchain/internal/session"
)

const defaultKillGrace = 2 * time.Second

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wordchain",
		Name:      "active_sessions",
		Help:      "Number of games currently registered.",
	})

	createdSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wordchain",
		Name:      "sessions_created_total",
		Help:      "Number of games created, by mode.",
	}, []string{"mode"})
)

type Config struct {
	// Session is the template every new game is created from. GroupID and Mode are
	// filled per game.
	Session session.Config

	// KillGrace is how long Kill waits for the game to notice the kill flag before
	// tearing it down.
	KillGrace time.Duration
}

// Registry keeps at most one game per group and runs each on its own goroutine.
type Registry struct {
	template  session.Config
	killGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maintenance atomic.Bool

	mu       sync.Mutex
	sessions map[int64]*session.Session
}

func New(c Config) *Registry {
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		template:  c.Session,
		killGrace: c.KillGrace,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[int64]*session.Session),
	}
}

// StartGame starts a game of the given mode in the group and joins the starter. When
// the group already has a game, the starter joins that one instead and created is false.
func (r *Registry) StartGame(ctx context.Context, groupID int64, mode session.Mode, starter domain.User) (s *session.Session, created bool, err error) {
	if !mode.Valid() {
		return nil, false, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode: %d", mode))
	}

	r.mu.Lock()
	if s, ok := r.sessions[groupID]; ok {
		r.mu.Unlock()
		return s, false, s.Join(ctx, starter)
	}
	defer r.mu.Unlock()

	if r.maintenance.Load() {
		return nil, false, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("maintenance mode is on, games are temporarily disabled"))
	}

	c := r.template
	c.GroupID = groupID
	c.Mode = mode

	s, err = session.New(c)
	if err != nil {
		return nil, false, errors.Internal(err)
	}

	r.sessions[groupID] = s
	activeSessions.Inc()
	createdSessions.WithLabelValues(mode.Key()).Inc()

	r.wg.Add(1)
	go r.run(s, func(ctx context.Context) error { return s.Run(ctx, starter) })

	slog.InfoContext(ctx, "registry: game created", "group", groupID, "session", s.ID(), "mode", mode.Key())
	return s, true, nil
}

// Resume registers a restored game and runs it. It fails when the group already has one.
func (r *Registry) Resume(ctx context.Context, snap session.Snapshot) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[snap.GroupID]; ok {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("group %d already has a game", snap.GroupID))
	}

	s, err := session.Restore(r.template, snap)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("restore game: %v", err), errors.WithCause(err))
	}

	r.sessions[snap.GroupID] = s
	activeSessions.Inc()

	r.wg.Add(1)
	go r.run(s, s.Resume)

	slog.InfoContext(ctx, "registry: game resumed", "group", snap.GroupID, "session", s.ID())
	return s, nil
}

func (r *Registry) run(s *session.Session, run func(context.Context) error) {
	defer r.wg.Done()
	defer r.remove(s)

	if err := run(r.ctx); err != nil {
		slog.ErrorContext(r.ctx, "registry: game failed", "group", s.GroupID(), "session", s.ID(), "error", err)
	}
}

// remove drops s unless the group has moved on to another game.
func (r *Registry) remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.GroupID()] == s {
		delete(r.sessions, s.GroupID())
		activeSessions.Dec()
	}
}

func (r *Registry) Get(groupID int64) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[groupID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("there is no game in group %d", groupID))
	}

	return s, nil
}

// Kill flags the group's game to end. If it has not stopped after the grace period it
// is torn down directly.
func (r *Registry) Kill(ctx context.Context, groupID int64) error {
	s, err := r.Get(groupID)
	if err != nil {
		return err
	}

	s.Kill()

	t := time.NewTimer(r.killGrace)
	defer t.Stop()

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Terminate(ctx)
	case <-t.C:
		slog.WarnContext(ctx, "registry: game did not stop in time", "group", groupID, "session", s.ID())
		s.Terminate(ctx)
	}

	r.remove(s)
	return nil
}

// SetMaintenance toggles maintenance mode. While on, no new game can be started but
// running games are not affected.
func (r *Registry) SetMaintenance(on bool) {
	r.maintenance.Store(on)
}

func (r *Registry) Maintenance() bool {
	return r.maintenance.Load()
}

// RunInfo summarizes the registered games.
type RunInfo struct {
	Games    int            `json:"games"`
	Running  int            `json:"running"`
	Players  int            `json:"players"`
	Sessions []session.Info `json:"sessions"`
}

func (r *Registry) Info() RunInfo {
	r.mu.Lock()
	ss := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.Unlock()

	info := RunInfo{Sessions: make([]session.Info, 0, len(ss))}
	for _, s := range ss {
		si := s.Info()
		info.Games++
		info.Players += si.Players
		if si.State == session.StateRunning.String() {
			info.Running++
		}
		info.Sessions = append(info.Sessions, si)
	}

	slices.SortFunc(info.Sessions, func(a, b session.Info) int {
		return cmp.Compare(a.GroupID, b.GroupID)
	})

	return info
}

// Snapshots captures every registered game.
func (r *Registry) Snapshots() ([]session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make([]session.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap, err := s.Snapshot()
		if err != nil {
			return nil, errors.Internal(err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, nil
}

// Shutdown stops every game and waits for them to wind down or for ctx to be done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
