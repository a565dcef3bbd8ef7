package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
	"github.com/victornm/wordchain/internal/lexicon"
)

var (
	ErrTimerStalled     = errors.New("game timer stalled")
	ErrLexiconExhausted = errors.New("no word in the lexicon satisfies the game constraints")
	ErrKilled           = errors.New("game killed")
)

type State int

const (
	StateJoining State = iota
	StateRunning
	StateEnded
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

// Outcome is the result of one tick.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeEnded
	OutcomeAborted
	OutcomeKilled
)

// Sink delivers chat messages. It must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, groupID int64, msg domain.Message) (domain.MessageRef, error)
	Reply(ctx context.Context, to domain.MessageRef, msg domain.Message) error
}

type Lexicon interface {
	Contains(word string) bool
	RandomMatching(rnd *rand.Rand, q lexicon.Query) (string, bool)
}

type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, groupID, userID int64) (bool, error)
}

type Notifier interface {
	NotifyOperators(ctx context.Context, text string) error
}

type Config struct {
	GroupID int64
	Mode    Mode

	Sink     Sink
	Lexicon  Lexicon
	Events   Publisher
	Admins   AdminChecker
	Notifier Notifier

	// OwnerID is the bot operator, who counts as an admin everywhere.
	OwnerID       int64
	VirtualPlayer domain.User

	// Seed makes the game reproducible. Zero picks a random seed.
	Seed uint64
	Now  func() time.Time

	TickInterval     time.Duration
	WatchdogInterval time.Duration
	WatchdogSamples  int
	SendTimeout      time.Duration
	VirtualDelay     func() time.Duration
}

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Second
	}
	if c.WatchdogSamples <= 0 {
		c.WatchdogSamples = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 4 * time.Second
	}
	if c.VirtualDelay == nil {
		c.VirtualDelay = func() time.Duration {
			return 5*time.Second + rand.N(3*time.Second)
		}
	}
	if c.Events == nil {
		c.Events = nopPublisher{}
	}
	if c.Seed == 0 {
		c.Seed = rand.Uint64()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) {}

// Session is one word-chain game in one group.
//
// mu guards the game state and is never held while talking to the sink or waiting for
// another delivery. Outgoing messages are collected while mu is held and take a ticket
// from sendSeq; they are delivered after mu is released, in ticket order, which is the
// order of the mutations. joinMu serializes roster commands, including the admin lookups
// some of them need, without holding mu during those lookups.
type Session struct {
	id      string
	groupID int64
	mode    Mode

	sink     Sink
	lexicon  Lexicon
	events   Publisher
	admins   AdminChecker
	notifier Notifier

	ownerID      int64
	virtual      domain.User
	now          func() time.Time
	tickInterval time.Duration
	watchEvery   time.Duration
	watchSamples int
	sendTimeout  time.Duration
	virtualDelay func() time.Duration

	joinMu   sync.Mutex
	sendMu   sync.Mutex
	sendCond *sync.Cond
	// sendNext is the next ticket to deliver, guarded by sendMu.
	sendNext uint64
	mu       sync.Mutex

	state        State
	players      []*Player
	inGame       []*Player
	extended     map[int64]struct{}
	minPlayers   int
	maxPlayers   int
	increasedMax int
	timeLeft     int
	expired      bool
	timeLimit    int
	minLetters   int
	escalates    bool
	allowVirtual bool
	chaos        bool

	currentWord   string
	usedWords     map[string]struct{}
	longestWord   string
	longestWordBy string
	turns         int
	answered      bool
	accepting     bool
	promptSeq     uint64
	sendSeq       uint64
	startTime     time.Time
	endTime       time.Time

	rule rule
	elim *elimination

	pcg *rand.PCG
	rnd *rand.Rand

	fault    error
	reported bool
	// runCtx is the context of Run, cancelled when the game stops.
	runCtx context.Context
	cancel context.CancelCauseFunc

	ticks    atomic.Uint64
	killed   atomic.Bool
	killOnce sync.Once
	done     chan struct{}
}

func New(c Config) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	return newSession(id.String(), c), nil
}

func newSession(id string, c Config) *Session {
	c.setDefaults()
	st := c.Mode.settings()
	pcg := rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15)

	s := &Session{
		id:      id,
		groupID: c.GroupID,
		mode:    c.Mode,

		sink:     c.Sink,
		lexicon:  c.Lexicon,
		events:   c.Events,
		admins:   c.Admins,
		notifier: c.Notifier,

		ownerID:      c.OwnerID,
		virtual:      c.VirtualPlayer,
		now:          c.Now,
		tickInterval: c.TickInterval,
		watchEvery:   c.WatchdogInterval,
		watchSamples: c.WatchdogSamples,
		sendTimeout:  c.SendTimeout,
		virtualDelay: c.VirtualDelay,

		state:        StateJoining,
		extended:     make(map[int64]struct{}),
		minPlayers:   st.minPlayers,
		maxPlayers:   st.maxPlayers,
		increasedMax: st.increasedMax,
		timeLeft:     st.joiningSeconds,
		timeLimit:    st.turnSeconds,
		minLetters:   st.minLetters,
		escalates:    st.escalates,
		allowVirtual: st.virtualPlayer,
		chaos:        c.Mode == ModeChaos,
		usedWords:    make(map[string]struct{}),

		pcg:    pcg,
		rnd:    rand.New(pcg),
		runCtx: context.Background(),
		done:   make(chan struct{}),
	}
	s.sendCond = sync.NewCond(&s.sendMu)

	s.rule = newRule(c.Mode, false)
	if c.Mode.Elimination() {
		s.elim = newElimination(c.Mode == ModeMixedElimination)
	}

	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) GroupID() int64 { return s.groupID }

func (s *Session) Mode() Mode { return s.mode }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID   string `json:"session_id"`
	GroupID     int64  `json:"group_id"`
	Mode        string `json:"mode"`
	State       string `json:"state"`
	Players     int    `json:"players"`
	InGame      int    `json:"in_game"`
	TimeLeft    int    `json:"time_left"`
	Turns       int    `json:"turns"`
	CurrentWord string `json:"current_word"`

	// CurrentPlayerID is the player whose turn it is, 0 outside the running state.
	CurrentPlayerID int64 `json:"current_player_id,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		SessionID:   s.id,
		GroupID:     s.groupID,
		Mode:        s.mode.Key(),
		State:       s.state.String(),
		Players:     len(s.players),
		InGame:      len(s.inGame),
		TimeLeft:    s.timeLeft,
		Turns:       s.turns,
		CurrentWord: s.currentWord,
	}
	if s.state == StateRunning && len(s.inGame) > 0 {
		info.CurrentPlayerID = s.inGame[0].ID
	}

	return info
}

type outgoing struct {
	msg     domain.Message
	replyTo domain.MessageRef
}

// outbox collects what a state change has to tell the world.
type outbox struct {
	msgs   []outgoing
	events []event.Event
	// prompt is the sequence number of a turn prompt in msgs, 0 if there is none.
	prompt uint64
}

func (o *outbox) say(text string) {
	o.msgs = append(o.msgs, outgoing{msg: domain.Message{Text: text, Format: domain.FormatPlain}})
}

func (o *outbox) sayf(format string, args ...any) {
	o.say(fmt.Sprintf(format, args...))
}

func (o *outbox) replyf(to domain.MessageRef, format string, args ...any) {
	o.msgs = append(o.msgs, outgoing{
		msg:     domain.Message{Text: fmt.Sprintf(format, args...), Format: domain.FormatPlain},
		replyTo: to,
	})
}

func (o *outbox) publish(e event.Event) {
	o.events = append(o.events, e)
}

// release must be called with s.mu held and returns with it released. It delivers o
// in order with other deliveries, then opens the prompted turn if o has one.
func (s *Session) release(ctx context.Context, o *outbox) error {
	ticket := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	err := s.deliverInOrder(ctx, ticket, o)

	for _, e := range o.events {
		s.events.Publish(ctx, e)
	}

	if err != nil {
		// Only the game stopping cancels a delivery, and then there is nothing to report.
		if !errors.Is(err, context.Canceled) {
			s.setFault(err)
		}
		return err
	}

	if o.prompt != 0 {
		s.openTurn(o.prompt)
	}

	return nil
}

func (s *Session) deliverInOrder(ctx context.Context, ticket uint64, o *outbox) error {
	s.sendMu.Lock()
	for s.sendNext != ticket {
		s.sendCond.Wait()
	}
	s.sendMu.Unlock()

	defer func() {
		s.sendMu.Lock()
		s.sendNext++
		s.sendCond.Broadcast()
		s.sendMu.Unlock()
	}()

	return s.deliver(ctx, o)
}

// sendContext bounds one sink call. It keeps the values of ctx but not its cancellation:
// a command whose caller went away still has its messages delivered. Stopping the game
// cancels it.
func (s *Session) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	run := s.runCtx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	stop := context.AfterFunc(run, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) deliver(ctx context.Context, o *outbox) error {
	for _, m := range o.msgs {
		sctx, cancel := s.sendContext(ctx)
		var err error
		if m.replyTo.IsZero() {
			_, err = s.sink.Send(sctx, s.groupID, m.msg)
		} else {
			err = s.sink.Reply(sctx, m.replyTo, m.msg)
		}
		cancel()

		if err != nil {
			return fmt.Errorf("session: send message: %w", err)
		}
	}

	return nil
}

func (s *Session) setFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault == nil {
		s.fault = err
	}
}

// Tick advances the game by one second.
func (s *Session) Tick(ctx context.Context) (Outcome, error) {
	s.ticks.Add(1)

	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return OutcomeContinue, err
	}

	if s.killed.Load() {
		s.state = StateKilled
		s.mu.Unlock()
		s.announceKilled(ctx)
		return OutcomeKilled, nil
	}

	var (
		o   = &outbox{}
		out Outcome
		err error
	)
	switch s.state {
	case StateJoining:
		out, err = s.tickJoining(o)
	case StateRunning:
		out, err = s.tickRunning(o)
	case StateKilled:
		s.mu.Unlock()
		return OutcomeKilled, nil
	default:
		s.mu.Unlock()
		return OutcomeEnded, nil
	}

	if err != nil {
		s.mu.Unlock()
		return out, err
	}

	if err := s.release(ctx, o); err != nil {
		return out, err
	}

	return out, nil
}

// Kill asks the game to end. The next tick announces it and stops.
func (s *Session) Kill() {
	s.killed.Store(true)
}

// Terminate ends the game without waiting for a tick: the run loop is cancelled and the
// kill notice is sent unless it was sent already.
func (s *Session) Terminate(ctx context.Context) {
	s.killed.Store(true)

	s.mu.Lock()
	s.state = StateKilled
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(ErrKilled)
	}

	s.announceKilled(ctx)
}

func (s *Session) announceKilled(ctx context.Context) {
	s.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
		defer cancel()

		if _, err := s.sink.Send(ctx, s.groupID, domain.Message{Text: "Game ended forcibly.", Format: domain.FormatPlain}); err != nil {
			slog.WarnContext(ctx, "session: send kill notice failed", "group", s.groupID, "session", s.id, "error", err)
		}

		s.publishEnd(ctx, domain.OutcomeKilled)
	})
}

// Run announces the game, joins the starter and ticks until the game is over.
// It returns an error only for faults; those have already been reported to the
// group and the operators when Run returns.
func (s *Session) Run(ctx context.Context, starter domain.User) error {
	return s.run(ctx, func(ctx context.Context) error {
		if err := s.announce(ctx); err != nil {
			return err
		}
		return s.Join(ctx, starter)
	})
}

// Resume ticks a restored session until the game is over.
func (s *Session) Resume(ctx context.Context) error {
	return s.run(ctx, func(context.Context) error {
		s.mu.Lock()
		seq := s.promptSeq
		s.mu.Unlock()

		// Reopening spawns the virtual player again if it is its turn.
		s.openTurn(seq)
		return nil
	})
}

func (s *Session) run(ctx context.Context, setup func(context.Context) error) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic: %v, stack: %s", r, debug.Stack())
		}

		if err != nil {
			err = s.abort(ctx, err)
		}
	}()

	if err := setup(ctx); err != nil {
		return err
	}

	go s.watch(ctx, cancel)

	t := time.NewTicker(s.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-t.C:
		}

		out, err := s.Tick(ctx)
		if err != nil {
			return err
		}

		if out != OutcomeContinue {
			return nil
		}
	}
}

func (s *Session) announce(ctx context.Context) error {
	s.mu.Lock()
	o := &outbox{}
	o.sayf("A %s is starting.\n%d-%d players are needed.\n%ds to join.",
		s.mode, s.minPlayers, s.maxPlayers, s.timeLeft)
	return s.release(ctx, o)
}

// abort is the supervisory path for faults.
func (s *Session) abort(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}

	if errors.Is(err, ErrKilled) {
		return nil
	}

	s.mu.Lock()
	s.state = StateKilled
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	if errors.Is(err, context.Canceled) {
		s.announceKilled(ctx)
		return nil
	}

	slog.ErrorContext(ctx, "session: game aborted", "group", s.groupID, "session", s.id, "error", err)

	text := fmt.Sprintf("Game ended due to the following error:\n%v\nThe operators have been notified.", err)
	opText := fmt.Sprintf("Game %s in group %d ended due to the following error:\n%v", s.id, s.groupID, err)
	if errors.Is(err, ErrTimerStalled) {
		text = "Game timer is malfunctioning. Game terminated."
		opText = fmt.Sprintf("Prolonged stale timer detected in group %d. Game terminated.", s.groupID)
	}

	s.killOnce.Do(func() {
		sctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()

		if _, serr := s.sink.Send(sctx, s.groupID, domain.Message{Text: text, Format: domain.FormatPlain}); serr != nil {
			slog.WarnContext(ctx, "session: send error notice failed", "group", s.groupID, "error", serr)
		}
	})

	if s.notifier != nil {
		if nerr := s.notifier.NotifyOperators(ctx, opText); nerr != nil {
			slog.ErrorContext(ctx, "session: notify operators failed", "group", s.groupID, "error", nerr)
		}
	}

	s.publishEnd(ctx, domain.OutcomeFailed)
	return err
}

// publishEnd reports the game result once.
func (s *Session) publishEnd(ctx context.Context, outcome domain.Outcome) {
	s.mu.Lock()
	if s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	r := s.result(outcome)
	s.mu.Unlock()

	s.events.Publish(ctx, domain.EventGameEnded{Result: r})
}

// result must be called with s.mu held.
func (s *Session) result(outcome domain.Outcome) domain.GameResult {
	r := domain.GameResult{
		SessionID:   s.id,
		GroupID:     s.groupID,
		Mode:        s.mode.Key(),
		PlayerCount: len(s.players),
		Start:       s.startTime,
		End:         s.endTime,
		Outcome:     outcome,
		Players:     make([]domain.PlayerResult, 0, len(s.players)),
	}

	if outcome == domain.OutcomeFinished && len(s.inGame) == 1 {
		id := s.inGame[0].ID
		r.WinnerID = &id
	}

	for _, p := range s.players {
		won := outcome == domain.OutcomeFinished && indexOf(s.inGame, p.ID) >= 0
		r.Players = append(r.Players, p.result(won))
	}

	return r
}
