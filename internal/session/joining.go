package session

import (
	"context"
	"log/slog"

	"github.com/victornm/wordchain/internal/domain"
)

func (s *Session) isAdmin(ctx context.Context, userID int64) bool {
	if userID == s.ownerID {
		return true
	}

	if s.admins == nil {
		return false
	}

	ok, err := s.admins.IsAdmin(ctx, s.groupID, userID)
	if err != nil {
		slog.WarnContext(ctx, "session: admin check failed", "group", s.groupID, "user", userID, "error", err)
		return false
	}

	return ok
}

// expire ends the joining countdown for good; the next tick starts or aborts the game.
func (s *Session) expire() {
	s.timeLeft = 0
	s.expired = true
}

// addPlayer must be called with s.mu held.
func (s *Session) addPlayer(o *outbox, p *Player, verb string) {
	s.players = append(s.players, p)
	if s.state == StateRunning {
		s.inGame = append(s.inGame, p)
	}

	o.sayf("%s %s. There %s now %d %s.", p.Name, verb, isAre(len(s.players)), len(s.players), plural(len(s.players), "player"))

	if len(s.players) >= s.maxPlayers && s.state == StateJoining {
		s.expire()
	}
}

// Join adds a user during the joining phase.
func (s *Session) Join(ctx context.Context, u domain.User) error {
	s.joinMu.Lock()
	s.mu.Lock()
	s.joinMu.Unlock()

	if s.state != StateJoining || len(s.players) >= s.maxPlayers || indexOf(s.players, u.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	s.addPlayer(o, newPlayer(u, u.ID == s.virtual.ID && s.virtual.ID != 0), "joined")
	return s.release(ctx, o)
}

// ForceJoin adds a user on behalf of an admin. Unlike Join it also works while the game is
// running, except in elimination modes. Forcing the virtual player in adds it as one.
func (s *Session) ForceJoin(ctx context.Context, u domain.User) error {
	if s.virtual.ID != 0 && u.ID == s.virtual.ID {
		return s.AddVirtualPlayer(ctx, s.ownerID)
	}

	s.joinMu.Lock()
	s.mu.Lock()
	s.joinMu.Unlock()

	switch {
	case s.state == StateJoining:
	case s.state == StateRunning && s.elim == nil:
	default:
		s.mu.Unlock()
		return nil
	}

	if len(s.players) >= s.maxPlayers || indexOf(s.players, u.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	s.addPlayer(o, newPlayer(u, false), "has been joined")
	return s.release(ctx, o)
}

func (s *Session) Flee(ctx context.Context, userID int64) error {
	return s.leave(ctx, userID, "fled")
}

func (s *Session) ForceFlee(ctx context.Context, userID int64) error {
	return s.leave(ctx, userID, "has been fled")
}

func (s *Session) leave(ctx context.Context, userID int64, verb string) error {
	s.joinMu.Lock()
	s.mu.Lock()
	s.joinMu.Unlock()

	i := indexOf(s.players, userID)
	if s.state != StateJoining || i < 0 {
		s.mu.Unlock()
		return nil
	}

	p := s.players[i]
	s.players = append(s.players[:i:i], s.players[i+1:]...)

	o := &outbox{}
	o.sayf("%s %s. There %s %d %s left.", p.Name, verb, isAre(len(s.players)), len(s.players), plural(len(s.players), "player"))
	return s.release(ctx, o)
}

// Extend changes the joining countdown. Admins pass any amount, a negative one shortens
// the countdown and zero means the default step. Players extend once by the default step.
// Once the phase has been forced to end, by capacity or an admin, it cannot be extended.
func (s *Session) Extend(ctx context.Context, userID int64, seconds int) error {
	admin := s.isAdmin(ctx, userID)

	s.mu.Lock()
	if s.state != StateJoining || s.expired {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	switch {
	case !admin && indexOf(s.players, userID) < 0:
		o.say("Only players and admins can extend the joining phase.")
	case admin:
		if seconds == 0 {
			seconds = ExtendSeconds
		}
		if seconds < 0 {
			s.shorten(o, -seconds)
		} else {
			s.extendBy(o, seconds)
		}
	default:
		if _, ok := s.extended[userID]; ok {
			o.say("You can only extend once.")
			break
		}
		s.extended[userID] = struct{}{}
		s.extendBy(o, ExtendSeconds)
	}

	return s.release(ctx, o)
}

func (s *Session) extendBy(o *outbox, n int) {
	added := min(n, MaxJoiningSeconds-s.timeLeft)
	if added <= 0 {
		o.sayf("The joining phase can last at most %ds.", MaxJoiningSeconds)
		return
	}

	s.timeLeft += added
	o.sayf("The joining phase has been extended by %ds.\nYou have %ds to join.", added, s.timeLeft)
}

func (s *Session) shorten(o *outbox, n int) {
	if n >= s.timeLeft {
		s.expire()
		return
	}

	s.timeLeft -= n
	o.sayf("The joining phase has been reduced by %ds.\nYou have %ds to join.", n, s.timeLeft)
}

// ForceStart ends the joining phase now.
func (s *Session) ForceStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateJoining {
		s.expire()
	}
}

// IncreaseMaxPlayers raises the roster capacity of a game that is still joining.
func (s *Session) IncreaseMaxPlayers(ctx context.Context) error {
	s.joinMu.Lock()
	s.mu.Lock()
	s.joinMu.Unlock()

	if s.state != StateJoining || s.maxPlayers >= s.increasedMax {
		s.mu.Unlock()
		return nil
	}

	s.maxPlayers = s.increasedMax
	o := &outbox{}
	o.sayf("Max players for this game has been increased to %d.", s.maxPlayers)
	return s.release(ctx, o)
}

// AddVirtualPlayer adds the bot-controlled player. The requester must be a player or an admin.
func (s *Session) AddVirtualPlayer(ctx context.Context, requesterID int64) error {
	if s.virtual.ID == 0 {
		return nil
	}

	s.joinMu.Lock()
	admin := s.isAdmin(ctx, requesterID)
	s.mu.Lock()
	s.joinMu.Unlock()

	if s.state != StateJoining || indexOf(s.players, s.virtual.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	switch {
	case !s.allowVirtual:
		o.sayf("Sorry, %s can't play %ss.", s.virtual.Name, s.mode)
	case len(s.players) >= s.maxPlayers:
		o.say("The game is full.")
	case !admin && indexOf(s.players, requesterID) < 0:
		o.sayf("Only players and admins can add %s.", s.virtual.Name)
	default:
		s.addPlayer(o, newPlayer(s.virtual, true), "joined")
	}

	return s.release(ctx, o)
}

func (s *Session) RemoveVirtualPlayer(ctx context.Context, requesterID int64) error {
	s.joinMu.Lock()
	admin := s.isAdmin(ctx, requesterID)
	s.mu.Lock()
	s.joinMu.Unlock()

	i := indexOf(s.players, s.virtual.ID)
	if s.state != StateJoining || s.virtual.ID == 0 || i < 0 {
		s.mu.Unlock()
		return nil
	}

	o := &outbox{}
	if !admin && indexOf(s.players, requesterID) < 0 {
		o.sayf("Only players and admins can remove %s.", s.virtual.Name)
		return s.release(ctx, o)
	}

	s.players = append(s.players[:i:i], s.players[i+1:]...)
	o.sayf("%s fled. There %s %d %s left.", s.virtual.Name, isAre(len(s.players)), len(s.players), plural(len(s.players), "player"))
	return s.release(ctx, o)
}

// tickJoining must be called with s.mu held.
func (s *Session) tickJoining(o *outbox) (Outcome, error) {
	if s.timeLeft > 0 {
		s.timeLeft--
		switch s.timeLeft {
		case 60, 30, 15:
			o.sayf("%ds left to join.", s.timeLeft)
		}
		return OutcomeContinue, nil
	}

	if len(s.players) < s.minPlayers {
		o.say("Not enough players. Game terminated.")
		s.state = StateEnded
		s.endTime = s.now()
		s.reported = true
		o.publish(domain.EventGameEnded{Result: s.result(domain.OutcomeAborted)})
		return OutcomeAborted, nil
	}

	return OutcomeContinue, s.begin(o)
}

func isAre(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
