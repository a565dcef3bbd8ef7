package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
	"github.com/victornm/wordchain/internal/lexicon"
	"github.com/victornm/wordchain/internal/session"
)

const (
	groupID = int64(1)
	ownerID = int64(1000)
	adminID = int64(99)
	botID   = int64(777)
)

var (
	ref = domain.MessageRef{GroupID: groupID, MessageID: "m1"}
	bot = domain.User{ID: botID, Name: "Bot"}
)

func TestSession_ClassicGameWithTwoPlayers(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20)
	g.start(t)

	winner, _ := g.answer(t)
	require.Equal(t, session.OutcomeContinue, g.tick(t))

	loser := g.Info().CurrentPlayerID
	require.NotEqual(t, winner, loser)

	for range session.MaxTurnSeconds - 1 {
		require.Equal(t, session.OutcomeContinue, g.tick(t))
	}
	require.Equal(t, session.OutcomeEnded, g.tick(t))

	assert.Equal(t, session.StateEnded, g.State())
	assert.Equal(t, 1, g.Info().Turns)
	assert.Contains(t, g.sink.sent(), fmt.Sprintf("p%d ran out of time! They have been eliminated.", loser))
	assert.Contains(t, g.sink.last(), fmt.Sprintf("p%d won the game out of 2 players!", winner))
	assert.Contains(t, g.sink.last(), "Total words: 1")

	results := g.events.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].WinnerID)
	assert.Equal(t, winner, *results[0].WinnerID)
	assert.Equal(t, domain.OutcomeFinished, results[0].Outcome)
	assert.Len(t, results[0].Players, 2)
}

func TestSession_JoiningCountdown(t *testing.T) {
	t.Parallel()

	type outputs struct {
		outcome session.Outcome
		game    *game
	}

	tests := map[string]struct {
		players []int64
		assert  func(t *testing.T, out outputs)
	}{
		"reaching exactly the minimum players should start the game": {
			players: []int64{10, 20},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.OutcomeContinue, out.outcome)
				assert.Equal(t, session.StateRunning, out.game.State())
				assert.Equal(t, 1, out.game.sink.count("Game is starting..."))
				assert.Equal(t, 1, out.game.events.count(domain.EventNameGameStarted))
			},
		},

		"one below the minimum should abort the game": {
			players: []int64{10},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.OutcomeAborted, out.outcome)
				assert.Equal(t, session.StateEnded, out.game.State())
				assert.Equal(t, "Not enough players. Game terminated.", out.game.sink.last())

				results := out.game.events.results()
				require.Len(t, results, 1)
				assert.Equal(t, domain.OutcomeAborted, results[0].Outcome)
				assert.Nil(t, results[0].WinnerID)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newGame(t, session.ModeClassic)
			g.join(t, tt.players...)

			for range session.JoiningSeconds {
				require.Equal(t, session.OutcomeContinue, g.tick(t))
			}
			assert.Equal(t, 1, g.sink.count("30s left to join."))
			assert.Equal(t, 1, g.sink.count("15s left to join."))

			tt.assert(t, outputs{outcome: g.tick(t), game: g})
		})
	}
}

func TestSession_Join(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20, 10)

	assert.Equal(t, 2, g.Info().Players, "joining twice should be a no-op")
	assert.Equal(t, "p20 joined. There are now 2 players.", g.sink.last())

	require.NoError(t, g.Flee(context.Background(), 20))
	assert.Equal(t, "p20 fled. There is 1 player left.", g.sink.last())

	require.NoError(t, g.ForceJoin(context.Background(), user(30)))
	assert.Equal(t, "p30 has been joined. There are now 2 players.", g.sink.last())

	g.start(t)
	require.NoError(t, g.Join(context.Background(), user(40)))
	assert.Equal(t, 2, g.Info().Players, "join should be ignored while running")

	require.NoError(t, g.ForceJoin(context.Background(), user(40)))
	assert.Equal(t, 3, g.Info().Players)
	assert.Equal(t, 3, g.Info().InGame, "force joined players should enter the turn order")

	require.NoError(t, g.Flee(context.Background(), 40))
	assert.Equal(t, 3, g.Info().Players, "flee should be ignored while running")
}

func TestSession_CapacityExpiresJoining(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	for id := range int64(session.MaxPlayers) {
		g.join(t, id+1)
	}

	assert.Equal(t, 0, g.Info().TimeLeft)
	require.NoError(t, g.Join(context.Background(), user(500)))
	assert.Equal(t, session.MaxPlayers, g.Info().Players)

	require.NoError(t, g.Extend(context.Background(), 1, 0))
	require.NoError(t, g.Extend(context.Background(), adminID, 60))
	assert.Equal(t, 0, g.Info().TimeLeft, "a full game should not be extended")

	assert.Equal(t, session.OutcomeContinue, g.tick(t))
	assert.Equal(t, session.StateRunning, g.State())
}

func TestSession_IncreaseMaxPlayers(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeElimination)
	require.NoError(t, g.IncreaseMaxPlayers(context.Background()))
	assert.Equal(t, fmt.Sprintf("Max players for this game has been increased to %d.", session.EliminationIncreasedMaxPlayers), g.sink.last())

	n := g.sink.count("")
	require.NoError(t, g.IncreaseMaxPlayers(context.Background()))
	assert.Equal(t, n, g.sink.count(""), "increasing twice should be a no-op")
}

func TestSession_Extend(t *testing.T) {
	t.Parallel()

	type outputs struct {
		game *game
	}

	tests := map[string]struct {
		act    func(t *testing.T, g *game)
		assert func(t *testing.T, out outputs)
	}{
		"extending then shortening by the same amount should restore the countdown": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), adminID, 45))
				require.Equal(t, session.JoiningSeconds+45, g.Info().TimeLeft)
				require.NoError(t, g.Extend(context.Background(), adminID, -45))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.JoiningSeconds, out.game.Info().TimeLeft)
				assert.Equal(t, "The joining phase has been reduced by 45s.\nYou have 60s to join.", out.game.sink.last())
			},
		},

		"extension should be capped": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), ownerID, 500))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.MaxJoiningSeconds, out.game.Info().TimeLeft)
				assert.Equal(t, "The joining phase has been extended by 120s.\nYou have 180s to join.", out.game.sink.last())
			},
		},

		"extending at the cap should be reported": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), adminID, 500))
				require.NoError(t, g.Extend(context.Background(), adminID, 1))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.MaxJoiningSeconds, out.game.Info().TimeLeft)
				assert.Equal(t, "The joining phase can last at most 180s.", out.game.sink.last())
			},
		},

		"a huge negative extension should end the countdown": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), adminID, -9999))
				require.NoError(t, g.Extend(context.Background(), 10, 0))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, 0, out.game.Info().TimeLeft)
				assert.Equal(t, session.OutcomeContinue, out.game.tick(t))
				assert.Equal(t, session.StateRunning, out.game.State())
			},
		},

		"a forced start should not be undone by extensions": {
			act: func(t *testing.T, g *game) {
				g.ForceStart()
				require.NoError(t, g.Extend(context.Background(), 10, 0))
				require.NoError(t, g.Extend(context.Background(), adminID, 60))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, 0, out.game.Info().TimeLeft)
				assert.Equal(t, "p20 joined. There are now 2 players.", out.game.sink.last())
				assert.Equal(t, session.OutcomeContinue, out.game.tick(t))
				assert.Equal(t, session.StateRunning, out.game.State())
			},
		},

		"zero should extend an admin by the default step": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), adminID, 0))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.JoiningSeconds+session.ExtendSeconds, out.game.Info().TimeLeft)
			},
		},

		"a player should only extend once": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), 10, 100))
				require.NoError(t, g.Extend(context.Background(), 10, 100))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.JoiningSeconds+session.ExtendSeconds, out.game.Info().TimeLeft)
				assert.Equal(t, "You can only extend once.", out.game.sink.last())
			},
		},

		"an outsider should not extend": {
			act: func(t *testing.T, g *game) {
				require.NoError(t, g.Extend(context.Background(), 12345, 30))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, session.JoiningSeconds, out.game.Info().TimeLeft)
				assert.Equal(t, "Only players and admins can extend the joining phase.", out.game.sink.last())
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newGame(t, session.ModeClassic)
			g.join(t, 10, 20)

			tt.act(t, g)
			tt.assert(t, outputs{game: g})
		})
	}
}

func TestSession_SubmitAnswerValidation(t *testing.T) {
	t.Parallel()

	// Every word long enough to start a game ends with "a", so the first prompt is always "A".
	small := lexicon.New([]string{"aba", "aca", "ab", "ada"})

	type outputs struct {
		reply string
	}

	tests := map[string]struct {
		answer func(first string) string
		assert func(t *testing.T, out outputs)
	}{
		"wrong first letter should be rejected": {
			answer: func(string) string { return "bob" },
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, "Bob does not start with A.", out.reply)
			},
		},

		"a word one letter too short should be rejected": {
			answer: func(string) string { return "ab" },
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, "Ab has fewer than 3 letters.", out.reply)
			},
		},

		"a used word should be rejected": {
			answer: func(first string) string { return first },
			assert: func(t *testing.T, out outputs) {
				assert.Regexp(t, `^A[bcd]a has been used\.$`, out.reply)
			},
		},

		"an unknown word should be rejected": {
			answer: func(string) string { return "azz" },
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, "Azz is not in my list of words.", out.reply)
			},
		},

		"non words should be ignored": {
			answer: func(string) string { return "a b a!" },
			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.reply)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newGame(t, session.ModeClassic, withLexicon(small))
			g.join(t, 10, 20)
			g.start(t)

			first := strings.ToLower(firstWordRe.FindStringSubmatch(g.sink.joined())[1])
			cur := g.Info().CurrentPlayerID

			err := g.SubmitAnswer(context.Background(), session.Answer{UserID: cur, Text: tt.answer(first), Ref: ref})
			require.NoError(t, err)

			tt.assert(t, outputs{reply: g.sink.lastReply()})
			assert.Equal(t, 0, g.Info().Turns)

			// The turn stays open after a rejection.
			for _, w := range []string{"aba", "aca", "ada"} {
				if w != first {
					require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: cur, Text: " " + strings.ToUpper(w), Ref: ref}))
					break
				}
			}
			assert.Equal(t, 1, g.Info().Turns)
		})
	}
}

func TestSession_SubmitAnswerIgnoresOthers(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20)
	g.start(t)

	other := int64(10)
	if g.Info().CurrentPlayerID == 10 {
		other = 20
	}

	w := g.word(t)
	require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: other, Text: w, Ref: ref}))
	require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: 12345, Text: w, Ref: ref}))

	assert.Equal(t, 0, g.Info().Turns)
	assert.Empty(t, g.sink.lastReply())

	g.answer(t)
	require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: other, Text: g.word(t), Ref: ref}))
	assert.Equal(t, 1, g.Info().Turns, "a second answer in the same turn should be ignored")
}

func TestSession_LimitsEscalate(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20, 30)
	g.start(t)

	for range session.TurnsBetweenLimitsChange - 1 {
		g.answer(t)
		require.Equal(t, session.OutcomeContinue, g.tick(t))
	}

	g.answer(t)
	assert.Contains(t, g.sink.last(), "Time limit decreased to 35s.")
	assert.Contains(t, g.sink.last(), "Minimum letters per word increased to 4.")

	require.Equal(t, session.OutcomeContinue, g.tick(t))
	assert.Contains(t, g.sink.last(), "You have 35s to answer.")
	assert.Contains(t, g.sink.last(), "include at least 4 letters")
	assert.Contains(t, g.sink.last(), "Total words: 5")
}

func TestSession_HardModeFallsBackToShorterStartingWord(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeHard)
	g.join(t, 10, 20)
	g.start(t)

	assert.Regexp(t, firstWordRe, g.sink.joined())
	assert.Contains(t, g.sink.last(), "include at least 10 letters")
	assert.Contains(t, g.sink.last(), "You have 20s to answer.")
}

func TestSession_ChaosHidesTurnOrder(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeChaos)
	g.join(t, 10, 20, 30)
	g.start(t)

	for range 3 {
		g.answer(t)
		require.Equal(t, session.OutcomeContinue, g.tick(t))
	}

	assert.NotContains(t, g.sink.joined(), "Turn order:")
	assert.NotContains(t, g.sink.joined(), "(Next:")
}

func TestSession_ChaosTurnOrder(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			t.Parallel()

			g := newGame(t, session.ModeChaos, withSeed(seed))
			g.join(t, 10, 20, 30, 40)
			g.start(t)

			answerAndCheck := func() {
				id, _ := g.answer(t)
				require.Equal(t, session.OutcomeContinue, g.tick(t))

				q := g.queue(t)
				require.Equal(t, id, q[len(q)-1], "the answerer should go to the back")
				require.NotEqual(t, id, g.Info().CurrentPlayerID, "the answerer should not play twice in a row")
			}

			for range 4 {
				answerAndCheck()
			}

			skipped := g.Info().CurrentPlayerID
			g.ForceSkip()
			require.Equal(t, session.OutcomeContinue, g.tick(t))
			require.NotContains(t, g.queue(t), skipped)
			require.Len(t, g.queue(t), 3)

			for range 2 {
				answerAndCheck()
			}
		})
	}
}

func TestSession_ForceSkip(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20, 30)
	g.start(t)

	skipped := g.Info().CurrentPlayerID
	g.ForceSkip()
	require.Equal(t, session.OutcomeContinue, g.tick(t))

	assert.Contains(t, g.sink.sent(), fmt.Sprintf("p%d ran out of time! They have been eliminated.", skipped))
	assert.Equal(t, 2, g.Info().InGame)
	assert.Equal(t, 3, g.Info().Players)
	assert.NotEqual(t, skipped, g.Info().CurrentPlayerID)
}

func TestSession_EliminationRound(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeElimination)
	g.join(t, 10, 20, 30, 40, 50)
	g.start(t)

	assert.Contains(t, g.sink.joined(), "Round 1 is starting...")

	scores := make(map[int64]int)
	var skipped int64
	for i := range 5 {
		if i == 2 {
			skipped = g.Info().CurrentPlayerID
			g.ForceSkip()
		} else {
			id, w := g.answer(t)
			scores[id] += min(len(w), session.EliminationMaxTurnScore)
		}
		require.Equal(t, session.OutcomeContinue, g.tick(t))
	}

	assert.Equal(t, 4, g.Info().InGame)
	assert.Equal(t, 1, g.sink.count(fmt.Sprintf("p%d is eliminated for having the lowest score of 0.", skipped)))
	assert.Contains(t, g.sink.joined(), "Round 2 is starting...")

	completed := g.sink.lastWith("Round 1 completed.")
	var prev = -1
	for _, m := range leaderboardRe.FindAllStringSubmatch(completed, -1) {
		score, err := strconv.Atoi(m[2])
		require.NoError(t, err)
		if prev >= 0 {
			assert.LessOrEqual(t, score, prev, "leaderboard should be sorted by descending score")
		}
		prev = score
	}

	assert.Equal(t, 4, g.events.count(domain.EventNameScoreUpdated))
	assert.Empty(t, g.events.results())
}

func TestSession_EliminationEndsWhenOnePlayerLeft(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeElimination)
	g.join(t, 10, 20, 30, 40, 50)
	g.start(t)

	var survivor int64
	for i := range 5 {
		if i == 0 {
			survivor, _ = g.answer(t)
		} else {
			g.ForceSkip()
		}

		out := g.tick(t)
		if i < 4 {
			require.Equal(t, session.OutcomeContinue, out)
		} else {
			require.Equal(t, session.OutcomeEnded, out)
		}
	}

	assert.Contains(t, g.sink.last(), fmt.Sprintf("p%d won the game out of 5 players!", survivor))
	assert.Equal(t, 1, g.sink.count("are eliminated for having the lowest score of 0."))
}

func TestSession_EliminationForbidsVirtualPlayerAndLateJoins(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeMixedElimination, withLexicon(pairs()))
	g.join(t, 10, 20, 30, 40, 50)

	require.NoError(t, g.AddVirtualPlayer(context.Background(), 10))
	assert.Equal(t, "Sorry, Bot can't play mixed elimination games.", g.sink.last())

	g.start(t)
	require.NoError(t, g.ForceJoin(context.Background(), user(60)))
	assert.Equal(t, 5, g.Info().Players)
	assert.Contains(t, g.sink.joined(), "Mode: ")
}

func TestSession_MixedEliminationRoundsEnforceTheirMode(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeMixedElimination, withLexicon(pairs()))
	g.join(t, 10, 20, 30, 40, 50)
	g.start(t)

	var modes []string
	for round, players := range []int{5, 4} {
		intro := g.sink.lastWith(fmt.Sprintf("Round %d is starting...", round+1))
		m := modeRe.FindStringSubmatch(intro)
		require.NotNil(t, m, "no mode in %q", intro)
		modes = append(modes, m[1])

		for turn := range players {
			// The first player of every round times out and is the only one eliminated.
			if turn == 0 {
				g.ForceSkip()
			} else {
				g.rejectBrokenWords(t)
				g.answer(t)
			}
			require.Equal(t, session.OutcomeContinue, g.tick(t))
		}
	}

	assert.Equal(t, 3, g.Info().InGame)
	assert.Contains(t, g.sink.joined(), "Round 3 is starting...")
	assert.NotEqual(t, modes[0], modes[1], "a round should not repeat the previous mode")
	assert.Equal(t, 2, g.sink.count("for having the lowest score of"))
}

func TestSession_VirtualPlayerAnswersRequiredLetter(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeRequiredLetter)
	g.join(t, 10, 20)
	require.NoError(t, g.AddVirtualPlayer(context.Background(), 10))
	assert.Equal(t, "Bot joined. There are now 3 players.", g.sink.last())
	g.start(t)

	turns := 0
	for range 3 {
		if g.Info().CurrentPlayerID != botID {
			g.answer(t)
			turns++
			require.Equal(t, session.OutcomeContinue, g.tick(t))
			continue
		}

		prompt := g.sink.lastWith("Turn: ")
		start := strings.ToLower(startRe.FindStringSubmatch(prompt)[1])
		required := strings.ToLower(includeRe.FindStringSubmatch(prompt)[1])

		require.Eventually(t, func() bool { return g.Info().Turns == turns+1 }, time.Second, 5*time.Millisecond)

		w := strings.ToLower(acceptedRe.FindAllStringSubmatch(g.sink.joined(), -1)[turns][1])
		assert.True(t, strings.HasPrefix(w, start), "%s should start with %s", w, start)
		assert.Contains(t, w, required)
		return
	}

	t.Fatal("the virtual player never got a turn")
}

func TestSession_DeliveryFailures(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	type outputs struct {
		game *game
		err  error
	}

	tests := map[string]struct {
		act    func(t *testing.T, g *game) error
		assert func(t *testing.T, out outputs)
	}{
		"a caller that went away should still get its messages delivered": {
			act: func(t *testing.T, g *game) error {
				require.NoError(t, g.Join(cancelled, user(30)))
				require.Equal(t, "p30 joined. There are now 3 players.", g.sink.last())
				g.start(t)

				cur := g.Info().CurrentPlayerID
				require.NoError(t, g.SubmitAnswer(cancelled, session.Answer{UserID: cur, Text: "zzz", Ref: ref}))
				require.NotEmpty(t, g.sink.lastReply())

				return g.SubmitAnswer(cancelled, session.Answer{UserID: cur, Text: g.word(t), Ref: ref})
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 1, out.game.Info().Turns)

				outcome, err := out.game.Tick(context.Background())
				require.NoError(t, err)
				assert.Equal(t, session.OutcomeContinue, outcome)
				assert.Equal(t, session.StateRunning, out.game.State())
			},
		},

		"a broken sink should fault the game": {
			act: func(t *testing.T, g *game) error {
				g.start(t)
				g.sink.fail(errors.New("chat is down"))
				return g.SubmitAnswer(context.Background(), session.Answer{UserID: g.Info().CurrentPlayerID, Text: "zzz", Ref: ref})
			},
			assert: func(t *testing.T, out outputs) {
				require.ErrorContains(t, out.err, "chat is down")

				_, err := out.game.Tick(context.Background())
				require.ErrorContains(t, err, "chat is down")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newGame(t, session.ModeClassic)
			g.sink.strict = true
			g.join(t, 10, 20)

			err := tt.act(t, g)
			tt.assert(t, outputs{game: g, err: err})
		})
	}
}

func TestSession_QueuedDeliveryDoesNotBlockState(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic, withSendTimeout(time.Second))
	g.sink.hold = func(text string) bool { return strings.HasPrefix(text, "p10 joined") }

	first := make(chan error, 1)
	go func() { first <- g.Join(context.Background(), user(10)) }()
	require.Eventually(t, func() bool { return g.Info().Players == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- g.Join(context.Background(), user(20)) }()

	// The second join waits for the first delivery without holding the game state.
	require.Eventually(t, func() bool { return g.Info().Players == 2 }, 300*time.Millisecond, time.Millisecond)
	select {
	case <-second:
		t.Fatal("the second join should be delivered after the first one")
	default:
	}

	require.ErrorIs(t, <-first, context.DeadlineExceeded)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"p20 joined. There are now 2 players."}, g.sink.sent())
}

func TestSession_Kill(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic)
	g.join(t, 10, 20)
	g.start(t)

	g.Kill()
	assert.Equal(t, session.OutcomeKilled, g.tick(t))
	g.Terminate(context.Background())
	assert.Equal(t, session.OutcomeKilled, g.tick(t))

	assert.Equal(t, session.StateKilled, g.State())
	assert.Equal(t, 1, g.sink.count("Game ended forcibly."))

	results := g.events.results()
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeKilled, results[0].Outcome)
}

func TestSession_RunStopsOnTerminate(t *testing.T) {
	t.Parallel()

	g := newGame(t, session.ModeClassic, withTicks(10*time.Millisecond))

	errc := make(chan error, 1)
	go func() { errc <- g.Run(context.Background(), user(10)) }()

	require.Eventually(t, func() bool { return g.Info().Players == 1 }, time.Second, time.Millisecond)
	g.Terminate(context.Background())

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return after Terminate")
	}

	<-g.Done()
	assert.Equal(t, 1, g.sink.count("Game ended forcibly."))
	assert.Contains(t, g.sink.sent()[0], "A classic game is starting.")
}

func TestSession_WatchdogTerminatesStalledGame(t *testing.T) {
	t.Parallel()

	n := &notifier{}
	g := newGame(t, session.ModeClassic,
		withTicks(5*time.Millisecond),
		withWatchdog(5*time.Millisecond),
		withNotifier(n),
	)
	g.sink.hold = func(text string) bool { return strings.HasPrefix(text, "Game is starting") }

	errc := make(chan error, 1)
	go func() { errc <- g.Run(context.Background(), user(10)) }()

	require.Eventually(t, func() bool { return g.Info().Players == 1 }, time.Second, time.Millisecond)
	g.join(t, 20)
	g.ForceStart()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, session.ErrTimerStalled)
	case <-time.After(5 * time.Second):
		t.Fatal("the watchdog should stop a stalled game")
	}

	assert.Equal(t, "Game timer is malfunctioning. Game terminated.", g.sink.last())
	assert.Equal(t, []string{"Prolonged stale timer detected in group 1. Game terminated."}, n.texts())

	results := g.events.results()
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
}

func TestSession_SnapshotRestore(t *testing.T) {
	t.Parallel()

	a := newGame(t, session.ModeRandomFirstLetter)
	b := newGame(t, session.ModeRandomFirstLetter)
	for _, g := range []*game{a, b} {
		g.join(t, 10, 20, 30)
		g.start(t)
		for range 3 {
			g.answer(t)
			require.Equal(t, session.OutcomeContinue, g.tick(t))
		}
		g.answer(t)
	}
	require.Equal(t, a.sink.sent(), b.sink.sent(), "games with the same seed should match")

	snap, err := b.Snapshot()
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded session.Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	c := restoreGame(t, decoded)
	mark := len(a.sink.sent())

	for range 6 {
		require.Equal(t, a.tick(t), c.tick(t))
		ai, ci := a.Info(), c.Info()
		ai.SessionID, ci.SessionID = "", ""
		require.Equal(t, ai, ci)
		a.answer(t)
		c.answer(t)
	}

	assert.Equal(t, a.sink.sent()[mark:], c.sink.sent())
}

// Helpers.

var (
	firstWordRe   = regexp.MustCompile(`The first word is ([A-Z][a-z]*)\.`)
	acceptedRe    = regexp.MustCompile(`(?m)^([A-Z][a-z]*) is accepted\.`)
	startRe       = regexp.MustCompile(`Your word must start with ([A-Z])`)
	includeRe     = regexp.MustCompile(`include ([A-Z])\b`)
	excludeRe     = regexp.MustCompile(`exclude ([A-Z](?:, [A-Z])*)`)
	minLenRe      = regexp.MustCompile(`include at least (\d+) letters`)
	leaderboardRe = regexp.MustCompile(`(?m)^\d+\. (p\d+): (\d+)$`)
	modeRe        = regexp.MustCompile(`(?m)^Mode: (.+)$`)
)

// words builds a lexicon with a four letter word for every pair of first and third letter,
// and a two and a three letter word for every first letter.
func words() *lexicon.Lexicon {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"

	var ws []string
	for _, a := range alphabet {
		ws = append(ws, string(a)+"o", string(a)+"oo")
		for _, b := range alphabet {
			ws = append(ws, string(a)+"o"+string(b)+"e")
		}
	}

	return lexicon.New(ws)
}

// pairs has every two letter word, so some word avoids any small set of letters.
func pairs() *lexicon.Lexicon {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"

	var ws []string
	for _, a := range alphabet {
		for _, b := range alphabet {
			ws = append(ws, string(a)+string(b))
		}
	}

	return lexicon.New(ws)
}

type sink struct {
	mu      sync.Mutex
	msgs    []string
	replies []string
	err     error
	hold    func(text string) bool
	// strict makes the sink refuse done contexts like a network client would.
	strict bool
}

func (s *sink) Send(ctx context.Context, groupID int64, msg domain.Message) (domain.MessageRef, error) {
	if s.hold != nil && s.hold(msg.Text) {
		<-ctx.Done()
		return domain.MessageRef{}, ctx.Err()
	}

	if err := s.check(ctx); err != nil {
		return domain.MessageRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg.Text)
	return domain.MessageRef{GroupID: groupID, MessageID: strconv.Itoa(len(s.msgs))}, nil
}

func (s *sink) Reply(ctx context.Context, _ domain.MessageRef, msg domain.Message) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.replies = append(s.replies, msg.Text)
	return nil
}

func (s *sink) check(ctx context.Context) error {
	if s.strict {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *sink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *sink) joined() string {
	return strings.Join(s.sent(), "\n")
}

func (s *sink) last() string {
	msgs := s.sent()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (s *sink) lastWith(prefix string) string {
	msgs := s.sent()
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.HasPrefix(msgs[i], prefix) {
			return msgs[i]
		}
	}
	return ""
}

func (s *sink) lastReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

func (s *sink) count(substr string) int {
	n := 0
	for _, m := range s.sent() {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

func (r *recorder) results() []domain.GameResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.GameResult
	for _, e := range r.events {
		if e, ok := e.(domain.EventGameEnded); ok {
			out = append(out, e.Result)
		}
	}
	return out
}

type admins map[int64]bool

func (a admins) IsAdmin(_ context.Context, _, userID int64) (bool, error) {
	return a[userID], nil
}

type notifier struct {
	mu  sync.Mutex
	out []string
}

func (n *notifier) NotifyOperators(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, text)
	return nil
}

func (n *notifier) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.out...)
}

type game struct {
	*session.Session
	sink   *sink
	events *recorder
	lex    *lexicon.Lexicon
}

type options func(c *session.Config)

func withLexicon(l *lexicon.Lexicon) options {
	return func(c *session.Config) { c.Lexicon = l }
}

func withNotifier(n session.Notifier) options {
	return func(c *session.Config) { c.Notifier = n }
}

func withTicks(d time.Duration) options {
	return func(c *session.Config) { c.TickInterval = d }
}

func withSendTimeout(d time.Duration) options {
	return func(c *session.Config) { c.SendTimeout = d }
}

func withSeed(seed uint64) options {
	return func(c *session.Config) { c.Seed = seed }
}

func withWatchdog(d time.Duration) options {
	return func(c *session.Config) { c.WatchdogInterval = d }
}

func config(g *game) session.Config {
	return session.Config{
		GroupID:       groupID,
		Sink:          g.sink,
		Lexicon:       g.lex,
		Events:        g.events,
		Admins:        admins{adminID: true},
		OwnerID:       ownerID,
		VirtualPlayer: bot,
		Seed:          42,
		SendTimeout:   time.Minute,
		VirtualDelay:  func() time.Duration { return 0 },
	}
}

func newGame(t *testing.T, mode session.Mode, opts ...options) *game {
	t.Helper()

	g := &game{sink: &sink{}, events: &recorder{}, lex: words()}
	c := config(g)
	c.Mode = mode
	for _, opt := range opts {
		opt(&c)
	}
	if l, ok := c.Lexicon.(*lexicon.Lexicon); ok {
		g.lex = l
	}

	s, err := session.New(c)
	require.NoError(t, err)

	g.Session = s
	return g
}

func restoreGame(t *testing.T, snap session.Snapshot) *game {
	t.Helper()

	g := &game{sink: &sink{}, events: &recorder{}, lex: words()}
	s, err := session.Restore(config(g), snap)
	require.NoError(t, err)

	g.Session = s
	return g
}

func user(id int64) domain.User {
	return domain.User{ID: id, Name: fmt.Sprintf("p%d", id)}
}

func (g *game) join(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, g.Join(context.Background(), user(id)))
	}
}

func (g *game) tick(t *testing.T) session.Outcome {
	t.Helper()
	out, err := g.Tick(context.Background())
	require.NoError(t, err)
	return out
}

func (g *game) start(t *testing.T) {
	t.Helper()
	g.ForceStart()
	require.Equal(t, session.OutcomeContinue, g.tick(t))
	require.Equal(t, session.StateRunning, g.State())
}

// word finds an unused word for the last prompt.
func (g *game) word(t *testing.T) string {
	t.Helper()

	prompt := g.sink.lastWith("Turn: ")
	m := startRe.FindStringSubmatch(prompt)
	require.NotNil(t, m, "no prompt in %q", prompt)
	start := strings.ToLower(m[1])

	var required, banned string
	if m := includeRe.FindStringSubmatch(prompt); m != nil {
		required = strings.ToLower(m[1])
	}
	if m := excludeRe.FindStringSubmatch(prompt); m != nil {
		banned = strings.ToLower(strings.ReplaceAll(m[1], ", ", ""))
	}
	minLen := 0
	if m := minLenRe.FindStringSubmatch(prompt); m != nil {
		minLen, _ = strconv.Atoi(m[1])
	}

	used := g.used(t)
	for _, w := range g.lex.PrefixSearch(start, 0) {
		switch {
		case used[w], len(w) < minLen:
		case required != "" && !strings.Contains(w, required):
		case banned != "" && strings.ContainsAny(w, banned):
		default:
			return w
		}
	}

	require.FailNow(t, "no word left", prompt)
	return ""
}

// answer submits a valid word for the current player.
func (g *game) answer(t *testing.T) (int64, string) {
	t.Helper()

	id, w := g.Info().CurrentPlayerID, g.word(t)
	require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: id, Text: w, Ref: ref}))
	require.Contains(t, g.sink.joined(), strings.ToUpper(w[:1])+w[1:]+" is accepted.")
	return id, w
}

func (g *game) used(t *testing.T) map[string]bool {
	t.Helper()

	snap, err := g.Snapshot()
	require.NoError(t, err)

	used := make(map[string]bool, len(snap.UsedWords))
	for _, w := range snap.UsedWords {
		used[w] = true
	}
	return used
}

// queue is the turn order, current player first.
func (g *game) queue(t *testing.T) []int64 {
	t.Helper()

	snap, err := g.Snapshot()
	require.NoError(t, err)
	return snap.InGame
}

// rejectBrokenWords submits, for every requirement of the last prompt, a word that breaks
// it and checks that the turn stays open with the matching reason.
func (g *game) rejectBrokenWords(t *testing.T) {
	t.Helper()

	prompt := g.sink.lastWith("Turn: ")
	start := strings.ToLower(startRe.FindStringSubmatch(prompt)[1])
	used := g.used(t)

	wrong := "q"
	if start == wrong {
		wrong = "z"
	}
	broken := map[string]string{wrong + "a": "does not start with " + strings.ToUpper(start)}

	if m := includeRe.FindStringSubmatch(prompt); m != nil {
		required := strings.ToLower(m[1])
		for _, c := range "abcdefghijklmnopqrstuvwxyz" {
			if w := start + string(c); string(c) != required && !used[w] {
				broken[w] = "does not include " + m[1]
				break
			}
		}
	}

	if m := excludeRe.FindStringSubmatch(prompt); m != nil {
		if w := start + strings.ToLower(m[1][:1]); !used[w] {
			broken[w] = "contains banned letter"
		}
	}

	id, turns := g.Info().CurrentPlayerID, g.Info().Turns
	for w, reason := range broken {
		require.NoError(t, g.SubmitAnswer(context.Background(), session.Answer{UserID: id, Text: w, Ref: ref}))
		require.Contains(t, g.sink.lastReply(), reason, "%s should be rejected", w)
		require.Equal(t, turns, g.Info().Turns)
	}
}
