package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeckStore(cards int) *DeckStore {
	ds := newDeckStore("testdata")
	d := &deck{id: defaultDeckID, name: "Default"}
	for i := 0; i < cards; i++ {
		d.prompts = append(d.prompts, Card{Kind: CardText, Text: fmt.Sprintf("prompt %d", i)})
		d.responses = append(d.responses, Card{Kind: CardText, Text: fmt.Sprintf("response %d", i)})
	}
	ds.decks[defaultDeckID] = d
	return ds
}

func testRoom(t *testing.T) *Room {
	t.Helper()

	cfg := &Config{handSize: 7, gracePeriod: 40 * time.Millisecond}
	return newRoom(cfg, testDeckStore(40), "ABCD", []string{defaultDeckID})
}

func joinTestPlayer(r *Room, connID, name, sessionID string) *Client {
	c := &Client{send: make(chan any, 256), id: connID}
	r.bind(c, name, sessionID)
	return c
}

func rawOf(t *testing.T, c Card) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(c)
	require.NoError(t, err)
	return data
}

// submitFirstCard plays the first card of the player's hand via the
// combo path.
func submitFirstCard(t *testing.T, r *Room, connID string) {
	t.Helper()

	p := r.players[connID]
	require.NotNil(t, p)
	card := p.hand[0]
	err := r.submitParts(connID, []RawPart{{Kind: card.Kind, Card: rawOf(t, card)}})
	require.NoError(t, err)
}

func submissionIDByAuthor(r *Room, connID string) int {
	for _, s := range r.submissions {
		if s.playerID == connID {
			return s.id
		}
	}
	return 0
}

func TestFullRoundFlow(t *testing.T) {
	r := testRoom(t)

	joinTestPlayer(r, "host", "Alice", "sess-a")
	joinTestPlayer(r, "p2", "Bob", "sess-b")
	joinTestPlayer(r, "p3", "Cara", "sess-c")

	require.Equal(t, "host", r.hostID)
	require.Equal(t, PhaseLobby, r.phase)

	require.NoError(t, r.startRound("host"))
	assert.Equal(t, PhaseSubmit, r.phase)
	assert.Equal(t, 1, r.round)
	require.NotNil(t, r.prompt)

	for _, id := range []string{"host", "p2", "p3"} {
		assert.Len(t, r.players[id].hand, 7)
	}

	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")
	assert.Equal(t, PhaseSubmit, r.phase)

	// Last submission auto-advances to reveal, paused before the first.
	submitFirstCard(t, r, "p3")
	assert.Equal(t, PhaseReveal, r.phase)
	assert.Equal(t, -1, r.revealIndex)
	assert.Len(t, r.submissions, 3)

	// Each submitted card left exactly one hand.
	for _, id := range []string{"host", "p2", "p3"} {
		assert.Len(t, r.players[id].hand, 6)
	}

	// Stepping exposes exactly one submission per call, in a fixed order.
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.revealNext("host"))
		assert.Equal(t, i, r.revealIndex)

		state := r.publicStateLocked("host")
		require.Len(t, state.Submissions, 1)
		seen[state.Submissions[0].ID] = true
	}
	assert.Len(t, seen, 3)

	// Past the last one: voting opens.
	require.NoError(t, r.revealNext("host"))
	assert.Equal(t, PhaseVote, r.phase)

	// Everyone votes for somebody else's submission.
	require.NoError(t, r.castVote("host", submissionIDByAuthor(r, "p2")))
	require.NoError(t, r.castVote("p2", submissionIDByAuthor(r, "host")))
	assert.Equal(t, PhaseVote, r.phase)
	require.NoError(t, r.castVote("p3", submissionIDByAuthor(r, "p2")))

	assert.Equal(t, PhaseScore, r.phase)
	assert.Equal(t, 1, r.players["host"].score)
	assert.Equal(t, 2, r.players["p2"].score)
	assert.Equal(t, 0, r.players["p3"].score)
	require.Len(t, r.resultsSnapshot, 3)

	// Score phase exposes authors and vote counts.
	state := r.publicStateLocked("p3")
	require.Len(t, state.Submissions, 3)
	for _, s := range state.Submissions {
		assert.NotEmpty(t, s.PlayerID)
		require.NotNil(t, s.Votes)
	}

	// Next round resets per-round state and refills hands.
	require.NoError(t, r.nextRound("host"))
	assert.Equal(t, PhaseSubmit, r.phase)
	assert.Equal(t, 2, r.round)
	assert.Empty(t, r.submissions)
	assert.Nil(t, r.resultsSnapshot)
	for _, id := range []string{"host", "p2", "p3"} {
		assert.Len(t, r.players[id].hand, 7)
		assert.False(t, r.players[id].hasVoted)
		assert.Nil(t, r.players[id].submittedParts)
	}
	// Scores carry over.
	assert.Equal(t, 2, r.players["p2"].score)
}

func TestSinglePlayerSkipsVote(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Solo", "sess-s")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")

	// Only player submitted: straight to reveal.
	require.Equal(t, PhaseReveal, r.phase)

	require.NoError(t, r.revealNext("host"))
	assert.Equal(t, 0, r.revealIndex)

	// Advancing past the only submission skips voting entirely.
	require.NoError(t, r.revealNext("host"))
	assert.Equal(t, PhaseScore, r.phase)
	assert.Equal(t, 0, r.players["host"].score)
	require.Len(t, r.resultsSnapshot, 1)
	assert.Equal(t, 0, r.resultsSnapshot[0].votes)
}

func TestSelfVoteRejected(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")

	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.Equal(t, PhaseVote, r.phase)

	own := submissionIDByAuthor(r, "host")
	err := r.castVote("host", own)
	assert.ErrorIs(t, err, errSelfVote)
	assert.False(t, r.players["host"].hasVoted)
	for _, s := range r.submissions {
		assert.Equal(t, 0, s.votes)
	}
}

func TestVoteValidation(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	// Voting outside the vote phase is silently dropped.
	assert.ErrorIs(t, r.castVote("host", 1), errPhaseMismatch)

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.Equal(t, PhaseVote, r.phase)

	assert.ErrorIs(t, r.castVote("host", 99), errUnknownSubmission)

	require.NoError(t, r.castVote("host", submissionIDByAuthor(r, "p2")))
	assert.ErrorIs(t, r.castVote("host", submissionIDByAuthor(r, "p2")), errAlreadyVoted)
}

func TestSubmitValidation(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	p := r.players["host"]
	text := p.hand[0]

	// Wrong phase: dropped without error surface.
	err := r.submitParts("host", []RawPart{{Kind: CardText, Card: rawOf(t, text)}})
	assert.ErrorIs(t, err, errPhaseMismatch)

	require.NoError(t, r.startRound("host"))
	text = p.hand[0]

	err = r.submitParts("host", nil)
	assert.ErrorIs(t, err, errPartCount)

	err = r.submitParts("host", []RawPart{
		{Kind: CardText, Card: rawOf(t, p.hand[0])},
		{Kind: CardText, Card: rawOf(t, p.hand[1])},
		{Kind: CardText, Card: rawOf(t, p.hand[2])},
	})
	assert.ErrorIs(t, err, errPartCount)

	err = r.submitParts("host", []RawPart{
		{Kind: CardText, Card: rawOf(t, p.hand[0])},
		{Kind: CardText, Card: rawOf(t, p.hand[1])},
	})
	assert.ErrorIs(t, err, errDuplicateKind)

	err = r.submitParts("host", []RawPart{{Kind: "sticker", Card: rawOf(t, text)}})
	assert.ErrorIs(t, err, errInvalidSelection)

	ghost := Card{ID: "nope", Kind: CardText, Text: "not in hand"}
	err = r.submitParts("host", []RawPart{{Kind: CardText, Card: rawOf(t, ghost)}})
	assert.ErrorIs(t, err, errCardNotInHand)

	// A rejected submit never touches the hand.
	assert.Len(t, p.hand, 7)
	assert.False(t, p.hasSubmitted())

	// Mixed combo where the second card is missing: first card stays too.
	err = r.submitParts("host", []RawPart{
		{Kind: CardText, Card: rawOf(t, p.hand[0])},
		{Kind: CardImage, Card: rawOf(t, Card{Kind: CardImage, URL: "https://example.com/a.png"})},
	})
	assert.ErrorIs(t, err, errCardNotInHand)
	assert.Len(t, p.hand, 7)

	require.NoError(t, r.submitParts("host", []RawPart{{Kind: CardText, Card: rawOf(t, text)}}))
	assert.ErrorIs(t,
		r.submitParts("host", []RawPart{{Kind: CardText, Card: rawOf(t, p.hand[0])}}),
		errAlreadySubmitted)
}

func TestLegacySubmitCard(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	require.NoError(t, r.startRound("host"))

	p := r.players["host"]
	card := p.hand[0]

	require.NoError(t, r.submitCard("host", rawOf(t, card)))
	assert.Len(t, p.hand, 6)
	require.NotNil(t, p.submittedCard)
	require.Len(t, p.submittedParts, 1)
	assert.Equal(t, CardText, p.submittedParts[0].Kind)
	require.Len(t, r.submissions, 1)
	assert.Equal(t, "host", r.submissions[0].playerID)
}

func TestForceStartReveal(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	require.NoError(t, r.startRound("host"))

	assert.ErrorIs(t, r.forceStartReveal("p2"), errNotHost)
	assert.ErrorIs(t, r.forceStartReveal("host"), errNoSubmissions)

	submitFirstCard(t, r, "host")
	require.NoError(t, r.forceStartReveal("host"))
	assert.Equal(t, PhaseReveal, r.phase)
	assert.Equal(t, -1, r.revealIndex)
}

func TestHostOnlyTransitions(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	assert.ErrorIs(t, r.startRound("p2"), errNotHost)
	require.NoError(t, r.startRound("host"))

	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")
	require.Equal(t, PhaseReveal, r.phase)

	assert.ErrorIs(t, r.revealNext("p2"), errNotHost)

	// startRound outside the lobby is a stale-UI no-op.
	assert.ErrorIs(t, r.startRound("host"), errPhaseMismatch)
}

func TestResponsePoolRefillMidDraw(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")

	r.mu.Lock()
	r.responses = nil
	drawn := r.drawResponsesLocked(3)
	r.mu.Unlock()

	assert.Len(t, drawn, 3)

	// Hand top-up also survives an exhausted pool.
	r.mu.Lock()
	r.responses = nil
	r.players["host"].hand = nil
	r.mu.Unlock()

	require.NoError(t, r.startRound("host"))
	assert.Len(t, r.players["host"].hand, 7)
}

func TestResumeWithinGraceKeepsIdentity(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "sess-a")
	c2 := joinTestPlayer(r, "p2", "Bob", "sess-b")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "p2")
	r.players["p2"].score = 5
	hand := append([]Card(nil), r.players["p2"].hand...)

	r.disconnect(c2)
	require.NotNil(t, r.disconnectTimers["p2"])

	// Reconnect with the same session id, new connection id.
	joinTestPlayer(r, "p2-new", "Bob", "sess-b")

	p := r.players["p2-new"]
	require.NotNil(t, p)
	assert.Nil(t, r.players["p2"])
	assert.Equal(t, 5, p.score)
	assert.Equal(t, hand, p.hand)
	assert.True(t, p.hasSubmitted())
	assert.Empty(t, r.disconnectTimers)

	// Submission authorship follows the rebind.
	assert.Equal(t, "p2-new", r.submissions[0].playerID)

	// The cancelled timer never fires.
	time.Sleep(3 * r.cfg.gracePeriod)
	assert.NotNil(t, r.players["p2-new"])
}

func TestGraceExpiryRemovesPlayer(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "sess-a")
	c2 := joinTestPlayer(r, "p2", "Bob", "sess-b")

	r.players["p2"].score = 5
	r.disconnect(c2)

	time.Sleep(3 * r.cfg.gracePeriod)

	r.mu.Lock()
	_, stillThere := r.players["p2"]
	r.mu.Unlock()
	assert.False(t, stillThere)

	// Rejoining after expiry is a brand-new player.
	joinTestPlayer(r, "p2-late", "Bob", "sess-b")
	p := r.players["p2-late"]
	require.NotNil(t, p)
	assert.Equal(t, 0, p.score)
	assert.Len(t, p.hand, 7)
}

func TestHostTransferOnExpiry(t *testing.T) {
	r := testRoom(t)
	ch := joinTestPlayer(r, "host", "Alice", "sess-a")
	joinTestPlayer(r, "p2", "Bob", "sess-b")

	r.disconnect(ch)
	time.Sleep(3 * r.cfg.gracePeriod)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, "p2", r.hostID)
	assert.Len(t, r.players, 1)
}

func TestHostKeptAcrossRefresh(t *testing.T) {
	r := testRoom(t)
	ch := joinTestPlayer(r, "host", "Alice", "sess-a")
	joinTestPlayer(r, "p2", "Bob", "sess-b")

	r.disconnect(ch)
	joinTestPlayer(r, "host-new", "Alice", "sess-a")

	assert.Equal(t, "host-new", r.hostID)
}

func TestLeaveBypassesGrace(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "sess-a")
	c2 := joinTestPlayer(r, "p2", "Bob", "sess-b")

	r.leave(c2)

	_, there := r.players["p2"]
	assert.False(t, there)
	assert.Empty(t, r.disconnectTimers)
}

func TestRemovalUnblocksRound(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "sess-a")
	joinTestPlayer(r, "p2", "Bob", "sess-b")
	c3 := joinTestPlayer(r, "p3", "Cara", "sess-c")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")
	require.Equal(t, PhaseSubmit, r.phase)

	// The holdout leaving is what everyone was waiting on.
	r.leave(c3)
	assert.Equal(t, PhaseReveal, r.phase)
}

func TestSnapshotStableAcrossRebind(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "sess-a")
	joinTestPlayer(r, "p2", "Bob", "sess-b")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")
	submitFirstCard(t, r, "p2")
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.castVote("host", submissionIDByAuthor(r, "p2")))
	require.NoError(t, r.castVote("p2", submissionIDByAuthor(r, "host")))
	require.Equal(t, PhaseScore, r.phase)

	before := r.publicStateLocked("host").Submissions

	// A rebind after scoring must not shift what score viewers see.
	c2 := &Client{send: make(chan any, 256), id: "p2-new"}
	r.bind(c2, "Bob", "sess-b")

	after := r.publicStateLocked("host").Submissions
	assert.Equal(t, before, after)
}

func TestRenameClampsLength(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")

	require.NoError(t, r.rename("host", "  Bobbington the Third of Cardboardshire  "))
	assert.Equal(t, "Bobbington the Third of ", r.players["host"].name)

	// Empty rename keeps the old name.
	require.NoError(t, r.rename("host", "   "))
	assert.Equal(t, "Bobbington the Third of ", r.players["host"].name)
}

func TestRedactionByPhase(t *testing.T) {
	r := testRoom(t)
	joinTestPlayer(r, "host", "Alice", "")
	joinTestPlayer(r, "p2", "Bob", "")

	require.NoError(t, r.startRound("host"))
	submitFirstCard(t, r, "host")

	// Submit phase: nothing exposed, not even your own entry.
	state := r.publicStateLocked("p2")
	assert.Empty(t, state.Submissions)
	require.NotNil(t, state.You)
	assert.Len(t, state.You.Hand, 7)

	submitFirstCard(t, r, "p2")
	require.Equal(t, PhaseReveal, r.phase)

	// Reveal paused: still nothing.
	state = r.publicStateLocked("p2")
	assert.Empty(t, state.Submissions)

	require.NoError(t, r.revealNext("host"))
	state = r.publicStateLocked("p2")
	require.Len(t, state.Submissions, 1)
	assert.Empty(t, state.Submissions[0].PlayerID)
	assert.Nil(t, state.Submissions[0].Votes)

	require.NoError(t, r.revealNext("host"))
	require.NoError(t, r.revealNext("host"))
	require.Equal(t, PhaseVote, r.phase)

	// Vote phase: all entries, authors hidden, own entry flagged.
	state = r.publicStateLocked("p2")
	require.Len(t, state.Submissions, 2)
	flagged := 0
	for _, s := range state.Submissions {
		assert.Empty(t, s.PlayerID)
		if s.IsYou {
			flagged++
		}
	}
	assert.Equal(t, 1, flagged)

	// Viewers not in the room get no private state.
	state = r.publicStateLocked("stranger")
	assert.Nil(t, state.You)
	assert.False(t, state.IsHost)
}
