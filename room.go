package main

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseSubmit Phase = "submit"
	PhaseReveal Phase = "reveal"
	PhaseVote   Phase = "vote"
	PhaseScore  Phase = "score"
)

// SubmittedPart is one half of a player's play: the declared kind plus
// the card taken from their hand.
type SubmittedPart struct {
	Kind CardKind `json:"kind"`
	Card Card     `json:"card"`
}

// Player is a participant's mutable state inside one room. The id is the
// current connection id and changes across reconnects; sessionID is the
// durable client-chosen identity used to find and rebind the player.
type Player struct {
	id        string
	sessionID string
	name      string
	score     int
	hand      []Card

	submittedParts []SubmittedPart
	submittedCard  *Card // legacy one-card submit
	hasVoted       bool
	votedFor       int
}

func (p *Player) hasSubmitted() bool {
	return len(p.submittedParts) > 0 || p.submittedCard != nil
}

// Submission is one player's play for the current round. Ids are
// sequential per round; playerID tracks the author's connection id and
// is updated in place when the author rebinds.
type Submission struct {
	id       int
	playerID string
	parts    []Card
	votes    int
}

// Room is one isolated game session. Every inbound command locks mu,
// validates against the current phase, mutates, and broadcasts; no two
// commands on the same room ever interleave, and grace-timer expirations
// serialize through the same mutex.
type Room struct {
	mu    sync.Mutex
	cfg   *Config
	decks *DeckStore

	code   string
	hostID string
	phase  Phase
	round  int
	prompt *Card

	revealIndex     int
	revealShuffled  bool
	submissions     []*Submission
	resultsSnapshot []Submission

	players   map[string]*Player
	prompts   []Card
	responses []Card

	selectedDecks    []string
	disconnectTimers map[string]*time.Timer
	clients          map[*Client]bool

	createdAt  time.Time
	lastActive time.Time

	// onEmpty asks the registry to drop this room once the last player
	// is gone. Called only after mu is released.
	onEmpty func()
}

func newRoom(cfg *Config, decks *DeckStore, code string, selected []string) *Room {
	now := time.Now()
	r := &Room{
		cfg:              cfg,
		decks:            decks,
		code:             code,
		phase:            PhaseLobby,
		revealIndex:      -1,
		players:          make(map[string]*Player),
		selectedDecks:    selected,
		disconnectTimers: make(map[string]*time.Timer),
		clients:          make(map[*Client]bool),
		createdAt:        now,
		lastActive:       now,
	}
	r.prompts, r.responses = decks.Shuffled(selected)
	return r
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	runes := []rune(name)
	if len(runes) > 24 {
		name = string(runes[:24])
	}
	return name
}

// ---- drawing ----

// drawResponsesLocked pops n cards from the response pool, refilling the
// pool from the deck store whenever it runs dry mid-draw. Stops short
// only if the selected decks have no response cards at all.
func (r *Room) drawResponsesLocked(n int) []Card {
	out := make([]Card, 0, n)
	for len(out) < n {
		if len(r.responses) == 0 {
			_, r.responses = r.decks.Shuffled(r.selectedDecks)
			if len(r.responses) == 0 {
				break
			}
		}
		last := len(r.responses) - 1
		out = append(out, r.responses[last])
		r.responses = r.responses[:last]
	}
	return out
}

func (r *Room) drawPromptLocked() *Card {
	if len(r.prompts) == 0 {
		r.prompts, _ = r.decks.Shuffled(r.selectedDecks)
		if len(r.prompts) == 0 {
			return nil
		}
	}
	last := len(r.prompts) - 1
	c := r.prompts[last]
	r.prompts = r.prompts[:last]
	return &c
}

// ---- round lifecycle ----

func (r *Room) beginRoundLocked() {
	r.round++
	r.phase = PhaseSubmit
	r.prompt = r.drawPromptLocked()
	r.revealIndex = -1
	r.revealShuffled = false
	r.resultsSnapshot = nil
	r.submissions = nil

	for _, p := range r.players {
		for len(p.hand) < r.cfg.handSize {
			drawn := r.drawResponsesLocked(1)
			if len(drawn) == 0 {
				break
			}
			p.hand = append(p.hand, drawn...)
		}
		p.submittedParts = nil
		p.submittedCard = nil
		p.hasVoted = false
		p.votedFor = 0
	}
}

// enterRevealLocked shuffles the submissions exactly once per round so
// the reveal and voting order stays stable, then pauses the cursor.
func (r *Room) enterRevealLocked() {
	if !r.revealShuffled {
		rand.Shuffle(len(r.submissions), func(i, j int) {
			r.submissions[i], r.submissions[j] = r.submissions[j], r.submissions[i]
		})
		r.revealShuffled = true
	}
	r.phase = PhaseReveal
	r.revealIndex = -1
}

func (r *Room) resetVotesLocked() {
	for _, p := range r.players {
		p.hasVoted = false
		p.votedFor = 0
	}
	for _, s := range r.submissions {
		s.votes = 0
	}
}

func (r *Room) everyoneSubmittedLocked() bool {
	for _, p := range r.players {
		if !p.hasSubmitted() {
			return false
		}
	}
	return true
}

func (r *Room) everyoneVotedLocked() bool {
	for _, p := range r.players {
		if !p.hasVoted {
			return false
		}
	}
	return true
}

func (r *Room) tallyVotesLocked() {
	for _, s := range r.submissions {
		if author, ok := r.players[s.playerID]; ok {
			author.score += s.votes
		}
	}
}

// snapshotResultsLocked captures an immutable copy of the submissions at
// the moment scoring finalizes. The score phase always serves this copy,
// so later rebinds or removals can't shift what viewers see.
func (r *Room) snapshotResultsLocked() {
	snap := make([]Submission, 0, len(r.submissions))
	for _, s := range r.submissions {
		parts := make([]Card, len(s.parts))
		copy(parts, s.parts)
		snap = append(snap, Submission{
			id:       s.id,
			playerID: s.playerID,
			parts:    parts,
			votes:    s.votes,
		})
	}
	r.resultsSnapshot = snap
}

func (r *Room) finishVotingLocked() {
	r.tallyVotesLocked()
	r.snapshotResultsLocked()
	r.phase = PhaseScore
	r.revealIndex = -1
}

// proceedToVoteOrScoreLocked runs when the host advances past the last
// revealed submission. A round with at most one submission has nobody
// eligible to vote, so it lands straight on the score phase.
func (r *Room) proceedToVoteOrScoreLocked() {
	if len(r.submissions) <= 1 {
		r.finishVotingLocked()
		return
	}
	r.phase = PhaseVote
	r.resetVotesLocked()
}

// checkProgressLocked re-runs the auto-advance checks after a player is
// permanently removed, since "everyone" just shrank.
func (r *Room) checkProgressLocked() {
	if len(r.players) == 0 {
		return
	}
	switch r.phase {
	case PhaseSubmit:
		if len(r.submissions) > 0 && r.everyoneSubmittedLocked() {
			r.enterRevealLocked()
		}
	case PhaseVote:
		if r.everyoneVotedLocked() {
			r.finishVotingLocked()
		}
	}
}

// ---- membership ----

// bind attaches a connection to the room. A known session id rebinds the
// existing player in place, preserving score, hand, submission and vote
// state; anything else joins as a brand-new player.
func (r *Room) bind(c *Client, name, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()
	r.clients[c] = true

	if sessionID != "" {
		for oldID, p := range r.players {
			if p.sessionID != sessionID {
				continue
			}

			if t, ok := r.disconnectTimers[oldID]; ok {
				t.Stop()
				delete(r.disconnectTimers, oldID)
			}

			if oldID != c.id {
				delete(r.players, oldID)
				p.id = c.id
				r.players[c.id] = p

				if r.hostID == oldID {
					r.hostID = c.id
				}
				for _, s := range r.submissions {
					if s.playerID == oldID {
						s.playerID = c.id
					}
				}
			}

			logf(r.cfg, "GAMES: Player %q resumed in %s", p.name, r.code)
			r.broadcastLocked()
			return
		}
	}

	p := &Player{
		id:        c.id,
		sessionID: sessionID,
		name:      cleanName(name),
		hand:      r.drawResponsesLocked(r.cfg.handSize),
	}
	if p.name == "" {
		if len(r.players) == 0 {
			p.name = "Host"
		} else {
			p.name = "Player " + strconv.Itoa(len(r.players)+1)
		}
	}
	r.players[c.id] = p

	if r.hostID == "" {
		r.hostID = c.id
	}

	logf(r.cfg, "GAMES: Player %q joined %s", p.name, r.code)
	r.broadcastLocked()
}

// removePlayerLocked permanently removes a player. Host status transfers
// to an arbitrary remaining player. Submission records keep their author
// reference; tallying simply skips authors who are gone.
func (r *Room) removePlayerLocked(connID string) {
	p, ok := r.players[connID]
	if !ok {
		return
	}

	if t, ok := r.disconnectTimers[connID]; ok {
		t.Stop()
		delete(r.disconnectTimers, connID)
	}
	delete(r.players, connID)

	if r.hostID == connID {
		r.hostID = ""
		for id := range r.players {
			r.hostID = id
			break
		}
	}

	logf(r.cfg, "GAMES: Player %q removed from %s", p.name, r.code)
}

// disconnect is called when a bound connection closes. The player is not
// removed yet: a cancellable grace timer starts, and resuming with the
// same session id before it fires restores identity with zero loss.
func (r *Room) disconnect(c *Client) {
	r.mu.Lock()

	delete(r.clients, c)
	r.lastActive = time.Now()

	if _, ok := r.players[c.id]; !ok {
		r.mu.Unlock()
		return
	}

	if r.cfg.gracePeriod <= 0 {
		r.removePlayerLocked(c.id)
		r.checkProgressLocked()
		empty := len(r.players) == 0
		if !empty {
			r.broadcastLocked()
		}
		r.mu.Unlock()
		if empty && r.onEmpty != nil {
			r.onEmpty()
		}
		return
	}

	connID := c.id
	r.disconnectTimers[connID] = time.AfterFunc(r.cfg.gracePeriod, func() {
		r.expireGrace(connID)
	})
	r.mu.Unlock()
}

// expireGrace fires when a disconnect grace timer elapses. Cancellation
// races are settled by the timer-map entry: a rebind serialized before
// this call has already deleted it, so the expiry becomes a no-op and
// can never remove a freshly rebound player.
func (r *Room) expireGrace(connID string) {
	r.mu.Lock()

	if _, ok := r.disconnectTimers[connID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.disconnectTimers, connID)

	r.removePlayerLocked(connID)
	r.checkProgressLocked()
	empty := len(r.players) == 0
	if !empty {
		r.broadcastLocked()
	}
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// leave removes the player immediately, bypassing the grace period.
func (r *Room) leave(c *Client) {
	r.mu.Lock()

	delete(r.clients, c)
	r.lastActive = time.Now()
	r.removePlayerLocked(c.id)
	r.checkProgressLocked()
	empty := len(r.players) == 0
	if !empty {
		r.broadcastLocked()
	}
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// ---- commands ----

func (r *Room) requireHostLocked(connID string) error {
	if r.hostID != connID {
		return errNotHost
	}
	return nil
}

func (r *Room) rename(connID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	p, ok := r.players[connID]
	if !ok {
		return errPhaseMismatch
	}
	if name := cleanName(newName); name != "" {
		p.name = name
	}
	r.broadcastLocked()
	return nil
}

func (r *Room) startRound(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if err := r.requireHostLocked(connID); err != nil {
		return err
	}
	if r.phase != PhaseLobby {
		return errPhaseMismatch
	}

	r.beginRoundLocked()
	r.broadcastLocked()
	return nil
}

func (r *Room) nextRound(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if err := r.requireHostLocked(connID); err != nil {
		return err
	}
	if r.phase != PhaseScore {
		return errPhaseMismatch
	}

	r.beginRoundLocked()
	r.broadcastLocked()
	return nil
}

// submitCard is the legacy one-card path: the part kind is inferred from
// whether the card content looks like an image link.
func (r *Room) submitCard(connID string, raw json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.phase != PhaseSubmit {
		return errPhaseMismatch
	}
	p, ok := r.players[connID]
	if !ok {
		return errPhaseMismatch
	}
	if p.hasSubmitted() {
		return errAlreadySubmitted
	}

	want, ok := parseCard(raw)
	if !ok {
		return errInvalidSelection
	}
	hand, taken, ok := takeFromHand(p.hand, want)
	if !ok {
		return errCardNotInHand
	}

	p.hand = hand
	p.submittedCard = &taken
	p.submittedParts = []SubmittedPart{{Kind: taken.Kind, Card: taken}}

	r.submissions = append(r.submissions, &Submission{
		id:       len(r.submissions) + 1,
		playerID: p.id,
		parts:    []Card{taken},
	})

	if r.everyoneSubmittedLocked() {
		r.enterRevealLocked()
	}
	r.broadcastLocked()
	return nil
}

// RawPart is a client-declared submission part before normalization.
type RawPart struct {
	Kind CardKind        `json:"kind"`
	Card json.RawMessage `json:"card"`
}

// submitParts accepts a 1-2 part combo: at most one text and one image,
// all taken from the player's hand. Validation runs to completion before
// anything mutates, so a rejected submit leaves the hand untouched.
func (r *Room) submitParts(connID string, rawParts []RawPart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.phase != PhaseSubmit {
		return errPhaseMismatch
	}
	p, ok := r.players[connID]
	if !ok {
		return errPhaseMismatch
	}
	if p.hasSubmitted() {
		return errAlreadySubmitted
	}
	if len(rawParts) < 1 || len(rawParts) > 2 {
		return errPartCount
	}

	kindCount := make(map[CardKind]int)
	wanted := make([]Card, 0, len(rawParts))
	for _, part := range rawParts {
		if part.Kind != CardText && part.Kind != CardImage {
			return errInvalidSelection
		}
		kindCount[part.Kind]++
		c, ok := parseCard(part.Card)
		if !ok {
			return errInvalidSelection
		}
		wanted = append(wanted, c)
	}
	if kindCount[CardText] > 1 || kindCount[CardImage] > 1 {
		return errDuplicateKind
	}

	hand := p.hand
	taken := make([]Card, 0, len(wanted))
	for _, want := range wanted {
		var card Card
		var ok bool
		hand, card, ok = takeFromHand(hand, want)
		if !ok {
			return errCardNotInHand
		}
		taken = append(taken, card)
	}

	p.hand = hand
	p.submittedCard = nil
	p.submittedParts = make([]SubmittedPart, 0, len(taken))
	for i, card := range taken {
		p.submittedParts = append(p.submittedParts, SubmittedPart{Kind: rawParts[i].Kind, Card: card})
	}

	r.submissions = append(r.submissions, &Submission{
		id:       len(r.submissions) + 1,
		playerID: p.id,
		parts:    taken,
	})

	if r.everyoneSubmittedLocked() {
		r.enterRevealLocked()
	}
	r.broadcastLocked()
	return nil
}

func (r *Room) forceStartReveal(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if err := r.requireHostLocked(connID); err != nil {
		return err
	}
	if r.phase != PhaseSubmit {
		return errPhaseMismatch
	}
	if len(r.submissions) == 0 {
		return errNoSubmissions
	}

	r.enterRevealLocked()
	r.broadcastLocked()
	return nil
}

// revealNext steps the reveal cursor through the shuffled submissions one
// at a time; stepping past the last one moves on to voting, or straight
// to scoring when there's nothing to vote on.
func (r *Room) revealNext(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if err := r.requireHostLocked(connID); err != nil {
		return err
	}
	if r.phase != PhaseReveal {
		return errPhaseMismatch
	}

	switch {
	case r.revealIndex == -1 && len(r.submissions) > 0:
		r.revealIndex = 0
	case r.revealIndex < len(r.submissions)-1:
		r.revealIndex++
	default:
		r.proceedToVoteOrScoreLocked()
	}

	r.broadcastLocked()
	return nil
}

func (r *Room) castVote(connID string, submissionID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if r.phase != PhaseVote {
		return errPhaseMismatch
	}
	voter, ok := r.players[connID]
	if !ok {
		return errPhaseMismatch
	}
	if voter.hasVoted {
		return errAlreadyVoted
	}

	var choice *Submission
	for _, s := range r.submissions {
		if s.id == submissionID {
			choice = s
			break
		}
	}
	if choice == nil {
		return errUnknownSubmission
	}
	if choice.playerID == voter.id {
		return errSelfVote
	}

	choice.votes++
	voter.hasVoted = true
	voter.votedFor = submissionID

	if r.everyoneVotedLocked() {
		r.finishVotingLocked()
	}
	r.broadcastLocked()
	return nil
}

// ---- snapshots & broadcast ----

func (r *Room) playerListLocked() []PlayerInfo {
	list := make([]PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		list = append(list, PlayerInfo{ID: p.id, Name: p.name, Score: p.score})
	}
	return list
}

// publicStateLocked builds the per-viewer redacted snapshot. Submission
// visibility follows the phase: one anonymous entry during reveal, all
// anonymous entries during voting, the full attributed snapshot during
// scoring, nothing otherwise.
func (r *Room) publicStateLocked(viewerID string) StateMessage {
	var submissions []SubmissionView

	switch r.phase {
	case PhaseReveal:
		if r.revealIndex >= 0 && r.revealIndex < len(r.submissions) {
			s := r.submissions[r.revealIndex]
			submissions = []SubmissionView{{
				ID:    s.id,
				Parts: s.parts,
				IsYou: s.playerID == viewerID,
			}}
		}
	case PhaseVote:
		submissions = make([]SubmissionView, 0, len(r.submissions))
		for _, s := range r.submissions {
			submissions = append(submissions, SubmissionView{
				ID:    s.id,
				Parts: s.parts,
				IsYou: s.playerID == viewerID,
			})
		}
	case PhaseScore:
		submissions = make([]SubmissionView, 0, len(r.resultsSnapshot))
		for i := range r.resultsSnapshot {
			s := &r.resultsSnapshot[i]
			votes := s.votes
			submissions = append(submissions, SubmissionView{
				ID:       s.id,
				Parts:    s.parts,
				PlayerID: s.playerID,
				Votes:    &votes,
			})
		}
	}

	msg := StateMessage{
		Type:        "state",
		Code:        r.code,
		Phase:       r.phase,
		IsHost:      r.hostID == viewerID,
		Round:       r.round,
		Prompt:      r.prompt,
		RevealIndex: r.revealIndex,
		Players:     r.playerListLocked(),
		Submissions: submissions,
	}

	if you, ok := r.players[viewerID]; ok {
		msg.You = &YouState{
			ID:             you.id,
			Name:           you.name,
			Score:          you.score,
			Hand:           you.hand,
			SubmittedParts: you.submittedParts,
			SubmittedCard:  you.submittedCard,
			HasVoted:       you.hasVoted,
			VotedFor:       you.votedFor,
		}
	}

	return msg
}

// broadcastLocked fans the per-viewer state out to every bound
// connection. Slow clients are dropped rather than blocking the room.
func (r *Room) broadcastLocked() {
	for client := range r.clients {
		if !client.trySend(r.publicStateLocked(client.id)) {
			delete(r.clients, client)
			client.closeSend()
		}
	}
}

// ---- registry hooks ----

func (r *Room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.players) == 0
}

func (r *Room) lastActiveAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastActive
}

// closeAll disconnects all clients and cancels pending grace timers
// (used when the registry drops the room).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, t := range r.disconnectTimers {
		t.Stop()
		delete(r.disconnectTimers, connID)
	}
	for c := range r.clients {
		c.closeSend()
		_ = c.conn.Close()
		delete(r.clients, c)
	}
}
