// Phonegame Meme Game
//
// A host creates a room over a chosen set of decks and shares its
// 4-character code; players join, each round shows a prompt card, every
// player plays one or two response cards from their hand (at most one
// image and one text), the host reveals the plays one at a time, players
// vote for their favorite (never their own), and scores accumulate.
//
// Features:
// - Single WebSocket endpoint: /meme/ws; rooms addressed by code
// - Room codes from an unambiguous alphabet, collision-checked
// - Players carry a client-generated session id; refreshing the browser
//   resumes the same player (score, hand, submission, vote) in place
// - Disconnected players get a grace period before removal; host status
//   transfers if the host leaves for good
// - Per-viewer redacted state: authors stay hidden until the score phase
// - Deck catalog pushed on connect for the room-creation UI
// - In-browser QR button to share a room join link, backed by go-qrcode
// - Per-connection inbound rate limiting

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

// ClientMessage is the envelope for every inbound command.
type ClientMessage struct {
	Type         string          `json:"type"`
	Name         string          `json:"name,omitempty"`         // createRoom / joinRoom / resume / rename
	Code         string          `json:"code,omitempty"`         // joinRoom / resume
	SessionID    string          `json:"sessionId,omitempty"`    // createRoom / joinRoom / resume
	Decks        []string        `json:"decks,omitempty"`        // createRoom
	Card         json.RawMessage `json:"card,omitempty"`         // submitCard (legacy)
	Parts        []RawPart       `json:"parts,omitempty"`        // submitParts
	SubmissionID int             `json:"submissionId,omitempty"` // castVote
}

// DecksMessage carries the deck catalog, sent once per connection.
type DecksMessage struct {
	Type  string     `json:"type"` // "decks"
	Decks []DeckInfo `json:"decks"`
}

// ErrorMessage is sent only to the connection whose command failed.
type ErrorMessage struct {
	Type    string `json:"type"` // "errorMsg"
	Message string `json:"message"`
}

type PlayerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// SubmissionView is a submission as one viewer is allowed to see it.
// PlayerID and Votes are only populated during the score phase.
type SubmissionView struct {
	ID       int    `json:"id"`
	Parts    []Card `json:"parts"`
	IsYou    bool   `json:"isYou,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
	Votes    *int   `json:"votes,omitempty"`
}

// YouState is the viewer's own private state.
type YouState struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Score          int             `json:"score"`
	Hand           []Card          `json:"hand"`
	SubmittedParts []SubmittedPart `json:"submittedParts,omitempty"`
	SubmittedCard  *Card           `json:"submittedCard,omitempty"`
	HasVoted       bool            `json:"hasVoted"`
	VotedFor       int             `json:"votedFor,omitempty"`
}

// StateMessage is the authoritative room snapshot, rebuilt per viewer
// after every accepted mutation.
type StateMessage struct {
	Type        string           `json:"type"` // "state"
	Code        string           `json:"code"`
	Phase       Phase            `json:"phase"`
	IsHost      bool             `json:"isHost"`
	Round       int              `json:"round"`
	Prompt      *Card            `json:"prompt"`
	RevealIndex int              `json:"revealIndex"`
	Players     []PlayerInfo     `json:"players"`
	Submissions []SubmissionView `json:"submissions"`
	You         *YouState        `json:"you,omitempty"`
}

// Client is one websocket connection. Writes race between the room's
// broadcast (under the room mutex) and error delivery from the read
// pump, so the send channel is guarded: trySend and closeSend are the
// only code allowed to touch it.
type Client struct {
	conn *websocket.Conn
	id   string

	mu     sync.Mutex
	send   chan any
	closed bool
}

// trySend queues a frame without blocking. Reports false when the
// buffer is full or the channel is already closed.
func (c *Client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend shuts the send channel down exactly once; late senders see
// the closed flag instead of a panic.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Inbound command budget per connection: sustained commands per second
// and the burst allowance above it.
const (
	inboundRatePerSecond = 20
	inboundRateBurst     = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// newConnID generates the per-connection identifier. Session identity is
// the client's business; connection identity is ours.
func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// deliver surfaces a command failure to this connection only. Phase
// mismatches are dropped silently so stale client UI self-heals on the
// next broadcast instead of seeing spurious errors.
func (c *Client) deliver(err error) {
	if err == nil || errors.Is(err, errPhaseMismatch) {
		return
	}
	c.trySend(ErrorMessage{Type: "errorMsg", Message: err.Error()})
}

func serveWSForRegistry(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   newConnID(),
		}

		client.trySend(DecksMessage{Type: "decks", Decks: reg.decks.List()})

		go client.writePump()
		client.readPump(cfg, reg)
	}
}

func (c *Client) readPump(cfg *Config, reg *Registry) {
	var room *Room

	defer func() {
		if room != nil {
			room.disconnect(c)
		}
		c.closeSend()
		_ = c.conn.Close()
	}()

	limiter := rate.NewLimiter(inboundRatePerSecond, inboundRateBurst)

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		switch msg.Type {
		case "createRoom":
			if room != nil {
				continue
			}
			room = reg.createRoom(c, msg.Name, msg.SessionID, msg.Decks)

		case "joinRoom", "resume":
			if room != nil {
				continue
			}
			found := reg.findRoom(msg.Code)
			if found == nil {
				c.deliver(errRoomNotFound)
				continue
			}
			room = found
			room.bind(c, msg.Name, msg.SessionID)

		case "rename":
			if room != nil {
				c.deliver(room.rename(c.id, msg.Name))
			}

		case "startRound":
			if room != nil {
				c.deliver(room.startRound(c.id))
			}

		case "submitCard":
			if room != nil {
				c.deliver(room.submitCard(c.id, msg.Card))
			}

		case "submitParts":
			if room != nil {
				c.deliver(room.submitParts(c.id, msg.Parts))
			}

		case "forceStartReveal":
			if room != nil {
				c.deliver(room.forceStartReveal(c.id))
			}

		case "revealNext":
			if room != nil {
				c.deliver(room.revealNext(c.id))
			}

		case "castVote":
			if room != nil {
				c.deliver(room.castVote(c.id, msg.SubmissionID))
			}

		case "nextRound":
			if room != nil {
				c.deliver(room.nextRound(c.id))
			}

		case "leaveRoom":
			if room != nil {
				room.leave(c)
				room = nil
			}

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for a room's join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../join/:code/qr; strip trailing "/qr" for the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static client ----

//go:embed meme/index.html
var indexHTML []byte

//go:embed meme/app.css
var memeCSS []byte

//go:embed meme/app.js
var memeJS []byte

func staticHandler(cfg *Config, contentType string, data []byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// registerMemeGame sets up routes so that:
//   - $path                  → game client (create/join UI)
//   - $path/ws               → WebSocket command channel
//   - $path/join/:code       → game client deep-linked to a room
//   - $path/join/:code/qr    → PNG QR code for that join URL
func registerMemeGame(cfg *Config, path string, mux *httprouter.Router, reg *Registry) {
	index := staticHandler(cfg, "text/html; charset=utf-8", indexHTML)

	mux.GET(cfg.prefix+path, index)
	mux.GET(cfg.prefix+path+"/ws", serveWSForRegistry(cfg, reg))
	mux.GET(cfg.prefix+path+"/join/:code", index)
	mux.GET(cfg.prefix+path+"/join/:code/qr", qrHandler)

	mux.GET(cfg.prefix+"/assets/meme/app.css", staticHandler(cfg, "text/css; charset=utf-8", memeCSS))
	mux.GET(cfg.prefix+"/assets/meme/app.js", staticHandler(cfg, "text/javascript; charset=utf-8", memeJS))
}
