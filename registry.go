package main

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// roomCodeAlphabet avoids easily-confused glyphs (no I/L/O/V/0/1).
const roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUWXYZ23456789"

const roomCodeLength = 4

// Registry owns the code->Room mapping: it generates unique codes,
// hands out rooms, and drops them once their last player is gone. Codes
// are never reused while their room is live.
type Registry struct {
	mu    sync.Mutex
	cfg   *Config
	decks *DeckStore
	rooms map[string]*Room
}

func newRegistry(ctx context.Context, cfg *Config, decks *DeckStore) *Registry {
	reg := &Registry{
		cfg:   cfg,
		decks: decks,
		rooms: make(map[string]*Room),
	}
	if cfg.sessionTimeout > 0 {
		go reg.reaperLoop(ctx)
	}
	return reg
}

// newRoomCodeLocked generates a crypto-random room code, retrying on
// collision with a live room.
func (reg *Registry) newRoomCodeLocked() string {
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
		}
		code := string(out)

		if _, exists := reg.rooms[code]; !exists {
			return code
		}
	}
}

// createRoom builds a room over the requested decks (unknown ids are
// dropped, an empty result falls back to the default deck) and binds the
// creating connection as its host.
func (reg *Registry) createRoom(c *Client, name, sessionID string, deckIDs []string) *Room {
	selected := make([]string, 0, len(deckIDs))
	for _, id := range deckIDs {
		if reg.decks.Known(id) {
			selected = append(selected, id)
		}
	}
	if len(selected) == 0 {
		selected = []string{defaultDeckID}
	}

	reg.mu.Lock()
	code := reg.newRoomCodeLocked()
	room := newRoom(reg.cfg, reg.decks, code, selected)
	room.onEmpty = func() {
		reg.removeIfEmpty(code)
	}
	reg.rooms[code] = room
	reg.mu.Unlock()

	logf(reg.cfg, "GAMES: Created room %s (decks: %s)", code, strings.Join(selected, ", "))

	room.bind(c, name, sessionID)
	return room
}

func (reg *Registry) findRoom(code string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.rooms[strings.ToUpper(strings.TrimSpace(code))]
}

// removeIfEmpty drops the room when no players remain. Registry and room
// locks always nest registry-first, so this is safe to call from grace
// expirations and explicit leaves.
func (reg *Registry) removeIfEmpty(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[code]
	if !ok {
		return
	}
	if !room.isEmpty() {
		return
	}

	delete(reg.rooms, code)
	logf(reg.cfg, "GAMES: Removed empty room %s", code)
	go room.closeAll()
}

// reaperLoop periodically removes rooms idle longer than the configured
// session timeout, until the server context is cancelled.
func (reg *Registry) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(reg.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-reg.cfg.sessionTimeout)

		reg.mu.Lock()
		for code, room := range reg.rooms {
			if room.lastActiveAt().Before(cutoff) {
				delete(reg.rooms, code)
				logf(reg.cfg, "GAMES: Reaped idle room %s", code)
				go room.closeAll()
			}
		}
		reg.mu.Unlock()
	}
}
