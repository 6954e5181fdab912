package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	cfg := &Config{handSize: 7, gracePeriod: 40 * time.Millisecond}
	return newRegistry(context.Background(), cfg, testDeckStore(40))
}

func TestRoomCodeShape(t *testing.T) {
	reg := testRegistry()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		reg.mu.Lock()
		code := reg.newRoomCodeLocked()
		reg.mu.Unlock()

		assert.Len(t, code, 4)
		for _, ch := range code {
			assert.True(t, strings.ContainsRune(roomCodeAlphabet, ch), "unexpected glyph %q", ch)
		}
		seen[code] = true
	}
	// Collisions are possible but 200 unique draws from 30^4 should hold.
	assert.Greater(t, len(seen), 190)
}

func TestCreateRoomBindsHost(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "sess-a", []string{"default"})

	require.NotNil(t, room)
	assert.Equal(t, "host", room.hostID)
	assert.Equal(t, []string{"default"}, room.selectedDecks)
	assert.Same(t, room, reg.findRoom(room.code))
}

func TestCreateRoomFiltersUnknownDecks(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "", []string{"bogus", "missing"})

	assert.Equal(t, []string{defaultDeckID}, room.selectedDecks)
}

func TestFindRoomNormalizesCode(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "", nil)

	assert.Same(t, room, reg.findRoom(strings.ToLower(room.code)))
	assert.Same(t, room, reg.findRoom(" "+room.code+" "))
	assert.Nil(t, reg.findRoom("ZZZZ"))
}

func TestRemoveIfEmptyKeepsOccupiedRooms(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "", nil)

	reg.removeIfEmpty(room.code)
	assert.Same(t, room, reg.findRoom(room.code))
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "", nil)
	code := room.code

	room.leave(c)
	assert.Nil(t, reg.findRoom(code))
}

func TestGraceExpiryDestroysEmptyRoom(t *testing.T) {
	reg := testRegistry()

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "sess-a", nil)
	code := room.code

	room.disconnect(c)
	time.Sleep(3 * reg.cfg.gracePeriod)

	assert.Nil(t, reg.findRoom(code))
}

func TestReaperStopsOnContextCancel(t *testing.T) {
	cfg := &Config{handSize: 7, sessionTimeout: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := newRegistry(ctx, cfg, testDeckStore(40))

	c := &Client{send: make(chan any, 64), id: "host"}
	room := reg.createRoom(c, "Alice", "", nil)
	room.mu.Lock()
	room.lastActive = time.Now().Add(-time.Hour)
	room.mu.Unlock()

	// The reaper exited before its first tick, so even a long-idle room
	// stays put.
	time.Sleep(4 * cfg.sessionTimeout)
	assert.Same(t, room, reg.findRoom(room.code))
}

func TestCodeNotReusedWhileLive(t *testing.T) {
	reg := testRegistry()

	codes := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c := &Client{send: make(chan any, 64), id: "host"}
		room := reg.createRoom(c, "Alice", "", nil)
		assert.False(t, codes[room.code], "code %s reused", room.code)
		codes[room.code] = true
	}
}
