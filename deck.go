package main

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const defaultDeckID = "default"

// DeckInfo is the catalog entry shown in the room-creation UI.
type DeckInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PromptCount   int    `json:"promptCount"`
	ResponseCount int    `json:"responseCount"`
}

type deck struct {
	id        string
	name      string
	prompts   []Card
	responses []Card
}

type deckFile struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Prompts   []json.RawMessage `json:"prompts"`
	Responses []json.RawMessage `json:"responses"`
}

// DeckStore loads prompt/response decks from a directory of json files
// and hands out freshly shuffled per-room pools. Rooms never share pool
// state; a room refills by asking for another shuffled copy.
type DeckStore struct {
	mu    sync.RWMutex
	dir   string
	decks map[string]*deck
}

func newDeckStore(dir string) *DeckStore {
	return &DeckStore{
		dir:   dir,
		decks: make(map[string]*deck),
	}
}

// builtinDefaultDeck keeps the game playable when no deck files exist.
func builtinDefaultDeck() *deck {
	return &deck{
		id:   defaultDeckID,
		name: "Default",
		prompts: []Card{
			{Kind: CardText, Text: "Boss: Can you come in on Saturday?"},
			{Kind: CardImage, URL: "https://picsum.photos/400/260", Caption: "New phone, who dis?"},
		},
		responses: []Card{
			{Kind: CardText, Text: "My lawyer says no."},
			{Kind: CardText, Text: "I'll be there in 5-7 business days."},
			{Kind: CardImage, URL: "https://media.giphy.com/media/3oEjI6SIIHBdRxXI40/giphy.gif"},
		},
	}
}

// load replaces the deck set from the configured directory. Broken files
// are skipped with a warning; a missing default deck is synthesized.
func (ds *DeckStore) load(cfg *Config) {
	loaded := make(map[string]*deck)

	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		logf(cfg, "DECKS: Unable to read %s: %v", ds.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		full := filepath.Join(ds.dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			logf(cfg, "DECKS: Failed to read %s: %v", entry.Name(), err)
			continue
		}

		var df deckFile
		if err := json.Unmarshal(data, &df); err != nil {
			logf(cfg, "DECKS: Failed to parse %s (%s): %v", entry.Name(), humanReadableSize(int64(len(data))), err)
			continue
		}

		id := strings.TrimSpace(df.ID)
		if id == "" {
			id = strings.TrimSuffix(entry.Name(), ".json")
		}
		if id == "" {
			continue
		}

		name := df.Name
		if name == "" {
			name = id
		}

		d := &deck{id: id, name: name}
		for _, raw := range df.Prompts {
			if c, ok := parseCard(raw); ok {
				d.prompts = append(d.prompts, c)
			}
		}
		for _, raw := range df.Responses {
			if c, ok := parseCard(raw); ok {
				d.responses = append(d.responses, c)
			}
		}
		loaded[id] = d
	}

	if _, ok := loaded[defaultDeckID]; !ok {
		loaded[defaultDeckID] = builtinDefaultDeck()
	}

	ids := make([]string, 0, len(loaded))
	for id := range loaded {
		ids = append(ids, id)
	}
	logf(cfg, "DECKS: Loaded decks: %s", strings.Join(ids, ", "))

	ds.mu.Lock()
	ds.decks = loaded
	ds.mu.Unlock()
}

// watch reloads the deck set whenever a json file in the deck directory
// changes. Errors here are non-fatal; the store keeps its last good set.
func (ds *DeckStore) watch(cfg *Config) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logf(cfg, "DECKS: Watch unavailable: %v", err)
		return
	}

	if err := watcher.Add(ds.dir); err != nil {
		logf(cfg, "DECKS: Unable to watch %s: %v", ds.dir, err)
		_ = watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(event.Name, ".json") {
					logf(cfg, "DECKS: Deck change detected: %s", filepath.Base(event.Name))
					ds.load(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf(cfg, "DECKS: Watch error: %v", err)
			}
		}
	}()
}

// List returns the deck catalog, sent to every new connection.
func (ds *DeckStore) List() []DeckInfo {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	infos := make([]DeckInfo, 0, len(ds.decks))
	for _, d := range ds.decks {
		infos = append(infos, DeckInfo{
			ID:            d.id,
			Name:          d.name,
			PromptCount:   len(d.prompts),
			ResponseCount: len(d.responses),
		})
	}
	return infos
}

// Known reports whether a deck id exists in the current catalog.
func (ds *DeckStore) Known(id string) bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	_, ok := ds.decks[id]
	return ok
}

// Shuffled returns freshly shuffled prompt and response pools drawn from
// the union of the requested decks. An empty request means the default
// deck. Every card is stamped with a unique draw id.
func (ds *DeckStore) Shuffled(ids []string) (prompts, responses []Card) {
	if len(ids) == 0 {
		ids = []string{defaultDeckID}
	}

	ds.mu.RLock()
	for _, id := range ids {
		d, ok := ds.decks[id]
		if !ok && id == defaultDeckID {
			d = builtinDefaultDeck()
			ok = true
		}
		if !ok {
			continue
		}
		for _, c := range d.prompts {
			prompts = append(prompts, withDrawID(c))
		}
		for _, c := range d.responses {
			responses = append(responses, withDrawID(c))
		}
	}
	ds.mu.RUnlock()

	rand.Shuffle(len(prompts), func(i, j int) {
		prompts[i], prompts[j] = prompts[j], prompts[i]
	})
	rand.Shuffle(len(responses), func(i, j int) {
		responses[i], responses[j] = responses[j], responses[i]
	})

	return prompts, responses
}
