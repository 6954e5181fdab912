package main

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type CardKind string

const (
	CardText  CardKind = "text"
	CardImage CardKind = "image"
)

// Card is the closed variant every raw deck value is normalized into:
// either a piece of text or an image reference with an optional caption.
// The game never interprets the content, it only moves and counts cards.
//
// ID is assigned when the card enters a room's pool, so that two draws
// with identical content stay distinguishable in a hand.
type Card struct {
	ID      string   `json:"id,omitempty"`
	Kind    CardKind `json:"kind"`
	Text    string   `json:"text,omitempty"`
	URL     string   `json:"url,omitempty"`
	Caption string   `json:"caption,omitempty"`
}

var imageExtensions = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|bmp|avif)$`)

// isImageLink reports whether a bare string card should be treated as an
// image reference rather than text.
func isImageLink(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return imageExtensions.MatchString(u.Path)
}

// rawCard covers every shape deck files and clients are allowed to send:
// already-normalized cards ({kind,...}), legacy image objects
// ({image, caption, from}), or bare strings.
type rawCard struct {
	ID      string   `json:"id"`
	Kind    CardKind `json:"kind"`
	Text    string   `json:"text"`
	URL     string   `json:"url"`
	Caption string   `json:"caption"`
	Image   string   `json:"image"`
	From    string   `json:"from"`
}

// parseCard is the single normalization point for raw card content. All
// code paths that accept card values from decks or clients go through it.
func parseCard(raw json.RawMessage) (Card, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Card{}, false
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Card{}, false
		}
		if isImageLink(s) {
			return Card{Kind: CardImage, URL: s}, true
		}
		return Card{Kind: CardText, Text: s}, true
	}

	var rc rawCard
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Card{}, false
	}

	switch {
	case rc.Kind == CardText:
		return Card{ID: rc.ID, Kind: CardText, Text: rc.Text}, true
	case rc.Kind == CardImage:
		return Card{ID: rc.ID, Kind: CardImage, URL: rc.URL, Caption: rc.Caption}, true
	case rc.Image != "":
		caption := rc.Caption
		if caption == "" {
			caption = rc.From
		}
		return Card{Kind: CardImage, URL: rc.Image, Caption: caption}, true
	}

	return Card{}, false
}

// sameContent compares two cards structurally, ignoring draw ids. Used as
// the fallback when a client echoes card content without an id.
func sameContent(a, b Card) bool {
	return a.Kind == b.Kind && a.Text == b.Text && a.URL == b.URL && a.Caption == b.Caption
}

// withDrawID stamps a card with a fresh unique id as it enters a pool.
func withDrawID(c Card) Card {
	c.ID = uuid.NewString()
	return c
}

// takeFromHand removes exactly one occurrence of the wanted card and
// returns it: matched by draw id when the client sent one, by structural
// equality otherwise. The input slice is not modified.
func takeFromHand(hand []Card, want Card) ([]Card, Card, bool) {
	match := -1
	if want.ID != "" {
		for i, c := range hand {
			if c.ID == want.ID {
				match = i
				break
			}
		}
	}
	if match == -1 {
		for i, c := range hand {
			if sameContent(c, want) {
				match = i
				break
			}
		}
	}
	if match == -1 {
		return hand, Card{}, false
	}

	taken := hand[match]
	rest := make([]Card, 0, len(hand)-1)
	rest = append(rest, hand[:match]...)
	rest = append(rest, hand[match+1:]...)
	return rest, taken, true
}
