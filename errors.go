package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Game command failures surfaced only to the originating connection.
// A failed command never mutates room state.
var (
	errRoomNotFound      = errors.New("Room not found.")
	errNotHost           = errors.New("Only the host can do that.")
	errInvalidSelection  = errors.New("Invalid selection.")
	errPartCount         = errors.New("Pick 1 or 2 cards.")
	errDuplicateKind     = errors.New("Choose at most one image and one text.")
	errCardNotInHand     = errors.New("Selected card not in your hand.")
	errAlreadySubmitted  = errors.New("You already submitted this round.")
	errNoSubmissions     = errors.New("No submissions yet to reveal.")
	errSelfVote          = errors.New("You can't vote for your own response.")
	errUnknownSubmission = errors.New("That response is no longer available.")
	errAlreadyVoted      = errors.New("You already voted this round.")
)

// errPhaseMismatch marks commands that arrived for the wrong phase.
// These are dropped silently so stale client UI doesn't spam errors.
var errPhaseMismatch = errors.New("phase mismatch")

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
