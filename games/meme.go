package games

// Meme game: a prompt/response party game
// A host creates a room from one or more decks and shares the 4-letter code
// Each player holds a hand of response cards (text lines and image links)
// Every round, a prompt card is shown to everyone
// Each player plays one or two cards: at most one text and at most one image
// Once everyone has played (or the host forces it), the host reveals the plays one at a time
// Plays are shown in a shuffled order with authors hidden
// Players then vote for their favorite play; voting for your own is rejected
// With one or zero plays there is nothing to vote on, so the round goes straight to results
// Votes become points for the play's author, and results show who played what
// The host starts the next round; hands are refilled and scores carry over

// Implementation details:
// - One WebSocket per connection; the client picks a room via createRoom/joinRoom
// - Clients generate a session id and present it on every join, so a refresh
//   or dropped connection resumes the same player within a grace window
// - Decks are json files, hot-reloaded when the files change
