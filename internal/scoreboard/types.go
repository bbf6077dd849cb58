// Package scoreboard aggregates poll answers per quiz session and renders
// the final ranking.
package scoreboard

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var ErrUnknownSession = errors.New("unknown quiz session")

type Participant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// DisplayName falls back to the user id when no name is known.
func (p Participant) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Username != "" {
		return p.Username
	}
	return "User " + strconv.FormatInt(p.ID, 10)
}

type Standing struct {
	Participant
	Correct  int `json:"correct"`
	Answered int `json:"answered"`
}

// Percent is the rounded share of correct answers.
func (s Standing) Percent() int {
	if s.Answered <= 0 {
		return 0
	}
	return percent(s.Correct, s.Answered)
}

// Summary is a ranked snapshot of a session.
type Summary struct {
	Key       string     `json:"key"`
	Title     string     `json:"title"`
	Questions int        `json:"questions"`
	Started   time.Time  `json:"started"`
	Finished  time.Time  `json:"finished,omitempty"`
	Standings []Standing `json:"standings"`
	Average   int        `json:"average"`
}

// Sink receives the summary of a finished session.
type Sink interface {
	Handoff(ctx context.Context, s Summary) error
}
