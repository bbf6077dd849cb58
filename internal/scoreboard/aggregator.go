package scoreboard

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	logx "timerquiz/pkg/logx"
)

type session struct {
	summary Summary
	parts   map[int64]*Standing
}

type Option func(*Aggregator)

func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

func WithSink(s Sink) Option {
	return func(a *Aggregator) { a.sink = s }
}

// Aggregator holds live sessions. It is safe for concurrent use.
type Aggregator struct {
	log   logx.Logger
	clock clockwork.Clock
	sink  Sink

	mu       sync.Mutex
	sessions map[string]*session
}

func New(log logx.Logger, opts ...Option) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{
		log:      log,
		clock:    clockwork.NewRealClock(),
		sessions: map[string]*session{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// StartSession resets any previous session under the same key.
func (a *Aggregator) StartSession(key, title string, questions int) {
	a.mu.Lock()
	a.sessions[key] = &session{
		summary: Summary{Key: key, Title: title, Questions: questions, Started: a.clock.Now()},
		parts:   map[int64]*Standing{},
	}
	a.mu.Unlock()
}

// RecordAnswer counts one answer. It returns false for an unknown session.
func (a *Aggregator) RecordAnswer(key string, p Participant, correct bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[key]
	if !ok {
		return false
	}
	st, ok := s.parts[p.ID]
	if !ok {
		st = &Standing{Participant: p}
		s.parts[p.ID] = st
	}
	st.Answered++
	if correct {
		st.Correct++
	}
	return true
}

func (a *Aggregator) Summary(key string) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[key]
	if !ok {
		return Summary{}, false
	}
	return s.snapshot(), true
}

// Render formats the current ranking as HTML.
func (a *Aggregator) Render(key string) (string, error) {
	sum, ok := a.Summary(key)
	if !ok {
		return "", ErrUnknownSession
	}
	return FormatHTML(sum), nil
}

// Finish removes the session and hands its summary to the sink. A sink
// failure is logged; the session is discarded either way.
func (a *Aggregator) Finish(ctx context.Context, key string) (Summary, bool) {
	a.mu.Lock()
	s, ok := a.sessions[key]
	delete(a.sessions, key)
	a.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	sum := s.snapshot()
	sum.Finished = a.clock.Now()
	if a.sink != nil {
		if err := a.sink.Handoff(ctx, sum); err != nil {
			a.log.Warn("scoreboard hand-off failed", logx.String("session", key), logx.Err(err))
		}
	}
	return sum, true
}

func (s *session) snapshot() Summary {
	out := s.summary
	out.Standings = make([]Standing, 0, len(s.parts))
	for _, st := range s.parts {
		out.Standings = append(out.Standings, *st)
	}
	rank(out.Standings)
	out.Average = average(out.Standings)
	return out
}

func rank(ss []Standing) {
	sort.Slice(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		if a.Correct != b.Correct {
			return a.Correct > b.Correct
		}
		if a.Answered != b.Answered {
			return a.Answered > b.Answered
		}
		if a.DisplayName() != b.DisplayName() {
			return a.DisplayName() < b.DisplayName()
		}
		return a.ID < b.ID
	})
}

// average is the mean of per-participant percentages, ignoring anyone
// with no answers.
func average(ss []Standing) int {
	total, n := 0.0, 0
	for _, s := range ss {
		if s.Answered <= 0 {
			continue
		}
		total += float64(s.Correct) / float64(s.Answered) * 100
		n++
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(total / float64(n)))
}

func percent(a, b int) int {
	return int(math.Round(float64(a) / float64(b) * 100))
}
