package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"timerquiz/internal/storage"
	logx "timerquiz/pkg/logx"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingEvery    = 30 * time.Second
)

// Handler builds the router. An empty token disables auth.
func (s *Service) Handler(token string, profiling bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		r.Route("/api", func(r chi.Router) {
			r.Get("/schedules", s.listSchedules)
			r.Get("/sequences", s.listSequences)
			r.Get("/deadletters", s.listDeadLetters)
			r.Get("/runtime", s.runtime)
			r.Get("/sessions", s.listSessions)
		})
		r.Get("/ws", s.streamEvents)
		if profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type scheduleView struct {
	ID           string    `json:"id"`
	ContentRef   string    `json:"content_ref"`
	Owner        int64     `json:"owner"`
	TargetChatID int64     `json:"target_chat_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Status       string    `json:"status"`
	TimerSeconds int       `json:"timer_seconds"`
}

type sequenceView struct {
	ID           string                 `json:"id"`
	Owner        int64                  `json:"owner"`
	Name         string                 `json:"name"`
	TargetChatID int64                  `json:"target_chat_id"`
	ScheduledAt  time.Time              `json:"scheduled_at"`
	Status       string                 `json:"status"`
	CurrentIndex int                    `json:"current_index"`
	Quizzes      []storage.SequenceQuiz `json:"quizzes"`
}

type deadLetterView struct {
	ID         int64     `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	Target     int64     `json:"target"`
	ContentRef string    `json:"content_ref"`
	IntendedAt time.Time `json:"intended_at"`
	FailedAt   time.Time `json:"failed_at"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
}

func (s *Service) listSchedules(w http.ResponseWriter, r *http.Request) {
	owner, ok := queryInt(w, r, "owner")
	if !ok {
		return
	}
	list, err := s.src.List(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]scheduleView, 0, len(list))
	for _, x := range list {
		out = append(out, scheduleView{
			ID: x.ID, ContentRef: x.ContentRef, Owner: x.Owner, TargetChatID: x.TargetChatID,
			ScheduledAt: x.ScheduledAt, Status: string(x.Status), TimerSeconds: x.TimerSeconds,
		})
	}
	writeJSON(w, out)
}

func (s *Service) listSequences(w http.ResponseWriter, r *http.Request) {
	owner, ok := queryInt(w, r, "owner")
	if !ok {
		return
	}
	list, err := s.src.ListSequences(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]sequenceView, 0, len(list))
	for _, x := range list {
		out = append(out, sequenceView{
			ID: x.ID, Owner: x.Owner, Name: x.Name, TargetChatID: x.TargetChatID, ScheduledAt: x.ScheduledAt,
			Status: string(x.Status), CurrentIndex: x.CurrentIndex, Quizzes: x.Quizzes,
		})
	}
	writeJSON(w, out)
}

func (s *Service) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := s.src.DeadLetters(r.Context(), int(limit))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]deadLetterView, 0, len(list))
	for _, d := range list {
		out = append(out, deadLetterView(d))
	}
	writeJSON(w, out)
}

type jobView struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	FireAt time.Time `json:"fire_at"`
}

type runtimeView struct {
	Armed     []jobView `json:"armed"`
	Firing    []string  `json:"firing"`
	Sequences []string  `json:"sequences"`
}

// runtime reports what is armed and executing in this process, as opposed
// to what the store says.
func (s *Service) runtime(w http.ResponseWriter, r *http.Request) {
	if s.timers == nil {
		http.Error(w, "runtime view unavailable", http.StatusServiceUnavailable)
		return
	}
	pending := s.timers.Pending()
	out := runtimeView{Armed: make([]jobView, 0, len(pending)), Firing: s.timers.Running(), Sequences: []string{}}
	for _, j := range pending {
		out.Armed = append(out.Armed, jobView{ID: j.ID, Kind: j.Kind, FireAt: j.FireAt})
	}
	if s.active != nil {
		out.Sequences = s.active()
	}
	writeJSON(w, out)
}

func (s *Service) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "session history unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	list, err := s.history.Recent(r.Context(), int(limit))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, list)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only and token-guarded.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes bus events to the client until it disconnects.
// ?prefix= narrows the feed, e.g. prefix=sequence.
func (s *Service) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.SubscribePrefix(64, r.URL.Query().Get("prefix"))
	defer unsubscribe()

	// Drain reads so close frames and pongs are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("ws write failed", logx.Err(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Browsers cannot set headers on websocket dials, so ?token= is accepted too.
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid "+key, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	s.log.Warn("status query failed", logx.Err(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
