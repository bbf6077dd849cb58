package app

import (
	"context"
	"fmt"
	"time"

	"timerquiz/internal/config"
	"timerquiz/internal/planner"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/scheduler"
	logx "timerquiz/pkg/logx"
)

// Offline is a planner bound straight to the store, for CLI use. It never
// fires anything: jobs it writes are armed by a running bot on its next
// reconcile sweep, and jobs it removes are skipped when their timer fires.
type Offline struct {
	*planner.Planner
	Config *config.Config

	store storage.Store
}

func OpenOffline(ctx context.Context, cfgPath string, log logx.Logger) (*Offline, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("storage is required")
	}
	pc, err := mapPlanner(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	p := planner.New(ctx, pc, planner.Deps{Store: st, Timers: detachedTimers{}}, log)
	return &Offline{Planner: p, Config: cfg, store: st}, nil
}

// Target resolves the chat a CLI-planned job goes to.
func (o *Offline) Target(flag int64) int64 {
	if flag != 0 {
		return flag
	}
	return o.Config.Delivery.TargetChatID
}

// Location is the zone dates given on the command line are read in.
func (o *Offline) Location() *time.Location { return locationOf(o.Config) }

func (o *Offline) Close() error {
	return o.store.Close()
}

type detachedTimers struct{}

func (detachedTimers) Handle(string, scheduler.Handler)   {}
func (detachedTimers) Schedule(scheduler.Job) error       { return nil }
func (detachedTimers) Reschedule(string, time.Time) error { return nil }
func (detachedTimers) Cancel(string) bool                 { return false }

func (detachedTimers) Restore(context.Context, scheduler.Loader) (int, error) { return 0, nil }
