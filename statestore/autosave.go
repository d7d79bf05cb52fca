package statestore

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/hotmod"
)

// AutoSaver periodically persists the state of every module exposing a
// saveState hook. It runs on its own schedule, independent of any
// request path; a failure in one cycle is logged and does not cancel
// future cycles.
type AutoSaver struct {
	store  Store
	savers func() SaverMap
	logger hotmod.Logger
	cron   *cron.Cron
}

// NewAutoSaver creates an autosaver. The savers function is consulted
// on every cycle so newly loaded modules are picked up automatically;
// the orchestrator's StateSavers method is the usual source.
func NewAutoSaver(store Store, savers func() SaverMap, logger hotmod.Logger) *AutoSaver {
	if logger == nil {
		logger = hotmod.NewSlogLogger(nil)
	}
	return &AutoSaver{
		store:  store,
		savers: savers,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the periodic save at the given interval and begins
// running. Start is not idempotent; call it once.
func (a *AutoSaver) Start(interval time.Duration) {
	a.cron.Schedule(cron.Every(interval), cron.FuncJob(a.runCycle))
	a.cron.Start()
	a.logger.Info("Autosave started", "interval", interval)
}

// ScheduleRetention adds a history trim job on the same scheduler,
// deleting history entries older than maxAge once per interval.
func (a *AutoSaver) ScheduleRetention(interval, maxAge time.Duration) {
	a.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if _, err := a.store.TrimHistory(context.Background(), maxAge); err != nil {
			a.logger.Error("Retention trim failed", "error", err)
		}
	}))
}

// Stop cancels future cycles and waits for a running cycle to finish.
func (a *AutoSaver) Stop() {
	<-a.cron.Stop().Done()
	a.logger.Info("Autosave stopped")
}

func (a *AutoSaver) runCycle() {
	ctx := context.Background()
	for id, save := range a.savers() {
		state, err := save(ctx)
		if err != nil {
			a.logger.Error("Autosave: saveState failed", "module", id, "error", err)
			continue
		}
		if _, err := a.store.SaveState(ctx, id, state, SaveOptions{
			Metadata: map[string]string{"trigger": "autosave"},
		}); err != nil {
			a.logger.Error("Autosave: persist failed", "module", id, "error", err)
		}
	}
}
