package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/franksops/blobshift/engine"
	"github.com/franksops/blobshift/store"
	"github.com/franksops/blobshift/ui"
)

const dashboardRefresh = 500 * time.Millisecond

// attachDashboard starts the TUI when --tui is set. Quitting the TUI
// cancels the run through cancel. The returned func shows the final state
// and waits for the TUI to exit; it is a no-op without --tui.
func (a *app) attachDashboard(ctx context.Context, cancel context.CancelFunc, m *migration, pool *engine.WorkerPool, listing func() bool) func() {
	if !a.tui {
		return func() {}
	}

	started := time.Now()
	snapshot := func() *ui.UIState {
		stats, err := m.store.Stats(context.WithoutCancel(ctx))
		if err != nil {
			a.logger.Warn("failed to read stats for dashboard", zap.Error(err))
		}
		lst := false
		if listing != nil {
			lst = listing()
		}
		return buildUIState(stats, m.tracker.Snapshot(), time.Since(started),
			pool.ActiveWorkers(), pool.WorkerCount(), lst)
	}

	model := ui.NewTUIModel(snapshot(), func(delta int) {
		pool.SetWorkerCount(max(pool.WorkerCount()+delta, 1))
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if _, err := program.Run(); err != nil {
			a.logger.Error("dashboard failed", zap.Error(err))
		}
		// q or ctrl+c in the dashboard stops the migration.
		cancel()
	}()

	stopTicker := make(chan struct{})
	go func() {
		ticker := time.NewTicker(dashboardRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-stopTicker:
				return
			case <-exited:
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{State: snapshot()})
			}
		}
	}()

	return func() {
		close(stopTicker)
		final := snapshot()
		final.Done = true
		program.Send(ui.TUIUpdateMsg{State: final})
		<-exited
	}
}

// buildUIState maps store counts and worker progress onto the dashboard.
func buildUIState(stats store.Stats, progress engine.Progress, elapsed time.Duration, active, target int, listing bool) *ui.UIState {
	st := &ui.UIState{
		TotalRecords:      stats.Total - stats.Deleted,
		Transferred:       stats.Transferred,
		ValidatedChecksum: stats.ValidatedChecksum,
		ValidatedLength:   stats.ValidatedLength,
		ValidationFailed:  stats.ValidationFailed,
		Deleted:           stats.Deleted,
		Pending:           stats.Pending,
		Deferred:          progress.Deferred,
		TransferredBytes:  progress.Bytes,
		ActiveWorkers:     active,
		MaxWorkers:        target,
		ListerRunning:     listing,
		Marker:            stats.Marker,
		IsRunning:         true,
	}

	if secs := elapsed.Seconds(); secs > 0 {
		st.RecordsPerSec = float64(progress.Transferred+progress.ValidationFailed) / secs
		st.BytesPerSec = float64(progress.Bytes) / secs
	}

	now := time.Now()
	for _, rec := range progress.Active {
		st.ActiveRecords = append(st.ActiveRecords, &ui.ActiveRecord{
			Worker:  rec.Worker,
			Name:    rec.Name,
			Elapsed: now.Sub(rec.Since),
		})
	}

	for _, ev := range progress.Recent {
		out := &ui.RecentOutcome{
			Name:    ev.Name,
			Outcome: string(ev.Outcome),
			Detail:  string(ev.Validation),
			Failed:  ev.Outcome == engine.OutcomeValidationFailed || ev.Outcome == engine.OutcomeDeferred,
		}
		if ev.Err != nil {
			out.Detail = ev.Err.Error()
		}
		st.Recent = append(st.Recent, out)
	}
	return st
}
