package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/blobshift/status"
	"github.com/franksops/blobshift/store"
)

func newListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Record the source listing in the store",
		Long: `Pages through the source container from the stored marker and reconciles
every object into the record store. A finished listing clears the marker so
the next run starts over and picks up changed objects.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.setup(ctx, false)
			if err != nil {
				return err
			}
			defer m.close()

			summary, err := a.newLister(m).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listed %d objects in %d pages (%d retries) in %s\n",
				summary.Objects, summary.Pages, summary.Retries, summary.Duration.Round(time.Millisecond))
			return nil
		},
	}
	a.addListerFlags(cmd)
	return cmd
}

func newWorkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Transfer every eligible record",
		Long: `Starts the worker pool and transfers records until none is eligible.
Records deferred by a transient failure are retried on the next run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			m, err := a.setup(ctx, true)
			if err != nil {
				return err
			}
			defer m.close()

			pool := a.newPool(ctx, m, nil)
			finish := a.attachDashboard(ctx, cancel, m, pool, nil)
			pool.SetWorkerCount(a.cfg.Worker.Count)

			err = pool.Wait()
			finish()
			if err != nil && !quitByUser(cmd, err) {
				return err
			}
			return printStats(cmd.Context(), cmd.OutOrStdout(), m.store)
		},
	}
	a.addWorkerFlags(cmd)
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "List and transfer concurrently",
		Long: `Runs the lister and the worker pool side by side. Workers keep sweeping
while the listing is in progress and drain what is left once it ends. The
status server runs alongside unless --status-addr is empty.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			m, err := a.setup(ctx, true)
			if err != nil {
				return err
			}
			defer m.close()

			if err := a.run(ctx, cancel, m); err != nil && !quitByUser(cmd, err) {
				return err
			}
			return printStats(cmd.Context(), cmd.OutOrStdout(), m.store)
		},
	}
	a.addWorkerFlags(cmd)
	a.addListerFlags(cmd)
	a.addStatusFlags(cmd)
	return cmd
}

func (a *app) run(ctx context.Context, cancel context.CancelFunc, m *migration) error {
	g, gctx := errgroup.WithContext(ctx)

	// Set before any worker starts so the first sweep already follows.
	var listing atomic.Bool
	listing.Store(true)

	lister := a.newLister(m)
	g.Go(func() error {
		defer listing.Store(false)
		summary, err := lister.Run(gctx)
		if err != nil {
			return fmt.Errorf("listing failed: %w", err)
		}
		a.logger.Info("listing finished",
			zap.Int("objects", summary.Objects),
			zap.Int("pages", summary.Pages),
			zap.Duration("duration", summary.Duration))
		return nil
	})

	pool := a.newPool(gctx, m, listing.Load)
	finish := a.attachDashboard(gctx, cancel, m, pool, listing.Load)

	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if addr := a.cfg.Status.Addr; addr != "" {
		srv := status.NewServer(m.store, status.Liveness{
			Workers: pool.ActiveWorkers,
			Lister:  listing.Load,
		}, prometheus.DefaultGatherer, a.logger)
		g.Go(func() error { return srv.ListenAndServe(serveCtx, addr) })
	}

	pool.SetWorkerCount(a.cfg.Worker.Count)
	g.Go(func() error {
		defer stopServe()
		return pool.Wait()
	})

	err := g.Wait()
	finish()
	return err
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()
			return printStats(ctx, cmd.OutOrStdout(), st)
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve store statistics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.Status.Addr == "" {
				return errors.New("status.addr is empty")
			}
			st, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := status.NewServer(st, status.Liveness{}, prometheus.DefaultGatherer, a.logger)
			return srv.ListenAndServe(ctx, a.cfg.Status.Addr)
		},
	}
	a.addStatusFlags(cmd)
	return cmd
}

// printStats renders the store counts as a table.
func printStats(ctx context.Context, w io.Writer, st store.Store) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	table := tablewriter.NewTable(w)
	table.Header([]string{"Records", "Count"})
	rows := [][]string{
		{"total", strconv.FormatInt(stats.Total, 10)},
		{"transferred", strconv.FormatInt(stats.Transferred, 10)},
		{"validated (checksum)", strconv.FormatInt(stats.ValidatedChecksum, 10)},
		{"validated (length)", strconv.FormatInt(stats.ValidatedLength, 10)},
		{"validation failed", strconv.FormatInt(stats.ValidationFailed, 10)},
		{"deleted", strconv.FormatInt(stats.Deleted, 10)},
		{"pending", strconv.FormatInt(stats.Pending, 10)},
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return fmt.Errorf("an error occurred while appending to the table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("an error occurred while rendering the table: %w", err)
	}

	if stats.Marker != "" {
		fmt.Fprintf(w, "listing in progress, next marker %q\n", stats.Marker)
	}
	return nil
}

// quitByUser reports whether err only says the dashboard stopped the run.
func quitByUser(cmd *cobra.Command, err error) bool {
	return errors.Is(err, context.Canceled) && cmd.Context().Err() == nil
}
