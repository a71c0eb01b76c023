package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/campuslink/pkg/alerts"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/session"
)

func newNotificationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "List, acknowledge and follow notifications",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the newest notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				entries, err := a.client.FetchNotifications(ctx, 0, limit)
				if err != nil {
					return err
				}
				printNotifications(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "How many notifications to show")

	readAll := &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.client.MarkAllRead(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all notifications marked read")
				return nil
			})
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				bus, err := alerts.NewBus(a.settings.Redis)
				if err != nil {
					return err
				}
				defer func() {
					if err := bus.Close(); err != nil {
						log.Warn().Err(err).Msg("closing alert bus")
					}
				}()
				s, err := a.newSession(ctx, bus)
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				return watchNotifications(ctx, s, bus, cmd.OutOrStdout())
			})
		},
	}

	cmd.AddCommand(list, readAll, watch, newSendNotificationCommand())
	return cmd
}

func printNotifications(w io.Writer, entries []notifications.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, statusStyle.Render("no notifications"))
		return
	}
	unread := 0
	for _, e := range entries {
		if !e.Read {
			unread++
		}
		fmt.Fprintln(w, formatNotification(e))
	}
	fmt.Fprintln(w, statusStyle.Render(fmt.Sprintf("%d unread", unread)))
}

// watchNotifications prints the feed once and then every alert the session
// publishes on the bus until ctx ends.
func watchNotifications(ctx context.Context, s *session.Session, bus *alerts.Bus, out io.Writer) error {
	// Subscribe first so alerts published while the feed loads are not lost.
	incoming, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	feed, release, err := s.WatchNotifications(ctx)
	if err != nil {
		return err
	}
	defer release()

	w := &lockedWriter{w: out}
	snap := feed.Snapshot()
	if snap.Err != nil {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("could not load notifications: %v", snap.Err)))
	} else {
		printNotifications(w, snap.Entries)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case a, ok := <-incoming:
				if !ok {
					return nil
				}
				fmt.Fprintln(w, formatAlert(a))
			}
		}
	})
	states := s.ChannelStates(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-states:
				if !ok {
					return nil
				}
				if line := formatChannelState(ev); line != "" {
					fmt.Fprintln(w, line)
				}
			}
		}
	})
	return eg.Wait()
}
