package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/campuslink/pkg/fanout"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/session"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

var errQuit = errors.New("quit")

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [channel]",
		Short: "Join a chat channel; lines on stdin are sent, /older pages back, /quit leaves",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := fanout.DefaultTopic
			if len(args) == 1 {
				channel = args[0]
			}
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				s, err := a.newSession(ctx, nil)
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				return runChat(ctx, s, channel, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

// lockedWriter serializes lines written by the render and input goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runChat(ctx context.Context, s *session.Session, channel string, in io.Reader, out io.Writer) error {
	sy, release, err := s.Join(ctx, channel)
	if err != nil {
		return err
	}
	defer release()

	w := &lockedWriter{w: out}
	printer := newTranscriptPrinter(w, "Me")
	eg, ctx := errgroup.WithContext(ctx)
	views := sy.Subscribe(ctx)
	states := s.ChannelStates(ctx)

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-views:
				if !ok {
					return nil
				}
				printer.Render(v)
			case ev, ok := <-states:
				if !ok {
					return nil
				}
				if line := formatChannelState(ev); line != "" {
					fmt.Fprintln(w, line)
				}
				if ev.State == realtime.StateClosed && errors.Is(ev.Err, realtime.ErrUnauthorized) {
					return errors.Wrap(ev.Err, "push channel")
				}
			}
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleChatLine(ctx, s, sy, channel, strings.TrimSpace(line), w); err != nil {
					return err
				}
			}
		}
	})

	err = eg.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func handleChatLine(ctx context.Context, s *session.Session, sy *transcript.Synchronizer, channel, line string, w io.Writer) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/older":
		if err := sy.LoadOlder(); err != nil {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
		}
		return nil
	case "/retry":
		if err := sy.Retry(); err != nil {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
		}
		return nil
	}
	if _, err := s.SendChat(ctx, channel, line); err != nil {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("not sent: %v", err)))
	}
	return nil
}
