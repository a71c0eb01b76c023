package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/config"
	"github.com/go-go-golems/campuslink/pkg/credential"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/persistence/kvstore"
	"github.com/go-go-golems/campuslink/pkg/preferences"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/session"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

// app holds what every command needs: the state store, the credential and
// an authenticated client.
type app struct {
	settings config.Settings
	store    kvstore.Store
	creds    *credential.Store
	client   *api.Client
}

func openApp(ctx context.Context, s config.Settings) (*app, error) {
	store, err := kvstore.Open(s.Credentials)
	if err != nil {
		return nil, errors.Wrap(err, "open state store")
	}
	creds, err := credential.Open(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := api.NewClient(s.API.BaseURL, creds, api.WithTimeout(s.API.Timeout))
	return &app{settings: s, store: store, creds: creds, client: client}, nil
}

func (a *app) preferences() *preferences.Store {
	return preferences.NewStore(a.store)
}

func (a *app) newSession(ctx context.Context, alerts notifications.AlertSink) (*session.Session, error) {
	return session.New(ctx, session.Options{
		API:         a.client,
		Credentials: a.creds,
		Channel:     realtime.NewChannel(nil, a.settings.Realtime),
		PushURL:     a.settings.API.PushURL(),
		Sync: transcript.Options{
			PageSize:          a.settings.Sync.PageSize,
			MatchTolerance:    a.settings.Sync.MatchTolerance,
			ProvisionalWindow: a.settings.Sync.ProvisionalWindow,
		},
		Alerts: alerts,
	})
}

func (a *app) Close() error {
	a.creds.Close()
	return a.store.Close()
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("closing state store")
		}
	}()
	return fn(ctx, a)
}

// interruptible returns a context cancelled on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
