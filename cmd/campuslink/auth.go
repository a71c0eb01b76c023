package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/campuslink/pkg/api"
)

func newLoginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readLine(cmd, "password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				tok, err := a.client.Login(ctx, email, password)
				if err != nil {
					return errors.Wrap(err, "login")
				}
				if err := a.creds.Set(ctx, tok.AccessToken); err != nil {
					return err
				}
				me, err := a.client.Me(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", selfStyle.Render(me.DisplayName()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand() *cobra.Command {
	var req api.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				p, err := readLine(cmd, "password: ")
				if err != nil {
					return err
				}
				req.Password = p
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				u, err := a.client.Register(ctx, req)
				if err != nil {
					return errors.Wrap(err, "register")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %d); run campuslink login\n", selfStyle.Render(u.DisplayName()), u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "Account password (read from stdin when empty)")
	cmd.Flags().StringVar(&req.FullName, "name", "", "Full name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.creds.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				return nil
			})
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, ok := a.creds.Get(); !ok {
					return errors.New("not signed in")
				}
				me, err := a.client.Me(ctx)
				if api.IsAuthError(err) {
					return errors.New("the stored token was rejected; run campuslink login")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> (id %d)\n", selfStyle.Render(me.DisplayName()), me.Email, me.ID)
				return nil
			})
		},
	}
}

func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "read input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
