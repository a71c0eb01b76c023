package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/campuslink/pkg/preferences"
)

func newThemeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "theme",
		Short: "Read or change the stored theme preference",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the theme preference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				theme, err := a.preferences().Theme(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), theme)
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:       "set system|light|dark",
		Short:     "Store the theme preference",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(preferences.ThemeSystem), string(preferences.ThemeLight), string(preferences.ThemeDark)},
		RunE: func(cmd *cobra.Command, args []string) error {
			theme, err := preferences.ParseTheme(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.preferences().SetTheme(ctx, theme)
			})
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}
