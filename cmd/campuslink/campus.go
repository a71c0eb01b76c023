package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/campuslink/pkg/api"
)

// The backend stores naive timestamps.
const wireTimeLayout = "2006-01-02T15:04:05"

func requireLogin(a *app) error {
	if _, ok := a.creds.Get(); !ok {
		return errors.New("not signed in; run campuslink login")
	}
	return nil
}

// newListCommand builds a read-only listing over one paged endpoint.
func newListCommand[T any](
	use, short, empty string,
	fetch func(*api.Client, context.Context, int, int) ([]T, error),
	format func(T) string,
) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := fetch(a.client, ctx, 0, limit)
				if err != nil {
					return err
				}
				printList(cmd.OutOrStdout(), items, empty, format)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "How many entries to show")
	return cmd
}

func printList[T any](w io.Writer, items []T, empty string, format func(T) string) {
	if len(items) == 0 {
		fmt.Fprintln(w, statusStyle.Render(empty))
		return
	}
	for _, it := range items {
		fmt.Fprintln(w, format(it))
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid id %q", s)
	}
	return id, nil
}

// wireTime accepts the same forms the server emits and returns the naive UTC
// form it expects back.
func wireTime(flag, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	t, err := api.ParseTimestamp(value)
	if err != nil {
		return "", errors.Wrapf(err, "--%s", flag)
	}
	return t.UTC().Format(wireTimeLayout), nil
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Browse, create and join campus events",
	}
	list := newListCommand("list", "Show campus events", "no events", (*api.Client).Events, formatEvent)

	var in api.EventCreate
	create := &cobra.Command{
		Use:   "create",
		Short: "Publish a new event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := in
			var err error
			if req.StartTime, err = wireTime("start", in.StartTime); err != nil {
				return err
			}
			if req.EndTime, err = wireTime("end", in.EndTime); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				ev, err := a.client.CreateEvent(ctx, req)
				if err != nil {
					return errors.Wrap(err, "create event")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created event %d: %s\n", ev.ID, ev.Title)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.Title, "title", "", "Event title")
	create.Flags().StringVar(&in.Description, "description", "", "Longer description")
	create.Flags().StringVar(&in.Location, "location", "", "Where it happens")
	create.Flags().StringVar(&in.StartTime, "start", "", "Start time, e.g. 2026-11-01T10:00:00")
	create.Flags().StringVar(&in.EndTime, "end", "", "End time")
	create.Flags().StringVar(&in.ImageURL, "image-url", "", "Banner image")
	_ = create.MarkFlagRequired("title")

	register := &cobra.Command{
		Use:   "register <event-id>",
		Short: "Sign up for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				if err := a.client.RegisterForEvent(ctx, id); err != nil {
					return errors.Wrapf(err, "register for event %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered for event %d\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(list, create, register)
	return cmd
}

func newTravelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "travel",
		Short: "Find or offer shared rides",
	}
	list := newListCommand("list", "Show travel plans", "no travel plans", (*api.Client).TravelPlans, formatTravelPlan)

	var in api.TravelPlanCreate
	create := &cobra.Command{
		Use:   "create",
		Short: "Offer seats on a trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := in
			var err error
			if req.DateTime, err = wireTime("when", in.DateTime); err != nil {
				return err
			}
			if req.DateTime == "" {
				return errors.New("--when is required")
			}
			if req.SeatsAvailable < 1 {
				return errors.New("--seats must be at least 1")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				p, err := a.client.CreateTravelPlan(ctx, req)
				if err != nil {
					return errors.Wrap(err, "create travel plan")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created travel plan %d to %s\n", p.ID, p.Destination)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.Destination, "destination", "", "Where the trip goes")
	create.Flags().StringVar(&in.DateTime, "when", "", "Departure time, e.g. 2026-11-02T08:00:00")
	create.Flags().StringVar(&in.Mode, "mode", "car", "How you travel")
	create.Flags().IntVar(&in.SeatsAvailable, "seats", 1, "Seats offered")
	_ = create.MarkFlagRequired("destination")

	cmd.AddCommand(list, create)
	return cmd
}

func newDirectoryCommands() []*cobra.Command {
	return []*cobra.Command{
		newListCommand("marketplace", "Show marketplace listings", "no listings", (*api.Client).Marketplace, formatMarketplaceItem),
		newListCommand("communities", "Show communities", "no communities", (*api.Client).Communities, formatCommunity),
		newListCommand("clubs", "Show clubs", "no clubs", (*api.Client).Clubs, formatClub),
		newListCommand("colleges", "Show colleges", "no colleges", (*api.Client).Colleges, formatCollege),
	}
}

func newVerificationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "verifications",
		Aliases: []string{"verify"},
		Short:   "Submit or review student ID verification",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "Show verification requests (college admins)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				vs, err := a.client.Verifications(ctx, status)
				if err != nil {
					return err
				}
				printList(cmd.OutOrStdout(), vs, "no "+status+" requests", formatVerification)
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", api.VerificationPending, "pending, approved or rejected")

	request := &cobra.Command{
		Use:   "request <id-card-file>",
		Short: "Upload your ID card (jpg, png or pdf)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open id card")
			}
			defer func() { _ = f.Close() }()
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				if err := a.client.RequestVerification(ctx, args[0], f); err != nil {
					return errors.Wrap(err, "request verification")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "verification request submitted")
				return nil
			})
		},
	}

	approve := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decideVerification(cmd, args[0], func(ctx context.Context, c *api.Client, id int64) error {
				return c.ApproveVerification(ctx, id)
			}, "approved")
		},
	}

	var note string
	reject := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decideVerification(cmd, args[0], func(ctx context.Context, c *api.Client, id int64) error {
				return c.RejectVerification(ctx, id, note)
			}, "rejected")
		},
	}
	reject.Flags().StringVar(&note, "note", "", "Reason shown to the student")

	cmd.AddCommand(list, request, approve, reject)
	return cmd
}

func decideVerification(cmd *cobra.Command, arg string, decide func(context.Context, *api.Client, int64) error, verb string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		if err := requireLogin(a); err != nil {
			return err
		}
		err := decide(ctx, a.client, id)
		if api.IsNotFound(err) {
			return errors.Errorf("no verification request %d", id)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request %d %s\n", id, verb)
		return nil
	})
}

func newSendNotificationCommand() *cobra.Command {
	var in api.NotificationCreate
	var userID int64
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a notification to one user or everyone (admins)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := in
			if userID > 0 {
				req.UserID = &userID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := requireLogin(a); err != nil {
					return err
				}
				n, err := a.client.SendNotification(ctx, req)
				if err != nil {
					return errors.Wrap(err, "send notification")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent notification %d\n", n.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Notification title")
	cmd.Flags().StringVar(&in.Message, "message", "", "Notification body")
	cmd.Flags().StringVar(&in.Type, "type", "info", "info, success, warning or error")
	cmd.Flags().Int64Var(&userID, "user", 0, "Recipient user id; everyone when unset")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
