package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/campuslink/pkg/alerts"
	"github.com/go-go-golems/campuslink/pkg/api"
	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/realtime"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	statusStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("242"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	unreadStyle = lipgloss.NewStyle().Bold(true)

	severityStyles = map[notifications.Severity]lipgloss.Style{
		notifications.SeverityInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		notifications.SeveritySuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		notifications.SeverityWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		notifications.SeverityError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// transcriptPrinter writes each durable entry once, in the order views reveal
// them. Provisional entries are skipped; the user already saw what they typed
// and the echo prints it.
type transcriptPrinter struct {
	w       io.Writer
	selfLbl string
	seen    map[int64]struct{}
	state   transcript.State
}

func newTranscriptPrinter(w io.Writer, selfLabel string) *transcriptPrinter {
	return &transcriptPrinter{w: w, selfLbl: selfLabel, seen: map[int64]struct{}{}}
}

func (p *transcriptPrinter) Render(v transcript.View) {
	if v.State != p.state {
		p.state = v.State
		switch v.State {
		case transcript.StateLoading:
			p.status("loading #%s", v.Topic)
		case transcript.StateError:
			fmt.Fprintln(p.w, errorStyle.Render(fmt.Sprintf("could not load #%s: %v", v.Topic, v.Err)))
		}
	}
	for _, e := range v.Entries {
		if !e.Durable() {
			continue
		}
		if _, ok := p.seen[e.ID]; ok {
			continue
		}
		p.seen[e.ID] = struct{}{}
		fmt.Fprintln(p.w, p.formatEntry(e))
	}
}

func (p *transcriptPrinter) formatEntry(e transcript.Entry) string {
	label := senderStyle.Render(e.SenderLabel)
	if e.SenderLabel == p.selfLbl {
		label = selfStyle.Render(e.SenderLabel)
	}
	return fmt.Sprintf("%s %s: %s", timeStyle.Render(e.SentAt.Local().Format("15:04")), label, e.Body)
}

func (p *transcriptPrinter) status(format string, args ...any) {
	fmt.Fprintln(p.w, statusStyle.Render(fmt.Sprintf(format, args...)))
}

func formatChannelState(ev realtime.StateEvent) string {
	switch ev.State {
	case realtime.StateOpen:
		if ev.Reconnect {
			return statusStyle.Render("reconnected")
		}
		return statusStyle.Render("connected")
	case realtime.StateFailed:
		return statusStyle.Render(fmt.Sprintf("connection lost, retrying (attempt %d)", ev.Attempt))
	case realtime.StateClosed:
		if ev.Err != nil {
			return errorStyle.Render(fmt.Sprintf("disconnected: %v", ev.Err))
		}
	}
	return ""
}

func formatNotification(e notifications.Entry) string {
	style, ok := severityStyles[e.Severity]
	if !ok {
		style = severityStyles[notifications.SeverityInfo]
	}
	marker := " "
	title := e.Title
	if !e.Read {
		marker = "*"
		title = unreadStyle.Render(title)
	}
	return fmt.Sprintf("%s %s %s %s %s",
		marker,
		timeStyle.Render(formatWhen(e.CreatedAt)),
		style.Render(fmt.Sprintf("[%s]", e.Severity)),
		title,
		e.Body,
	)
}

func formatAlert(a alerts.Alert) string {
	style, ok := severityStyles[notifications.ParseSeverity(a.Severity)]
	if !ok {
		style = severityStyles[notifications.SeverityInfo]
	}
	return style.Render(fmt.Sprintf("!! %s", strings.TrimSpace(a.Title))) + " " + a.Body
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return t.Local().Format("Jan 02 15:04")
}

func formatSchedule(start, end time.Time) string {
	if end.IsZero() || end.Equal(start) {
		return formatWhen(start)
	}
	return formatWhen(start) + " - " + formatWhen(end)
}

func formatEvent(e api.Event) string {
	line := fmt.Sprintf("%s %s %s", timeStyle.Render(fmt.Sprintf("#%d", e.ID)), unreadStyle.Render(e.Title), formatSchedule(e.StartTime.Time, e.EndTime.Time))
	if e.Location != "" {
		line += " @ " + e.Location
	}
	return line
}

func formatTravelPlan(p api.TravelPlan) string {
	return fmt.Sprintf("%s %s %s by %s, %d seats",
		timeStyle.Render(fmt.Sprintf("#%d", p.ID)), unreadStyle.Render(p.Destination), formatWhen(p.DateTime.Time), p.Mode, p.SeatsAvailable)
}

func formatMarketplaceItem(it api.MarketplaceItem) string {
	line := fmt.Sprintf("%s %s %.2f", timeStyle.Render(fmt.Sprintf("#%d", it.ID)), unreadStyle.Render(it.Title), it.Price)
	if it.Category != "" {
		line += " [" + it.Category + "]"
	}
	if !it.IsAvailable {
		line += " " + statusStyle.Render("sold")
	}
	return line
}

func formatCommunity(c api.Community) string {
	return fmt.Sprintf("%s %s (%d members)", timeStyle.Render(fmt.Sprintf("#%d", c.ID)), unreadStyle.Render(c.Name), c.MemberCount)
}

func formatClub(c api.Club) string {
	line := fmt.Sprintf("%s %s", timeStyle.Render(fmt.Sprintf("#%d", c.ID)), unreadStyle.Render(c.Name))
	if c.Category != "" {
		line += " [" + c.Category + "]"
	}
	return line
}

func formatCollege(c api.College) string {
	return fmt.Sprintf("%s %s (%s) invite %s", timeStyle.Render(fmt.Sprintf("#%d", c.ID)), unreadStyle.Render(c.Name), c.Slug, c.InviteCode)
}

func formatVerification(v api.Verification) string {
	who := v.FullName
	if who == "" {
		who = fmt.Sprintf("User %d", v.UserID)
	}
	line := fmt.Sprintf("%s %s %s %s", timeStyle.Render(fmt.Sprintf("#%d", v.ID)), unreadStyle.Render(who), v.Status, formatWhen(v.CreatedAt.Time))
	if v.AdminNote != "" {
		line += ": " + v.AdminNote
	}
	return line
}
