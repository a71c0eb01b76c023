package api

import (
	"fmt"

	"github.com/go-go-golems/campuslink/pkg/notifications"
	"github.com/go-go-golems/campuslink/pkg/transcript"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

type User struct {
	ID              int64  `json:"id"`
	Email           string `json:"email"`
	FullName        string `json:"full_name,omitempty"`
	CollegeName     string `json:"college_name,omitempty"`
	ThemePreference string `json:"theme_preference,omitempty"`
	IsActive        bool   `json:"is_active"`
	IsSuperuser     bool   `json:"is_superuser"`
	EventsCount     int    `json:"events_count"`
	BuddiesCount    int    `json:"buddies_count"`
}

func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Email != "" {
		return u.Email
	}
	return fmt.Sprintf("User %d", u.ID)
}

// Message is a chat message, both as returned by the history endpoint and as
// broadcast over the realtime channel (which omits sender_name).
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Channel    string    `json:"channel"`
	Timestamp  Timestamp `json:"timestamp"`
}

func (m Message) Entry(origin transcript.Origin) transcript.Entry {
	return transcript.Entry{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderLabel: m.SenderName,
		Body:        m.Content,
		SentAt:      m.Timestamp.Time,
		Origin:      origin,
	}
}

// OutboundMessage is the frame sent over the realtime channel.
type OutboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Channel string `json:"channel"`
}

type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt Timestamp `json:"created_at"`
}

func (n Notification) Entry() notifications.Entry {
	return notifications.Entry{
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Message,
		Severity:  notifications.ParseSeverity(n.Type),
		CreatedAt: n.CreatedAt.Time,
		Read:      n.IsRead,
	}
}

// NotificationCreate is the admin payload for POST /notifications/send. A
// nil UserID broadcasts to everyone.
type NotificationCreate struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	UserID  *int64 `json:"user_id,omitempty"`
}

type Event struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartTime   Timestamp `json:"start_time"`
	EndTime     Timestamp `json:"end_time"`
	ImageURL    string    `json:"image_url,omitempty"`
	OrganizerID int64     `json:"organizer_id"`
	CreatedAt   Timestamp `json:"created_at"`
}

type EventCreate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type Club struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	LogoURL     string    `json:"logo_url,omitempty"`
	CreatedAt   Timestamp `json:"created_at"`
}

type Community struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
	ImageURL    string `json:"image_url,omitempty"`
}

type TravelPlan struct {
	ID             int64     `json:"id"`
	Destination    string    `json:"destination"`
	DateTime       Timestamp `json:"date_time"`
	Mode           string    `json:"mode,omitempty"`
	SeatsAvailable int       `json:"seats_available"`
	OrganizerID    int64     `json:"organizer_id"`
}

type TravelPlanCreate struct {
	Destination    string `json:"destination"`
	DateTime       string `json:"date_time"`
	Mode           string `json:"mode"`
	SeatsAvailable int    `json:"seats_available"`
}

type MarketplaceItem struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	OwnerName   string    `json:"owner_name,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"image_url,omitempty"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   Timestamp `json:"created_at"`
}

// Verification is a student ID check awaiting a college admin.
type Verification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	IDCardURL string    `json:"id_card_url"`
	Status    string    `json:"status"`
	AdminNote string    `json:"admin_note,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
}

const (
	VerificationPending  = "pending"
	VerificationApproved = "approved"
	VerificationRejected = "rejected"
)

type College struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	InviteCode string `json:"invite_code"`
	IsActive   bool   `json:"is_active"`
}
