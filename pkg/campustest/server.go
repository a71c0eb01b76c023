// Package campustest runs an in-process imitation of the campus backend for
// tests: the REST endpoints the client uses and the /ws/{token} push endpoint.
package campustest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const isoLayout = "2006-01-02T15:04:05.000000"

// CloseInvalidToken is the close code the backend uses for a bad token.
const CloseInvalidToken = 4003

type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsActive bool   `json:"is_active"`
	password string
}

type Message struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	Channel    string `json:"channel"`
	Timestamp  string `json:"timestamp"`
}

type Notification struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

type Verification struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	IDCardURL string  `json:"id_card_url"`
	Status    string  `json:"status"`
	AdminNote *string `json:"admin_note"`
	CreatedAt string  `json:"created_at"`
	FullName  string  `json:"full_name,omitempty"`
	card      []byte
}

type Server struct {
	*httptest.Server
	Router *mux.Router

	upgrader websocket.Upgrader

	mu            sync.Mutex
	nextID        int64
	users         map[string]*User
	tokens        map[string]int64
	messages      []Message
	notifications []Notification
	lists         map[string]any
	created       map[string][]map[string]any
	registrations []int64
	verifications []Verification
	conns         map[*websocket.Conn]int64
	dials         int
	historyFails  int
	lastAuth      []string
	received      []map[string]any
}

func NewServer() *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		nextID:   100,
		users:    map[string]*User{},
		tokens:   map[string]int64{},
		lists:    map[string]any{},
		created:  map[string][]map[string]any{},
		conns:    map[*websocket.Conn]int64{},
	}
	s.routes()
	s.Server = httptest.NewServer(s.Router)
	return s
}

func (s *Server) routes() {
	r := s.Router.PathPrefix("/api/v1").Subrouter()
	r.Use(s.recordAuth)
	r.HandleFunc("/login/access-token", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/users/", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/users/me", s.authed(s.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/chat/{channel}", s.authed(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/notifications/", s.authed(s.handleNotifications)).Methods(http.MethodGet)
	r.HandleFunc("/notifications/read-all", s.authed(s.handleReadAll)).Methods(http.MethodPost)
	r.HandleFunc("/notifications/send", s.authed(s.handleSendNotification)).Methods(http.MethodPost)
	for _, name := range []string{"events", "clubs", "communities", "travel", "marketplace", "colleges"} {
		r.HandleFunc("/"+name+"/", s.handleList(name)).Methods(http.MethodGet)
	}
	for _, name := range []string{"events", "travel"} {
		r.HandleFunc("/"+name+"/", s.authed(s.handleCreate(name))).Methods(http.MethodPost)
	}
	r.HandleFunc("/events/{id:[0-9]+}/register", s.authed(s.handleEventRegister)).Methods(http.MethodPost)
	r.HandleFunc("/verifications/", s.authed(s.handleVerifications)).Methods(http.MethodGet)
	r.HandleFunc("/verifications/request", s.authed(s.handleVerificationRequest)).Methods(http.MethodPost)
	r.HandleFunc("/verifications/{id:[0-9]+}/{action:approve|reject}", s.authed(s.handleVerificationDecision)).Methods(http.MethodPost)
	r.HandleFunc("/ws/{token}", s.handleWS)
}

// WSURL is the push base URL; the client appends /<token>.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/ws"
}

// AddUser registers a user and returns its id.
func (s *Server) AddUser(email, password, fullName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	u := &User{ID: s.nextID, Email: email, FullName: fullName, IsActive: true, password: password}
	s.users[email] = u
	return u.ID
}

// IssueToken returns a valid token for userID without a login round trip.
func (s *Server) IssueToken(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := fmt.Sprintf("tok-%d-%d", userID, len(s.tokens))
	s.tokens[tok] = userID
	return tok
}

// AddHistory stores a message without broadcasting it.
func (s *Server) AddHistory(channel string, senderID int64, content string, at time.Time) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(channel, senderID, content, at)
}

func (s *Server) storeLocked(channel string, senderID int64, content string, at time.Time) Message {
	s.nextID++
	m := Message{
		ID:        s.nextID,
		SenderID:  senderID,
		Content:   content,
		Channel:   channel,
		Timestamp: at.UTC().Format(isoLayout),
	}
	s.messages = append(s.messages, m)
	return m
}

// PostLive stores a message and broadcasts it the way the backend does.
func (s *Server) PostLive(channel string, senderID int64, content string, at time.Time) Message {
	s.mu.Lock()
	m := s.storeLocked(channel, senderID, content, at)
	s.mu.Unlock()
	s.Broadcast(liveFrame(m))
	return m
}

// AddNotification stores a notification and, when live, pushes it.
func (s *Server) AddNotification(title, message, typ string, live bool) Notification {
	s.mu.Lock()
	s.nextID++
	n := Notification{
		ID:        s.nextID,
		Title:     title,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now().UTC().Format(isoLayout),
	}
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	if live {
		s.Broadcast(notificationFrame(n))
	}
	return n
}

// SetList sets the JSON returned by a plain list endpoint such as "events".
func (s *Server) SetList(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[name] = v
}

// Created lists the bodies posted to a create endpoint such as "events", with
// the id and organizer_id the server assigned.
func (s *Server) Created(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.created[name]...)
}

// Registrations lists the event ids users registered for.
func (s *Server) Registrations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.registrations...)
}

// Verifications returns every verification request in submission order.
func (s *Server) Verifications() []Verification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Verification(nil), s.verifications...)
}

// VerificationCard returns the uploaded file of request id.
func (s *Server) VerificationCard(id int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.verifications {
		if v.ID == id {
			return v.card
		}
	}
	return nil
}

// FailHistory makes the next n history requests answer 503.
func (s *Server) FailHistory(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyFails = n
}

// Broadcast writes frame to every open socket.
func (s *Server) Broadcast(frame any) {
	data, _ := json.Marshal(frame)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

// BroadcastRaw writes a raw text frame to every open socket.
func (s *Server) BroadcastRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(data))
	}
}

// DropConnections closes every socket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.UnderlyingConn().Close()
		delete(s.conns, c)
	}
}

// RevokeToken invalidates token and closes its sockets with 4003.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.tokens[token]
	delete(s.tokens, token)
	for c, owner := range s.conns {
		if owner != uid {
			continue
		}
		msg := websocket.FormatCloseMessage(CloseInvalidToken, "invalid token")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
		delete(s.conns, c)
	}
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Authorizations lists the Authorization header of every REST request.
func (s *Server) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastAuth...)
}

// Received lists the frames clients sent over the push channel.
func (s *Server) Received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.received...)
}

func (s *Server) Messages(channel string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) NotificationsRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if !n.IsRead {
			return false
		}
	}
	return true
}

func (s *Server) recordAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/ws/") {
			s.mu.Lock()
			s.lastAuth = append(s.lastAuth, r.Header.Get("Authorization"))
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(h func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		uid, ok := s.tokens[tok]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		h(w, r, uid)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	u, ok := s.users[r.PostForm.Get("username")]
	s.mu.Unlock()
	if !ok || u.password != r.PostForm.Get("password") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Incorrect email or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.IssueToken(u.ID),
		"token_type":   "bearer",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" || in.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "email and password are required"})
		return
	}
	s.mu.Lock()
	_, exists := s.users[in.Email]
	s.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "The user with this email already exists in the system."})
		return
	}
	id := s.AddUser(in.Email, in.Password, in.FullName)
	writeJSON(w, http.StatusOK, User{ID: id, Email: in.Email, FullName: in.FullName, IsActive: true})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == uid {
			writeJSON(w, http.StatusOK, u)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ int64) {
	channel := mux.Vars(r)["channel"]
	skip, limit := paging(r, 50)

	s.mu.Lock()
	if s.historyFails > 0 {
		s.historyFails--
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "try later"})
		return
	}
	var newestFirst []Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Channel == channel {
			m := s.messages[i]
			for _, u := range s.users {
				if u.ID == m.SenderID {
					m.SenderName = u.FullName
				}
			}
			newestFirst = append(newestFirst, m)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, window(newestFirst, skip, limit))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, _ int64) {
	skip, limit := paging(r, 100)
	s.mu.Lock()
	var newestFirst []Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, s.notifications[i])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, window(newestFirst, skip, limit))
}

func (s *Server) handleReadAll(w http.ResponseWriter, _ *http.Request, _ int64) {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].IsRead = true
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "All notifications marked as read"})
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request, _ int64) {
	var in struct {
		Title   string `json:"title"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	if in.Type == "" {
		in.Type = "info"
	}
	n := s.AddNotification(in.Title, in.Message, in.Type, true)
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleList(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		v, ok := s.lists[name]
		if !ok {
			if created := s.created[name]; len(created) > 0 {
				v, ok = append([]map[string]any(nil), created...), true
			}
		}
		s.mu.Unlock()
		if !ok {
			v = []any{}
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handleCreate(name string) func(http.ResponseWriter, *http.Request, int64) {
	return func(w http.ResponseWriter, r *http.Request, uid int64) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
			return
		}
		s.mu.Lock()
		s.nextID++
		in["id"] = s.nextID
		in["organizer_id"] = uid
		s.created[name] = append(s.created[name], in)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, in)
	}
}

func (s *Server) handleEventRegister(w http.ResponseWriter, r *http.Request, _ int64) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.mu.Lock()
	s.registrations = append(s.registrations, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully registered for event"})
}

func (s *Server) handleVerifications(w http.ResponseWriter, r *http.Request, _ int64) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	s.mu.Lock()
	out := []Verification{}
	for _, v := range s.verifications {
		if v.Status == status {
			out = append(out, v)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVerificationRequest(w http.ResponseWriter, r *http.Request, uid int64) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	defer func() { _ = file.Close() }()
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), ".")) {
	case "jpg", "jpeg", "png", "pdf":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid file type. Only JPG/PNG/PDF allowed."})
		return
	}
	card, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fullName := ""
	for _, u := range s.users {
		if u.ID == uid {
			fullName = u.FullName
		}
	}
	for _, v := range s.verifications {
		if v.UserID == uid && v.Status == "pending" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "A pending verification request already exists."})
			return
		}
	}
	s.nextID++
	s.verifications = append(s.verifications, Verification{
		ID:        s.nextID,
		UserID:    uid,
		IDCardURL: fmt.Sprintf("static/verifications/id_%d_%s", uid, header.Filename),
		Status:    "pending",
		CreatedAt: time.Now().UTC().Format(isoLayout),
		FullName:  fullName,
		card:      card,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Verification request submitted successfully"})
}

func (s *Server) handleVerificationDecision(w http.ResponseWriter, r *http.Request, _ int64) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.verifications {
		v := &s.verifications[i]
		if v.ID != id {
			continue
		}
		if vars["action"] == "approve" {
			v.Status = "approved"
			writeJSON(w, http.StatusOK, map[string]string{"message": "Approved"})
			return
		}
		v.Status = "rejected"
		if note := r.URL.Query().Get("note"); note != "" {
			v.AdminNote = &note
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Rejected"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Verification request not found"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	s.mu.Lock()
	s.dials++
	uid, ok := s.tokens[token]
	s.mu.Unlock()

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !ok {
		msg := websocket.FormatCloseMessage(CloseInvalidToken, "invalid token")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
		return
	}

	s.mu.Lock()
	s.conns[c] = uid
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var in map[string]any
		if json.Unmarshal(data, &in) != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, in)
		s.mu.Unlock()

		content, _ := in["content"].(string)
		if content == "" {
			continue
		}
		channel, _ := in["channel"].(string)
		if channel == "" {
			channel = "general"
		}
		s.PostLive(channel, uid, content, time.Now())
	}
}

func liveFrame(m Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"sender_id": m.SenderID,
		"content":   m.Content,
		"channel":   m.Channel,
		"timestamp": m.Timestamp,
	}
}

func notificationFrame(n Notification) map[string]any {
	return map[string]any{
		"type":       "notification",
		"id":         n.ID,
		"title":      n.Title,
		"message":    n.Message,
		"notif_type": n.Type,
	}
}

func paging(r *http.Request, defLimit int) (int, int) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defLimit
	}
	return max(skip, 0), limit
}

func window[T any](xs []T, skip, limit int) []T {
	out := []T{}
	if skip >= len(xs) {
		return out
	}
	end := min(skip+limit, len(xs))
	return append(out, xs[skip:end]...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
