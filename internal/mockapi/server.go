// Package mockapi is an in-memory Time Capsule API for tests and local development.
//
// It implements the endpoints the SDK calls, signs HS256 session tokens, pushes
// notifications over /ws, and can be told to fail requests or report itself
// unhealthy so offline behaviour can be exercised end to end.
package mockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
)

const tokenTTL = 7 * 24 * time.Hour

// ============================================================================
// Wire types
// ============================================================================

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	Plan      string    `json:"plan,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	hash []byte
}

type Media struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
}

type Capsule struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Media       []Media   `json:"media,omitempty"`
	ReleaseDate time.Time `json:"releaseDate"`
	IsPublic    bool      `json:"isPublic"`
	OwnerID     string    `json:"ownerId"`
	Rating      float64   `json:"rating"`
	RatingCount int       `json:"ratingCount"`
	Released    bool      `json:"released"`
	CreatedAt   time.Time `json:"createdAt"`

	ratings map[string]int
}

type Comment struct {
	ID        string    `json:"id"`
	CapsuleID string    `json:"capsuleId"`
	AuthorID  string    `json:"authorId"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Subscription struct {
	ID                   string    `json:"id"`
	Plan                 string    `json:"plan"`
	Status               string    `json:"status"`
	PayPalSubscriptionID string    `json:"paypalSubscriptionId,omitempty"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd,omitempty"`

	userID string
}

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CapsuleID string    `json:"capsuleId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordedRequest is one request the server saw, health probes excluded.
type RecordedRequest struct {
	Method         string
	Path           string
	Authorization  string
	AcceptLanguage string
	Body           []byte
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type fault struct {
	status    int
	remaining int
}

// ============================================================================
// Server
// ============================================================================

type Server struct {
	secret []byte
	log    logrus.FieldLogger
	router *mux.Router
	now    func() time.Time

	mu            sync.Mutex
	users         map[string]*User // by email
	capsules      map[string]*Capsule
	comments      map[string][]Comment
	subscriptions map[string]*Subscription
	healthy       bool
	faults        []fault
	requests      []RecordedRequest
	sockets       map[string]map[*websocket.Conn]struct{}
}

type Option func(*Server)

func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

func New(opts ...Option) *Server {
	s := &Server{
		secret:        []byte("mockapi-secret"),
		log:           logrus.StandardLogger(),
		now:           time.Now,
		users:         make(map[string]*User),
		capsules:      make(map[string]*Capsule),
		comments:      make(map[string][]Comment),
		subscriptions: make(map[string]*Subscription),
		healthy:       true,
		sockets:       make(map[string]map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods("HEAD", "GET")
	r.HandleFunc("/ws", s.handleSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.record, s.injectFaults)
	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/me", s.authed(s.handleMe)).Methods("GET")

	api.HandleFunc("/capsules", s.authed(s.handleListCapsules)).Methods("GET")
	api.HandleFunc("/capsules", s.authed(s.handleCreateCapsule)).Methods("POST")
	api.HandleFunc("/capsules/public", s.handlePublicCapsules).Methods("GET")
	api.HandleFunc("/capsules/{id}", s.authed(s.handleGetCapsule)).Methods("GET")
	api.HandleFunc("/capsules/{id}", s.authed(s.handleDeleteCapsule)).Methods("DELETE")
	api.HandleFunc("/capsules/{id}/rate", s.authed(s.handleRate)).Methods("POST")
	api.HandleFunc("/capsules/{id}/comments", s.authed(s.handleListComments)).Methods("GET")
	api.HandleFunc("/capsules/{id}/comments", s.authed(s.handleAddComment)).Methods("POST")

	api.HandleFunc("/subscriptions/current", s.authed(s.handleCurrentSubscription)).Methods("GET")
	api.HandleFunc("/subscriptions", s.authed(s.handleCreateSubscription)).Methods("POST")
	api.HandleFunc("/subscriptions/{id}/cancel", s.authed(s.handleCancelSubscription)).Methods("POST")

	api.HandleFunc("/admin/dashboard", s.admin(s.handleDashboard)).Methods("GET")
	api.HandleFunc("/admin/users", s.admin(s.handleAdminUsers)).Methods("GET")
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetHealthy controls what /api/health answers.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// FailNext makes the next n API requests answer with status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{status: status, remaining: n})
}

// Requests returns every recorded API request in arrival order.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// SeedUser creates an account directly and returns its id.
func (s *Server) SeedUser(name, email, password, role string) (string, error) {
	u, err := s.createUser(name, email, password, role)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// TokenFor signs a session token for an existing user.
func (s *Server) TokenFor(email string) (string, error) {
	s.mu.Lock()
	u, ok := s.users[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %s", email)
	}
	return s.sign(u)
}

// Notify pushes n to every socket the user has open and returns how many got it.
func (s *Server) Notify(ctx context.Context, userID string, n Notification) int {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	payload, _ := json.Marshal(n)
	msg, _ := json.Marshal(map[string]any{"type": "notification", "payload": json.RawMessage(payload)})

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets[userID]))
	for c := range s.sockets[userID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, msg); err == nil {
			sent++
		}
	}
	return sent
}

// SocketCount returns how many sockets the user has open.
func (s *Server) SocketCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets[userID])
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Authorization:  r.Header.Get("Authorization"),
			AcceptLanguage: r.Header.Get("Accept-Language"),
			Body:           body,
		})
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("mockapi request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		if len(s.faults) > 0 {
			status = s.faults[0].status
			s.faults[0].remaining--
			if s.faults[0].remaining <= 0 {
				s.faults = s.faults[1:]
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(h func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.userFromToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		h(w, r, u)
	}
}

func (s *Server) admin(h func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, u *User) {
		if u.Role != "admin" {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		h(w, r, u)
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	w.Header().Set("Cache-Control", "no-store")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}
	u, err := s.createUser(req.Name, req.Email, req.Password, "user")
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeAuth(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.mu.Lock()
	u, ok := s.users[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	s.writeAuth(w, http.StatusOK, u)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, u *User) {
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request, u *User) {
	s.mu.Lock()
	var out []Capsule
	for _, c := range s.capsules {
		if c.OwnerID == u.ID {
			out = append(out, s.view(c))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(r, sortCapsules(out)))
}

func (s *Server) handlePublicCapsules(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var out []Capsule
	for _, c := range s.capsules {
		if v := s.view(c); v.IsPublic && v.Released {
			out = append(out, v)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(r, sortCapsules(out)))
}

func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Title       string    `json:"title"`
		Content     string    `json:"content"`
		Media       []Media   `json:"media"`
		ReleaseDate time.Time `json:"releaseDate"`
		IsPublic    bool      `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}
	if req.ReleaseDate.IsZero() {
		writeError(w, http.StatusBadRequest, "Release date is required")
		return
	}
	c := &Capsule{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Content:     req.Content,
		Media:       req.Media,
		ReleaseDate: req.ReleaseDate,
		IsPublic:    req.IsPublic,
		OwnerID:     u.ID,
		CreatedAt:   s.now(),
		ratings:     make(map[string]int),
	}
	s.mu.Lock()
	s.capsules[c.ID] = c
	v := s.view(c)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request, u *User) {
	s.mu.Lock()
	c, ok := s.visible(mux.Vars(r)["id"], u)
	var v Capsule
	if ok {
		v = s.view(c)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteCapsule(w http.ResponseWriter, r *http.Request, u *User) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	c, ok := s.capsules[id]
	if ok && c.OwnerID == u.ID {
		delete(s.capsules, id)
		delete(s.comments, id)
	}
	s.mu.Unlock()
	if !ok || c.OwnerID != u.ID {
		writeError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rating < 1 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "Rating must be between 1 and 5")
		return
	}
	s.mu.Lock()
	c, ok := s.visible(mux.Vars(r)["id"], u)
	var v Capsule
	if ok {
		c.ratings[u.ID] = req.Rating
		v = s.view(c)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request, u *User) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	_, ok := s.visible(id, u)
	list := append([]Comment{}, s.comments[id]...)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "Comment text is required")
		return
	}
	id := mux.Vars(r)["id"]
	cm := Comment{
		ID:        uuid.NewString(),
		CapsuleID: id,
		AuthorID:  u.ID,
		Author:    u.Name,
		Text:      req.Text,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	c, ok := s.visible(id, u)
	if ok {
		s.comments[id] = append(s.comments[id], cm)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Capsule not found")
		return
	}
	if c.OwnerID != u.ID {
		go s.Notify(context.Background(), c.OwnerID, Notification{
			Type:      "comment",
			Message:   u.Name + " commented on \"" + c.Title + "\"",
			CapsuleID: c.ID,
		})
	}
	writeJSON(w, http.StatusCreated, cm)
}

func (s *Server) handleCurrentSubscription(w http.ResponseWriter, _ *http.Request, u *User) {
	s.mu.Lock()
	sub := s.activeSubscription(u.ID)
	s.mu.Unlock()
	if sub == nil {
		writeError(w, http.StatusNotFound, "No active subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Plan                 string `json:"plan"`
		PayPalSubscriptionID string `json:"paypalSubscriptionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Plan == "" || req.PayPalSubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "Plan and PayPal subscription id are required")
		return
	}
	sub := &Subscription{
		ID:                   uuid.NewString(),
		Plan:                 req.Plan,
		Status:               "active",
		PayPalSubscriptionID: req.PayPalSubscriptionID,
		CurrentPeriodEnd:     s.now().AddDate(0, 1, 0),
		userID:               u.ID,
	}
	s.mu.Lock()
	if prev := s.activeSubscription(u.ID); prev != nil {
		prev.Status = "replaced"
	}
	s.subscriptions[sub.ID] = sub
	u.Plan = sub.Plan
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request, u *User) {
	s.mu.Lock()
	sub, ok := s.subscriptions[mux.Vars(r)["id"]]
	if ok && sub.userID == u.ID {
		sub.Status = "cancelled"
		u.Plan = ""
	}
	var out Subscription
	if ok {
		out = *sub
	}
	s.mu.Unlock()
	if !ok || out.userID != u.ID {
		writeError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request, _ *User) {
	s.mu.Lock()
	stats := map[string]any{
		"totalUsers":    len(s.users),
		"totalCapsules": len(s.capsules),
	}
	public, active := 0, 0
	byMonth := map[string]int{}
	for _, c := range s.capsules {
		if c.IsPublic {
			public++
		}
		byMonth[c.CreatedAt.Format("2006-01")]++
	}
	for _, sub := range s.subscriptions {
		if sub.Status == "active" {
			active++
		}
	}
	s.mu.Unlock()

	months := make([]map[string]any, 0, len(byMonth))
	for m, n := range byMonth {
		months = append(months, map[string]any{"month": m, "count": n})
	}
	sort.Slice(months, func(i, j int) bool { return months[i]["month"].(string) < months[j]["month"].(string) })
	stats["publicCapsules"] = public
	stats["activeSubscriptions"] = active
	stats["capsulesByMonth"] = months
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ *User) {
	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, paginate(r, out))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	u, err := s.userFromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket accept failed")
		return
	}
	hello, _ := json.Marshal(map[string]any{"type": "authenticated", "payload": map[string]string{"userId": u.ID}})
	if err := conn.Write(r.Context(), websocket.MessageText, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "write failed")
		return
	}

	s.mu.Lock()
	if s.sockets[u.ID] == nil {
		s.sockets[u.ID] = make(map[*websocket.Conn]struct{})
	}
	s.sockets[u.ID][conn] = struct{}{}
	s.mu.Unlock()

	// the client never sends anything; CloseRead answers pings until it goes away
	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()

	s.mu.Lock()
	delete(s.sockets[u.ID], conn)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) createUser(name, email, password, role string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[key]; exists {
		return nil, errors.New("An account with this email already exists")
	}
	u := &User{ID: uuid.NewString(), Name: name, Email: email, Role: role, CreatedAt: s.now(), hash: hash}
	s.users[key] = u
	return u, nil
}

func (s *Server) sign(u *User) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Email: u.Email,
		Role:  u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *Server) userFromToken(token string) (*User, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(c.Email)]
	if !ok || u.ID != c.Subject {
		return nil, errors.New("unknown user")
	}
	return u, nil
}

func (s *Server) writeAuth(w http.ResponseWriter, status int, u *User) {
	token, err := s.sign(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, status, map[string]any{"token": token, "user": u})
}

// view returns a copy with derived fields filled in. Caller holds s.mu.
func (s *Server) view(c *Capsule) Capsule {
	v := *c
	v.Released = !s.now().Before(c.ReleaseDate)
	v.RatingCount = len(c.ratings)
	if v.RatingCount > 0 {
		sum := 0
		for _, r := range c.ratings {
			sum += r
		}
		v.Rating = float64(sum) / float64(v.RatingCount)
	}
	if !v.Released && v.IsPublic {
		v.Content = ""
		v.Media = nil
	}
	return v
}

// visible finds a capsule the user owns or one that is public and released. Caller holds s.mu.
func (s *Server) visible(id string, u *User) (*Capsule, bool) {
	c, ok := s.capsules[id]
	if !ok {
		return nil, false
	}
	if c.OwnerID == u.ID || (c.IsPublic && !s.now().Before(c.ReleaseDate)) {
		return c, true
	}
	return nil, false
}

func (s *Server) activeSubscription(userID string) *Subscription {
	for _, sub := range s.subscriptions {
		if sub.userID == userID && sub.Status == "active" {
			return sub
		}
	}
	return nil
}

func sortCapsules(list []Capsule) []Capsule {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

func paginate[T any](r *http.Request, list []T) []T {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if list == nil {
		list = []T{}
	}
	if limit <= 0 {
		return list
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(list) {
		return []T{}
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	return list[start:end]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
