package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/billbatista/acasinha-funds/cospace"
	"github.com/billbatista/acasinha-funds/dashboard"
	"github.com/billbatista/acasinha-funds/eventlogger"
	"github.com/billbatista/acasinha-funds/identity"
	"github.com/billbatista/acasinha-funds/ledger"
	"github.com/billbatista/acasinha-funds/middleware"
	"github.com/billbatista/acasinha-funds/money"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type userStore interface {
	Register(ctx context.Context, name, email, password string) (*identity.User, error)
	Login(ctx context.Context, email, password string) (*identity.User, *identity.Session, error)
	CreateSession(ctx context.Context, userID uuid.UUID) (*identity.Session, error)
	Logout(ctx context.Context, token string) error
	SetActive(ctx context.Context, userID uuid.UUID, active bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*identity.User, error)
	UpdateName(ctx context.Context, userID uuid.UUID, name string) error
}

type coSpaceStore interface {
	Create(ctx context.Context, creatorID uuid.UUID, name string) (*cospace.CoSpace, error)
	Invite(ctx context.Context, coSpaceID, inviterID, inviteeID uuid.UUID) (*cospace.Member, error)
	Accept(ctx context.Context, coSpaceID, userID uuid.UUID) (*cospace.Member, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]cospace.CoSpace, error)
}

type server struct {
	engine    *ledger.Engine
	dashboard *dashboard.Service
	users     userStore
	spaces    coSpaceStore
	// audit is nil when events are not readable back (kafka or none).
	audit  eventlogger.EventLogger
	events ledger.EventRecorder
	health func(context.Context) error

	cookieName    string
	secureCookies bool
}

var validate = validator.New()

func (s *server) routes(auth middleware.Authenticator) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.AuthMiddleware(auth, s.cookieName))

	router.Get("/health", s.handleHealth)
	router.Post("/users/register", s.handleRegister)
	router.Post("/users/login", s.handleLogin)

	// Protected routes - require authentication
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Post("/users/logout", s.handleLogout)
		r.Get("/users/me", s.handleGetProfile)
		r.Patch("/users/me", s.handleUpdateProfile)
		r.Delete("/users/me", s.handleDeactivate)

		r.Get("/funds/me", s.handleGetPersonalFund)
		r.Post("/funds/me/initialize", s.handleInitializeFund)
		r.Put("/funds/me", s.handleUpdateFund)

		r.Post("/expenses", s.handleCreateExpense)
		r.Get("/expenses/{id}/approvals", s.handleListApprovals)
		r.Get("/expenses/{id}/events", s.handleExpenseEvents)
		r.Post("/expenses/{id}/approve", s.handleDecide(ledger.DecisionApproved))
		r.Post("/expenses/{id}/reject", s.handleDecide(ledger.DecisionRejected))
		r.Get("/approvals/pending", s.handlePendingApprovals)

		r.Post("/co-spaces", s.handleCreateCoSpace)
		r.Get("/co-spaces", s.handleListCoSpaces)
		r.Post("/co-spaces/{id}/invite", s.handleInvite)
		r.Post("/co-spaces/{id}/accept", s.handleAccept)
		r.Post("/co-spaces/{id}/funds", s.handleContribute)
		r.Get("/co-spaces/{id}/funds/me", s.handleGetMemberFund)

		r.Get("/dashboard", s.handlePersonalDashboard)
		r.Get("/co-spaces/{id}/dashboard", s.handleCoSpaceDashboard)
	})

	return router
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Name     string `json:"name" validate:"max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	User      *identity.User `json:"user"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	user, err := s.users.Register(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	// The user is committed at this point. A fund that fails to open here is
	// opened again on login or on first use.
	if _, err := s.engine.OpenPersonalFund(ctx, user.ID); err != nil {
		slog.Warn("opening personal fund at registration", "user_id", user.ID, "error", err)
	}
	sess, err := s.users.CreateSession(ctx, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.setSessionCookie(w, sess)
	s.events.Log(eventlogger.NewEvent(
		eventlogger.WithType("user.registered"),
		eventlogger.WithAggregate(user.ID),
		eventlogger.WithData(map[string]string{
			"user_id":    user.ID.String(),
			"email":      user.Email,
			"session_id": sess.ID.String(),
		}),
	))
	writeJSON(w, http.StatusCreated, sessionResponse{User: user, Token: sess.Token, ExpiresAt: sess.ExpiresAt})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	user, sess, err := s.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.engine.OpenPersonalFund(r.Context(), user.ID); err != nil {
		slog.Warn("opening personal fund at login", "user_id", user.ID, "error", err)
	}

	s.setSessionCookie(w, sess)
	s.events.Log(eventlogger.NewEvent(
		eventlogger.WithType("user.logged_in"),
		eventlogger.WithAggregate(user.ID),
		eventlogger.WithData(map[string]string{
			"user_id":    user.ID.String(),
			"session_id": sess.ID.String(),
		}),
	))
	writeJSON(w, http.StatusOK, sessionResponse{User: user, Token: sess.Token, ExpiresAt: sess.ExpiresAt})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := middleware.GetSessionToken(r.Context()); ok {
		if err := s.users.Logout(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type updateProfileRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	user, err := s.users.GetByID(r.Context(), userID)
	if err == nil && user == nil {
		err = ledger.ErrIdentityNotFound
	}
	respond(w, http.StatusOK, user, err)
}

func (s *server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	if err := s.users.UpdateName(r.Context(), userID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetProfile(w, r)
}

func (s *server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	if err := s.users.SetActive(r.Context(), userID, false); err != nil {
		writeError(w, err)
		return
	}
	s.events.Log(eventlogger.NewEvent(
		eventlogger.WithType("user.deactivated"),
		eventlogger.WithAggregate(userID),
	))
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type fundTotalRequest struct {
	Total money.Money `json:"total"`
}

type amountRequest struct {
	Amount money.Money `json:"amount"`
}

func (s *server) handleGetPersonalFund(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	fund, err := s.engine.PersonalFund(r.Context(), userID)
	respond(w, http.StatusOK, fund, err)
}

func (s *server) handleInitializeFund(w http.ResponseWriter, r *http.Request) {
	var req fundTotalRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	fund, err := s.engine.InitializePersonalFund(r.Context(), userID, req.Total)
	respond(w, http.StatusOK, fund, err)
}

func (s *server) handleUpdateFund(w http.ResponseWriter, r *http.Request) {
	var req fundTotalRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	fund, err := s.engine.UpdatePersonalFundTotal(r.Context(), userID, req.Total)
	respond(w, http.StatusOK, fund, err)
}

type createExpenseRequest struct {
	Amount        money.Money `json:"amount"`
	FundingSource string      `json:"funding_source" validate:"required,oneof=personal co_space"`
	CoSpaceID     *uuid.UUID  `json:"co_space_id" validate:"required_if=FundingSource co_space"`
	Note          string      `json:"note" validate:"max=500"`
	Beneficiary   string      `json:"beneficiary" validate:"omitempty,oneof=self other"`
	RelatedUserID *uuid.UUID  `json:"related_user_id"`
}

func (s *server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())

	expense, err := s.engine.CreateExpense(r.Context(), userID, ledger.CreateExpenseRequest{
		Amount:        req.Amount,
		Source:        ledger.FundingSource(req.FundingSource),
		CoSpaceID:     nullUUID(req.CoSpaceID),
		Note:          req.Note,
		Beneficiary:   ledger.Beneficiary(req.Beneficiary),
		RelatedUserID: nullUUID(req.RelatedUserID),
	})
	respond(w, http.StatusCreated, expense, err)
}

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	approvals, err := s.engine.ListApprovals(r.Context(), userID, expenseID)
	respond(w, http.StatusOK, approvals, err)
}

// handleExpenseEvents returns the stored audit trail of an expense to anyone
// allowed to see its approvals.
func (s *server) handleExpenseEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event history is not stored"})
		return
	}
	expenseID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	if _, err := s.engine.ListApprovals(r.Context(), userID, expenseID); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.audit.GetByAggregate(r.Context(), expenseID)
	respond(w, http.StatusOK, events, err)
}

func (s *server) handleDecide(decision ledger.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expenseID, ok := pathID(w, r)
		if !ok {
			return
		}
		userID, _ := middleware.GetUserID(r.Context())
		outcome, err := s.engine.DecideApproval(r.Context(), expenseID, userID, decision)
		respond(w, http.StatusOK, outcome, err)
	}
}

func (s *server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	pending, err := s.engine.GetPendingApprovals(r.Context(), userID)
	if pending == nil && err == nil {
		pending = []ledger.PendingApproval{}
	}
	respond(w, http.StatusOK, pending, err)
}

type createCoSpaceRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type inviteRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
}

func (s *server) handleCreateCoSpace(w http.ResponseWriter, r *http.Request) {
	var req createCoSpaceRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	space, err := s.spaces.Create(r.Context(), userID, req.Name)
	respond(w, http.StatusCreated, space, err)
}

func (s *server) handleListCoSpaces(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	spaces, err := s.spaces.ListForUser(r.Context(), userID)
	respond(w, http.StatusOK, spaces, err)
}

func (s *server) handleInvite(w http.ResponseWriter, r *http.Request) {
	coSpaceID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req inviteRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	member, err := s.spaces.Invite(r.Context(), coSpaceID, userID, req.UserID)
	respond(w, http.StatusCreated, member, err)
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	coSpaceID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	member, err := s.spaces.Accept(r.Context(), coSpaceID, userID)
	respond(w, http.StatusOK, member, err)
}

func (s *server) handleContribute(w http.ResponseWriter, r *http.Request) {
	coSpaceID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	fund, err := s.engine.ContributeToCoSpaceFund(r.Context(), coSpaceID, userID, req.Amount)
	respond(w, http.StatusOK, fund, err)
}

func (s *server) handleGetMemberFund(w http.ResponseWriter, r *http.Request) {
	coSpaceID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	fund, err := s.engine.GetFund(r.Context(), userID, ledger.MemberFundRef(coSpaceID, userID))
	respond(w, http.StatusOK, fund, err)
}

func (s *server) handlePersonalDashboard(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	view, err := s.dashboard.Personal(r.Context(), userID)
	respond(w, http.StatusOK, view, err)
}

func (s *server) handleCoSpaceDashboard(w http.ResponseWriter, r *http.Request) {
	coSpaceID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	view, err := s.dashboard.CoSpace(r.Context(), userID, coSpaceID)
	respond(w, http.StatusOK, view, err)
}

func (s *server) setSessionCookie(w http.ResponseWriter, sess *identity.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   s.cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into dst and validates it, writing a 400 and
// returning false when either step fails.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrEmailExists):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrBlankPassword):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	}

	switch ledger.KindOf(err) {
	case ledger.ErrNotFound:
		return http.StatusNotFound
	case ledger.ErrInvalidInput, ledger.ErrInvalidAmount:
		return http.StatusBadRequest
	case ledger.ErrInvalidState:
		return http.StatusConflict
	case ledger.ErrInsufficientFunds, ledger.ErrInsufficientPoolFunds, ledger.ErrArithmeticOverflow:
		return http.StatusUnprocessableEntity
	case ledger.ErrNotAMember, ledger.ErrIdentityInactive:
		return http.StatusForbidden
	case ledger.ErrStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
