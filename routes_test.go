package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billbatista/acasinha-funds/cospace"
	"github.com/billbatista/acasinha-funds/dashboard"
	"github.com/billbatista/acasinha-funds/eventlogger"
	"github.com/billbatista/acasinha-funds/identity"
	"github.com/billbatista/acasinha-funds/ledger"
	"github.com/google/uuid"
)

// fakeUsers keeps users and sessions in memory. It serves as user store,
// authenticator and identity provider at once.
type fakeUsers struct {
	mu       sync.Mutex
	byEmail  map[string]*identity.User
	byID     map[uuid.UUID]*identity.User
	sessions map[string]uuid.UUID
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byEmail:  make(map[string]*identity.User),
		byID:     make(map[uuid.UUID]*identity.User),
		sessions: make(map[string]uuid.UUID),
	}
}

func (f *fakeUsers) Register(_ context.Context, name, email, _ string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[email]; ok {
		return nil, identity.ErrEmailExists
	}
	u := &identity.User{ID: uuid.New(), Name: name, Email: email, Active: true, CreatedAt: time.Now()}
	f.byEmail[email] = u
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) Login(ctx context.Context, email, _ string) (*identity.User, *identity.Session, error) {
	f.mu.Lock()
	u, ok := f.byEmail[email]
	f.mu.Unlock()
	if !ok {
		return nil, nil, identity.ErrInvalidCredentials
	}
	s, err := f.CreateSession(ctx, u.ID)
	return u, s, err
}

func (f *fakeUsers) CreateSession(_ context.Context, userID uuid.UUID) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &identity.Session{ID: uuid.New(), UserID: userID, Token: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
	f.sessions[s.Token] = userID
	return s, nil
}

func (f *fakeUsers) Logout(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

func (f *fakeUsers) SetActive(_ context.Context, userID uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[userID]
	if !ok {
		return ledger.ErrIdentityNotFound
	}
	u.Active = active
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) UpdateName(_ context.Context, userID uuid.UUID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[userID]
	if !ok {
		return ledger.ErrIdentityNotFound
	}
	u.Name = strings.TrimSpace(name)
	return nil
}

func (f *fakeUsers) Authenticate(_ context.Context, token string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[token]
	if !ok {
		return uuid.Nil, identity.ErrInvalidSession
	}
	return id, nil
}

func (f *fakeUsers) Identity(_ context.Context, userID uuid.UUID) (ledger.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[userID]
	if !ok {
		return ledger.Identity{}, ledger.ErrIdentityNotFound
	}
	return ledger.Identity{UserID: u.ID, Active: u.Active}, nil
}

type fakeSpaces struct {
	mu      sync.Mutex
	spaces  map[uuid.UUID]cospace.CoSpace
	members map[uuid.UUID]map[uuid.UUID]ledger.MembershipStatus
}

func newFakeSpaces() *fakeSpaces {
	return &fakeSpaces{
		spaces:  make(map[uuid.UUID]cospace.CoSpace),
		members: make(map[uuid.UUID]map[uuid.UUID]ledger.MembershipStatus),
	}
}

func (f *fakeSpaces) Create(_ context.Context, creatorID uuid.UUID, name string) (*cospace.CoSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := cospace.CoSpace{ID: uuid.New(), Name: name, CreatedBy: creatorID, CreatedAt: time.Now()}
	f.spaces[s.ID] = s
	f.members[s.ID] = map[uuid.UUID]ledger.MembershipStatus{creatorID: ledger.MembershipAccepted}
	return &s, nil
}

func (f *fakeSpaces) Invite(_ context.Context, coSpaceID, inviterID, inviteeID uuid.UUID) (*cospace.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[coSpaceID]
	if !ok {
		return nil, cospace.ErrCoSpaceNotFound
	}
	if m[inviterID] != ledger.MembershipAccepted {
		return nil, ledger.ErrNotCoSpaceMember
	}
	if _, ok := m[inviteeID]; ok {
		return nil, cospace.ErrAlreadyMember
	}
	m[inviteeID] = ledger.MembershipPending
	return &cospace.Member{CoSpaceID: coSpaceID, UserID: inviteeID, Status: ledger.MembershipPending}, nil
}

func (f *fakeSpaces) Accept(_ context.Context, coSpaceID, userID uuid.UUID) (*cospace.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[coSpaceID][userID] != ledger.MembershipPending {
		return nil, cospace.ErrInvitationNotFound
	}
	f.members[coSpaceID][userID] = ledger.MembershipAccepted
	return &cospace.Member{CoSpaceID: coSpaceID, UserID: userID, Status: ledger.MembershipAccepted}, nil
}

func (f *fakeSpaces) ListForUser(_ context.Context, userID uuid.UUID) ([]cospace.CoSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []cospace.CoSpace{}
	for id, m := range f.members {
		if m[userID] == ledger.MembershipAccepted {
			out = append(out, f.spaces[id])
		}
	}
	return out, nil
}

func (f *fakeSpaces) MembershipStatus(_ context.Context, coSpaceID, userID uuid.UUID) (ledger.MembershipStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.members[coSpaceID][userID]; ok {
		return s, nil
	}
	return ledger.MembershipNone, nil
}

func (f *fakeSpaces) AcceptedMembers(_ context.Context, coSpaceID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, s := range f.members[coSpaceID] {
		if s == ledger.MembershipAccepted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []eventlogger.Event
}

func (m *memorySink) Log(e eventlogger.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memorySink) Save(_ context.Context, e eventlogger.Event) error {
	m.Log(e)
	return nil
}

func (m *memorySink) GetByType(_ context.Context, eventType string) ([]eventlogger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventlogger.Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memorySink) GetByAggregate(_ context.Context, id uuid.UUID) ([]eventlogger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []eventlogger.Event
	for _, e := range m.events {
		if e.AggregateID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	events *memorySink
	store  ledger.Store
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithStore(t, ledger.NewMemoryStore())
}

func newTestServerWithStore(t *testing.T, store ledger.Store) *testServer {
	t.Helper()
	users, spaces, events := newFakeUsers(), newFakeSpaces(), &memorySink{}
	s := &server{
		engine: ledger.NewEngine(store, users, spaces,
			ledger.WithEvents(events),
			ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		),
		dashboard:  dashboard.NewService(store, spaces, 5),
		users:      users,
		spaces:     spaces,
		audit:      events,
		events:     events,
		health:     func(context.Context) error { return nil },
		cookieName: "session_token",
	}
	srv := httptest.NewServer(s.routes(users))
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, events: events, store: store}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (ts *testServer) do(method, path, token string, body, out any) int {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		ts.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatal(err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			ts.t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (ts *testServer) register(email string) (uuid.UUID, string) {
	ts.t.Helper()
	var resp struct {
		User  identity.User `json:"user"`
		Token string        `json:"token"`
	}
	status := ts.do(http.MethodPost, "/users/register", "", map[string]string{"email": email, "password": "correct horse"}, &resp)
	if status != http.StatusCreated {
		ts.t.Fatalf("register %s: status %d", email, status)
	}
	return resp.User.ID, resp.Token
}

func TestPooledExpenseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, anaTok := ts.register("ana@example.com")
	bia, biaTok := ts.register("bia@example.com")

	var space cospace.CoSpace
	if status := ts.do(http.MethodPost, "/co-spaces", anaTok, map[string]string{"name": "flat"}, &space); status != http.StatusCreated {
		t.Fatalf("create co-space: %d", status)
	}
	spacePath := "/co-spaces/" + space.ID.String()
	if status := ts.do(http.MethodPost, spacePath+"/invite", anaTok, map[string]string{"user_id": bia.String()}, nil); status != http.StatusCreated {
		t.Fatalf("invite: %d", status)
	}
	if status := ts.do(http.MethodPost, spacePath+"/accept", biaTok, nil, nil); status != http.StatusOK {
		t.Fatalf("accept: %d", status)
	}
	for _, tok := range []string{anaTok, biaTok} {
		if status := ts.do(http.MethodPost, spacePath+"/funds", tok, map[string]string{"amount": "50.00"}, nil); status != http.StatusOK {
			t.Fatalf("contribute: %d", status)
		}
	}

	var expense ledger.Expense
	status := ts.do(http.MethodPost, "/expenses", anaTok, map[string]any{
		"amount":         "30.01",
		"funding_source": "co_space",
		"co_space_id":    space.ID,
		"note":           "internet",
	}, &expense)
	if status != http.StatusCreated || expense.Status != ledger.ExpensePending {
		t.Fatalf("create expense: %d %+v", status, expense)
	}

	var pending []ledger.PendingApproval
	ts.do(http.MethodGet, "/approvals/pending", biaTok, nil, &pending)
	if len(pending) != 1 || pending[0].Expense.ID != expense.ID {
		t.Fatalf("pending approvals = %+v", pending)
	}

	expensePath := "/expenses/" + expense.ID.String()
	if status := ts.do(http.MethodPost, expensePath+"/approve", anaTok, nil, nil); status != http.StatusNotFound {
		t.Errorf("payer approving own expense: %d, want 404", status)
	}
	var outcome ledger.ApprovalOutcome
	if status := ts.do(http.MethodPost, expensePath+"/approve", biaTok, nil, &outcome); status != http.StatusOK || !outcome.Settled {
		t.Fatalf("approve: %d %+v", status, outcome)
	}
	if status := ts.do(http.MethodPost, expensePath+"/approve", biaTok, nil, nil); status != http.StatusConflict {
		t.Errorf("second approve: %d, want 409", status)
	}

	total := 0
	for _, d := range outcome.Deductions {
		total += int(d.Amount.Cents())
	}
	if total != 3001 {
		t.Errorf("deductions sum to %d cents", total)
	}

	var view dashboard.CoSpaceView
	ts.do(http.MethodGet, spacePath+"/dashboard", anaTok, nil, &view)
	if view.TotalRemaining.String() != "69.99" || view.PendingExpenses != 0 {
		t.Errorf("co-space dashboard = %+v", view)
	}

	var fund ledger.Fund
	ts.do(http.MethodGet, spacePath+"/funds/me", biaTok, nil, &fund)
	if fund.OwnerID != bia {
		t.Errorf("member fund owner = %s, want %s", fund.OwnerID, bia)
	}
	if fund.Remaining.String() != "35.00" && fund.Remaining.String() != "34.99" {
		t.Errorf("bia remaining = %s", fund.Remaining)
	}

	var trail []eventlogger.Event
	ts.do(http.MethodGet, expensePath+"/events", biaTok, nil, &trail)
	types := map[string]bool{}
	for _, e := range trail {
		types[e.Type] = true
	}
	for _, want := range []string{ledger.EventExpenseCreated, ledger.EventApprovalDecided, ledger.EventExpenseSettled} {
		if !types[want] {
			t.Errorf("audit trail missing %s: %v", want, types)
		}
	}
}

func TestPersonalFundOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, tok := ts.register("carla@example.com")

	if status := ts.do(http.MethodPost, "/funds/me/initialize", tok, map[string]string{"total": "100.00"}, nil); status != http.StatusOK {
		t.Fatalf("initialize: %d", status)
	}
	if status := ts.do(http.MethodPost, "/funds/me/initialize", tok, map[string]string{"total": "100.00"}, nil); status != http.StatusConflict {
		t.Errorf("second initialize: %d, want 409", status)
	}

	var errResp errorResponse
	status := ts.do(http.MethodPost, "/expenses", tok, map[string]string{"amount": "100.01", "funding_source": "personal"}, &errResp)
	if status != http.StatusUnprocessableEntity || errResp.Error != "ledger: insufficient personal funds" {
		t.Errorf("overspend: %d %q", status, errResp.Error)
	}
	if status := ts.do(http.MethodPost, "/expenses", tok, map[string]string{"amount": "100.00", "funding_source": "personal"}, nil); status != http.StatusCreated {
		t.Errorf("exact spend: %d", status)
	}

	var view dashboard.PersonalView
	ts.do(http.MethodGet, "/dashboard", tok, nil, &view)
	if view.Remaining.String() != "0.00" || len(view.RecentExpenses) != 1 {
		t.Errorf("dashboard = %+v", view)
	}

	var fund ledger.Fund
	if status := ts.do(http.MethodPut, "/funds/me", tok, map[string]string{"total": "150.00"}, &fund); status != http.StatusOK || fund.Remaining.String() != "50.00" {
		t.Errorf("update total: %d %+v", status, fund)
	}
}

// flakyStore fails its first transactions before running them.
type flakyStore struct {
	*ledger.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("pq: connection refused")
	}
	return s.MemoryStore.WithinTx(ctx, fn)
}

func TestRegisterSurvivesFundOpenFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	store.failures.Store(1)
	ts := newTestServerWithStore(t, store)

	id, tok := ts.register("gil@example.com")
	if _, err := store.GetFund(context.Background(), ledger.PersonalFundRef(id)); !errors.Is(err, ledger.ErrFundNotFound) {
		t.Fatalf("fund after failed open: %v", err)
	}

	var fund ledger.Fund
	if status := ts.do(http.MethodGet, "/funds/me", tok, nil, &fund); status != http.StatusOK || fund.OwnerID != id {
		t.Fatalf("GET /funds/me: %d %+v", status, fund)
	}
	if status := ts.do(http.MethodPost, "/funds/me/initialize", tok, map[string]string{"total": "60.00"}, &fund); status != http.StatusOK || fund.Remaining.String() != "60.00" {
		t.Errorf("initialize: %d %+v", status, fund)
	}
}

func TestLoginOpensMissingFund(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	store.failures.Store(1)
	ts := newTestServerWithStore(t, store)

	id, _ := ts.register("hana@example.com")
	if status := ts.do(http.MethodPost, "/users/register", "", map[string]string{"email": "hana@example.com", "password": "correct horse"}, nil); status != http.StatusConflict {
		t.Errorf("registering again: %d, want 409", status)
	}
	if status := ts.do(http.MethodPost, "/users/login", "", map[string]string{"email": "hana@example.com", "password": "correct horse"}, nil); status != http.StatusOK {
		t.Fatalf("login: %d", status)
	}
	if _, err := store.GetFund(context.Background(), ledger.PersonalFundRef(id)); err != nil {
		t.Errorf("fund after login: %v", err)
	}
}

func TestProfileOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id, tok := ts.register("ines@example.com")

	var user identity.User
	if status := ts.do(http.MethodGet, "/users/me", tok, nil, &user); status != http.StatusOK || user.ID != id || user.Email != "ines@example.com" {
		t.Fatalf("GET /users/me: %d %+v", status, user)
	}
	if status := ts.do(http.MethodPatch, "/users/me", tok, map[string]string{"name": "  Inês "}, &user); status != http.StatusOK || user.Name != "Inês" {
		t.Errorf("PATCH /users/me: %d %+v", status, user)
	}
	if status := ts.do(http.MethodPatch, "/users/me", tok, map[string]string{"name": ""}, nil); status != http.StatusBadRequest {
		t.Errorf("blank name: %d, want 400", status)
	}
	if status := ts.do(http.MethodGet, "/users/me", "", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous: %d, want 401", status)
	}
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)
	_, tok := ts.register("dora@example.com")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"anonymous", http.MethodGet, "/funds/me", "", nil, http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/funds/me", "nope", nil, http.StatusUnauthorized},
		{"bad email", http.MethodPost, "/users/register", "", map[string]string{"email": "dora", "password": "long enough"}, http.StatusBadRequest},
		{"short password", http.MethodPost, "/users/register", "", map[string]string{"email": "eva@example.com", "password": "short"}, http.StatusBadRequest},
		{"duplicate email", http.MethodPost, "/users/register", "", map[string]string{"email": "dora@example.com", "password": "long enough"}, http.StatusConflict},
		{"missing co-space", http.MethodPost, "/expenses", tok, map[string]string{"amount": "1.00", "funding_source": "co_space"}, http.StatusBadRequest},
		{"unknown source", http.MethodPost, "/expenses", tok, map[string]string{"amount": "1.00", "funding_source": "card"}, http.StatusBadRequest},
		{"three decimals", http.MethodPost, "/expenses", tok, map[string]string{"amount": "1.005", "funding_source": "personal"}, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/expenses", tok, map[string]string{"amount": "0", "funding_source": "personal"}, http.StatusBadRequest},
		{"bad path id", http.MethodPost, "/expenses/xyz/approve", tok, nil, http.StatusBadRequest},
		{"unknown expense", http.MethodPost, "/expenses/" + uuid.NewString() + "/reject", tok, nil, http.StatusNotFound},
		{"not a member", http.MethodPost, "/co-spaces/" + uuid.NewString() + "/funds", tok, map[string]string{"amount": "1.00"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ts.do(tt.method, tt.path, tt.token, tt.body, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLogoutAndDeactivate(t *testing.T) {
	ts := newTestServer(t)
	_, tok := ts.register("fia@example.com")

	if status := ts.do(http.MethodPost, "/users/logout", tok, nil, nil); status != http.StatusNoContent {
		t.Fatalf("logout: %d", status)
	}
	if status := ts.do(http.MethodGet, "/funds/me", tok, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("after logout: %d, want 401", status)
	}

	var login struct {
		Token string `json:"token"`
	}
	if status := ts.do(http.MethodPost, "/users/login", "", map[string]string{"email": "fia@example.com", "password": "correct horse"}, &login); status != http.StatusOK {
		t.Fatalf("login: %d", status)
	}
	if status := ts.do(http.MethodDelete, "/users/me", login.Token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("deactivate: %d", status)
	}
	if status := ts.do(http.MethodGet, "/funds/me", login.Token, nil, nil); status != http.StatusForbidden {
		t.Errorf("inactive user: %d, want 403", status)
	}
	if evts, _ := ts.events.GetByType(context.Background(), "user.deactivated"); len(evts) != 1 {
		t.Errorf("got %d user.deactivated events, want 1", len(evts))
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrExpenseNotFound, http.StatusNotFound},
		{ledger.ErrMissingCoSpace, http.StatusBadRequest},
		{ledger.ErrNonPositiveAmount, http.StatusBadRequest},
		{ledger.ErrAlreadyProcessed, http.StatusConflict},
		{ledger.ErrInsufficientPool, http.StatusUnprocessableEntity},
		{ledger.ErrNotCoSpaceMember, http.StatusForbidden},
		{ledger.ErrInactive, http.StatusForbidden},
		{cospace.ErrInvitationNotFound, http.StatusNotFound},
		{identity.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", identity.ErrEmailExists), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
