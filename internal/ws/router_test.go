package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"booking-chat/internal/auth"
	"booking-chat/internal/mocks"
	"booking-chat/internal/models"
	"booking-chat/internal/repositories"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type routerFixture struct {
	reg    *Registry
	store  *mocks.MessageRepositoryMock
	tokens *auth.TokenManager
	router *Router
}

func newRouterFixture(requireAdminToken bool) *routerFixture {
	reg := NewRegistry()
	store := new(mocks.MessageRepositoryMock)
	tokens := auth.NewTokenManager("test-secret", time.Hour, "booking-chat")
	return &routerFixture{
		reg:    reg,
		store:  store,
		tokens: tokens,
		router: NewRouter(reg, store, tokens, nil, requireAdminToken),
	}
}

func (f *routerFixture) connect(username string) (*Session, *fakeSocket) {
	sock := newFakeSocket()
	conn := f.reg.Register(sock, username)
	return NewSession(conn, nil), sock
}

func (f *routerFixture) token(t *testing.T, role models.Role) string {
	t.Helper()
	token, _, err := f.tokens.Issue(models.User{ID: 1, Email: "ops@example.com", Role: role})
	require.NoError(t, err)
	return token
}

func (f *routerFixture) admin(t *testing.T, username string) (*Session, *fakeSocket) {
	t.Helper()
	s, sock := f.connect(username)
	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "admin", Token: f.token(t, models.RoleAdmin)}))
	require.Equal(t, StateIdentified, s.State())
	return s, sock
}

func storedMessage(id string, sender string, recipient *string, content string, isAdmin bool) models.ChatMessage {
	return models.ChatMessage{ID: id, Sender: sender, Recipient: recipient, Content: content, Timestamp: testTime, IsAdmin: isAdmin}
}

func TestAdminIdentificationPushesUserRoster(t *testing.T) {
	f := newRouterFixture(true)
	u1, _ := f.connect("bob")
	u2, _ := f.connect("carol")
	_, otherAdminSock := f.admin(t, "ops-1")

	_, sock := f.admin(t, "ops-2")

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "active_users", events[0]["type"])
	assert.Equal(t, []any{
		map[string]any{"client_id": u1.ConnID, "username": "bob"},
		map[string]any{"client_id": u2.ConnID, "username": "carol"},
	}, events[0]["users"])
	assert.Len(t, otherAdminSock.events(t), 1)
}

func TestAdminIdentificationWithoutTokenIsRejected(t *testing.T) {
	f := newRouterFixture(true)
	s, sock := f.connect("mallory")

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "admin"}))

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.Equal(t, "Admin role requires a valid admin token.", events[0]["content"])
	role, _ := f.reg.Role(s.ConnID)
	assert.Equal(t, models.RoleUser, role)
	assert.Equal(t, StateConnected, s.State())
}

func TestAdminIdentificationWithUserTokenIsRejected(t *testing.T) {
	f := newRouterFixture(true)
	s, sock := f.connect("mallory")

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "admin", Token: f.token(t, models.RoleUser)}))

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	role, _ := f.reg.Role(s.ConnID)
	assert.Equal(t, models.RoleUser, role)
}

func TestAdminIdentificationUsesHandshakeClaims(t *testing.T) {
	f := newRouterFixture(true)
	conn := f.reg.Register(newFakeSocket(), "ops")
	s := NewSession(conn, &auth.Claims{Role: models.RoleAdmin})

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "ADMIN"}))

	role, _ := f.reg.Role(s.ConnID)
	assert.Equal(t, models.RoleAdmin, role)
}

func TestSelfDeclaredAdminWhenTokenNotRequired(t *testing.T) {
	f := newRouterFixture(false)
	s, sock := f.connect("ops")

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "admin"}))

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "active_users", events[0]["type"])
	assert.Equal(t, []any{}, events[0]["users"])
}

func TestUserIdentificationSendsNothing(t *testing.T) {
	f := newRouterFixture(true)
	s, sock := f.connect("bob")

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "user"}))

	assert.Empty(t, sock.events(t))
	assert.Equal(t, StateIdentified, s.State())
}

func TestUnknownRoleIsRejected(t *testing.T) {
	f := newRouterFixture(true)
	s, sock := f.connect("bob")

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "technician"}))

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "Unknown role 'technician'.", events[0]["content"])
	assert.Equal(t, StateConnected, s.State())
}

func TestUserMessageWithoutAdmins(t *testing.T) {
	f := newRouterFixture(true)
	bob, sock := f.connect("bob")

	f.store.On("Append", mock.Anything, models.ChatMessage{Sender: "bob", SenderID: bob.ConnID, Content: "hi"}).
		Return(storedMessage("m1", "bob", nil, "hi", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "hi"}))

	f.store.AssertExpectations(t)
	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0]["type"])
	assert.Equal(t, "m1", events[0]["id"])
	assert.Equal(t, "hi", events[0]["content"])
	assert.Equal(t, "bob", events[0]["sender"])
	assert.Equal(t, true, events[0]["is_own"])
	assert.Equal(t, false, events[0]["is_admin"])
	assert.NotContains(t, events[0], "recipient")
}

func TestUserMessagePersistsBeforeFanOut(t *testing.T) {
	f := newRouterFixture(true)
	_, admin1 := f.admin(t, "ops-1")
	_, admin2 := f.admin(t, "ops-2")
	bob, bobSock := f.connect("bob")

	f.store.On("Append", mock.Anything, mock.MatchedBy(func(m models.ChatMessage) bool {
		return m.Sender == "bob" && m.Recipient == nil && !m.IsAdmin
	})).Run(func(mock.Arguments) {
		// only the identification rosters have been written so far
		assert.Len(t, admin1.events(t), 1)
		assert.Len(t, admin2.events(t), 1)
		assert.Empty(t, bobSock.events(t))
	}).Return(storedMessage("m2", "bob", nil, "need help", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "need help"}))

	f.store.AssertExpectations(t)
	for _, sock := range []*fakeSocket{admin1, admin2} {
		events := sock.events(t)
		require.Len(t, events, 2)
		assert.Equal(t, "m2", events[1]["id"])
		assert.Equal(t, false, events[1]["is_own"])
	}
	require.Len(t, bobSock.events(t), 1)
	assert.Equal(t, true, bobSock.events(t)[0]["is_own"])
}

func TestAdminMessageMissingRecipient(t *testing.T) {
	f := newRouterFixture(true)
	admin, sock := f.admin(t, "ops")

	require.NoError(t, f.router.Dispatch(context.Background(), admin, models.ChatInput{Content: "hello", Recipient: "  "}))

	events := sock.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1]["type"])
	assert.Equal(t, "Missing recipient.", events[1]["content"])
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestAdminMessageUnknownRecipient(t *testing.T) {
	f := newRouterFixture(true)
	admin, sock := f.admin(t, "ops")
	f.connect("bob")

	require.NoError(t, f.router.Dispatch(context.Background(), admin, models.ChatInput{Content: "hello", Recipient: "dave"}))

	events := sock.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1]["type"])
	assert.Equal(t, "User 'dave' not connected.", events[1]["content"])
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestAdminMessageDeliversToFirstMatchingUser(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newRouterFixture(true)
		first, firstSock := f.connect("Alice")
		_, secondSock := f.connect("Alice")
		admin, adminSock := f.admin(t, "ops")

		f.store.On("Append", mock.Anything, mock.MatchedBy(func(m models.ChatMessage) bool {
			return m.IsAdmin && m.Recipient != nil && *m.Recipient == "Alice" && m.Sender == "ops"
		})).Return(storedMessage("m3", "ops", strPtr("Alice"), "hello", true), nil).Once()

		require.NoError(t, f.router.Dispatch(context.Background(), admin, models.ChatInput{Content: "hello", Recipient: "alice"}))

		got := firstSock.events(t)
		require.Len(t, got, 1, "delivery must go to %s", first.ConnID)
		assert.Equal(t, "m3", got[0]["id"])
		assert.Equal(t, false, got[0]["is_own"])
		assert.Equal(t, "Alice", got[0]["recipient"])
		assert.Empty(t, secondSock.events(t))

		adminEvents := adminSock.events(t)
		require.Len(t, adminEvents, 2)
		assert.Equal(t, "m3", adminEvents[1]["id"])
		assert.Equal(t, true, adminEvents[1]["is_own"])
		f.store.AssertExpectations(t)
	}
}

func TestStoreFailureReportsErrorAndSkipsDelivery(t *testing.T) {
	f := newRouterFixture(true)
	_, adminSock := f.admin(t, "ops")
	bob, bobSock := f.connect("bob")

	f.store.On("Append", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "hi"}))

	events := bobSock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.Equal(t, "Failed to store message.", events[0]["content"])
	assert.Len(t, adminSock.events(t), 1)
}

func TestFanOutToDisconnectedAdminIsBestEffort(t *testing.T) {
	f := newRouterFixture(true)
	_, brokenSock := f.admin(t, "ops-1")
	_, healthySock := f.admin(t, "ops-2")
	bob, bobSock := f.connect("bob")
	brokenSock.failWrites(errors.New("broken pipe"))

	f.store.On("Append", mock.Anything, mock.Anything).Return(storedMessage("m4", "bob", nil, "hi", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "hi"}))

	f.store.AssertExpectations(t)
	assert.True(t, brokenSock.isClosed())
	assert.Len(t, healthySock.events(t), 2)
	require.Len(t, bobSock.events(t), 1)
	assert.Equal(t, "message", bobSock.events(t)[0]["type"])
}

func TestFanOutSkipsAdminRemovedMidway(t *testing.T) {
	f := newRouterFixture(true)
	admin, adminSock := f.admin(t, "ops")
	bob, bobSock := f.connect("bob")

	f.store.On("Append", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		conn, _ := f.reg.Get(admin.ConnID)
		f.reg.Unregister(admin.ConnID)
		_ = conn.close()
	}).Return(storedMessage("m5", "bob", nil, "hi", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "hi"}))

	assert.Len(t, adminSock.events(t), 1)
	assert.Len(t, bobSock.events(t), 1)
}

func TestRequestActiveUsers(t *testing.T) {
	f := newRouterFixture(true)
	bob, bobSock := f.connect("bob")
	admin, adminSock := f.admin(t, "ops")

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.RequestActiveUsers{}))
	assert.Empty(t, bobSock.events(t))

	carol, _ := f.connect("carol")
	require.NoError(t, f.router.Dispatch(context.Background(), admin, models.RequestActiveUsers{}))

	events := adminSock.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "active_users", events[1]["type"])
	assert.Equal(t, []any{
		map[string]any{"client_id": bob.ConnID, "username": "bob"},
		map[string]any{"client_id": carol.ConnID, "username": "carol"},
	}, events[1]["users"])
}

func TestReplyToIsKeptOnlyWhenStored(t *testing.T) {
	f := newRouterFixture(true)
	bob, _ := f.connect("bob")

	f.store.On("Get", mock.Anything, "known").Return(models.ChatMessage{ID: "known"}, nil).Once()
	f.store.On("Get", mock.Anything, "ghost").Return(nil, repositories.ErrMessageNotFound).Once()
	f.store.On("Append", mock.Anything, mock.MatchedBy(func(m models.ChatMessage) bool {
		return m.ReplyTo != nil && *m.ReplyTo == "known"
	})).Return(storedMessage("r1", "bob", nil, "a", false), nil).Once()
	f.store.On("Append", mock.Anything, mock.MatchedBy(func(m models.ChatMessage) bool {
		return m.ReplyTo == nil
	})).Return(storedMessage("r2", "bob", nil, "b", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "a", ReplyTo: "known"}))
	require.NoError(t, f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "b", ReplyTo: "ghost"}))

	f.store.AssertExpectations(t)
}

func TestReplyToLookupIsBounded(t *testing.T) {
	f := newRouterFixture(true)
	bob, _ := f.connect("bob")

	f.store.On("Get", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= storeTimeout
	}), "m1").Return(models.ChatMessage{ID: "m1"}, nil).Once()
	f.store.On("Append", mock.Anything, mock.Anything).Return(storedMessage("r3", "bob", nil, "c", false), nil).Once()

	require.NoError(t, f.router.Dispatch(context.WithoutCancel(context.Background()), bob, models.ChatInput{Content: "c", ReplyTo: "m1"}))

	f.store.AssertExpectations(t)
}

func TestAdminIdentificationWithForeignSignedToken(t *testing.T) {
	f := newRouterFixture(true)
	s, sock := f.connect("mallory")
	forged, _, err := auth.NewTokenManager("change-me", time.Hour, "booking-chat").
		Issue(models.User{ID: 1, Email: "mallory@example.com", Role: models.RoleAdmin})
	require.NoError(t, err)

	require.NoError(t, f.router.Dispatch(context.Background(), s, models.Identification{Role: "admin", Token: forged}))

	events := sock.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	role, _ := f.reg.Role(s.ConnID)
	assert.Equal(t, models.RoleUser, role)
}

func TestDispatchAfterCloseOrRemoval(t *testing.T) {
	f := newRouterFixture(true)
	bob, _ := f.connect("bob")

	f.reg.Unregister(bob.ConnID)
	err := f.router.Dispatch(context.Background(), bob, models.ChatInput{Content: "hi"})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	bob.state = StateClosed
	err = f.router.Dispatch(context.Background(), bob, models.RequestActiveUsers{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "identified", StateIdentified.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func strPtr(s string) *string {
	return &s
}
