package rest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/snowflake"
	"github.com/palaver-chat/palaver/state"
	"github.com/palaver-chat/palaver/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func testServer(t *testing.T) (*Server, *state.State) {
	t.Helper()
	st := state.NewState(100)
	gw := gateway.NewGateway(st, nil, zerolog.Nop(), gateway.Options{})
	t.Cleanup(gw.Close)
	s := NewServer(st, store.NewMemory(), gw, snowflake.NewGenerator(), zerolog.Nop(), Options{
		GatewayURL: "ws://chat.example/gateway",
		AdminToken: "sesame",
	})
	return s, st
}

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status, code int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d (%s), want %d", w.Code, w.Body.String(), status)
	}
	var e apiError
	decode(t, w, &e)
	if e.Code != code {
		t.Fatalf("error code = %d, want %d", e.Code, code)
	}
}

func registerUser(t *testing.T, s *Server, name string) (id, token string) {
	t.Helper()
	w := doJSON(t, s, "POST", "/api/auth/register", "", map[string]string{
		"username": name,
		"email":    name + "@chat.example",
		"password": "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, w.Code, w.Body.String())
	}
	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	decode(t, w, &resp)
	return resp.User.ID, resp.Token
}

type testGuild struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OwnerID  string `json:"owner_id"`
	Channels []struct {
		ID   string            `json:"id"`
		Name string            `json:"name"`
		Type state.ChannelType `json:"type"`
	} `json:"channels"`
	Roles []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Permissions int64  `json:"permissions"`
	} `json:"roles"`
	MemberCount int `json:"member_count"`
}

func createTestGuild(t *testing.T, s *Server, token, name string) testGuild {
	t.Helper()
	w := doJSON(t, s, "POST", "/api/guilds", token, map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create guild: %d %s", w.Code, w.Body.String())
	}
	var g testGuild
	decode(t, w, &g)
	if len(g.Channels) == 0 {
		t.Fatalf("created guild has no channels: %s", w.Body.String())
	}
	return g
}

func joinGuild(t *testing.T, st *state.State, guildID, userID string) {
	t.Helper()
	if err := st.AddMember(guildID, &state.Member{UserID: userID, Roles: []string{}}); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := testServer(t)

	_, token := registerUser(t, s, "alice")

	w := doJSON(t, s, "GET", "/api/users/@me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("whoami with fresh token: %d", w.Code)
	}
	var me struct {
		Username      string `json:"username"`
		Discriminator string `json:"discriminator"`
		Email         string `json:"email"`
	}
	decode(t, w, &me)
	if me.Username != "alice" || me.Email != "alice@chat.example" {
		t.Errorf("own view = %+v", me)
	}
	if len(me.Discriminator) != 4 {
		t.Errorf("discriminator = %q, want four digits", me.Discriminator)
	}

	w = doJSON(t, s, "POST", "/api/auth/login", "", map[string]string{
		"email":    "alice@chat.example",
		"password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	decode(t, w, &login)
	if login.Token == token {
		t.Fatal("login did not rotate the token")
	}

	if w := doJSON(t, s, "GET", "/api/users/@me", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("old token after login: %d, want 401", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/users/@me", "Bearer "+login.Token, nil); w.Code != http.StatusOK {
		t.Errorf("new token with Bearer prefix: %d, want 200", w.Code)
	}

	w = doJSON(t, s, "POST", "/api/auth/login", "", map[string]string{
		"email":    "alice@chat.example",
		"password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("login with bad password: %d, want 401", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := testServer(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"short username", map[string]string{"username": "a", "email": "a@b.c", "password": "hunter22"}},
		{"bad email", map[string]string{"username": "bob", "email": "nope", "password": "hunter22"}},
		{"short password", map[string]string{"username": "bob", "email": "bob@b.c", "password": "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, s, "POST", "/api/auth/register", "", tc.body)
			expectError(t, w, http.StatusBadRequest, errInvalidFormBody)
		})
	}

	registerUser(t, s, "carol")
	w := doJSON(t, s, "POST", "/api/auth/register", "", map[string]string{
		"username": "carol2",
		"email":    "carol@chat.example",
		"password": "hunter22",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate email: %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already registered") {
		t.Errorf("duplicate email body = %s", w.Body.String())
	}
}

func TestUnauthorizedBody(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s, "GET", "/api/users/@me", "palaver_bogus", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var e apiError
	decode(t, w, &e)
	if e.Code != 0 || e.Message != "401: Unauthorized" {
		t.Errorf("401 body = %+v", e)
	}
}

func TestGatewayRoutes(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s, "GET", "/api/gateway", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /gateway: %d", w.Code)
	}
	var gw struct {
		URL string `json:"url"`
	}
	decode(t, w, &gw)
	if gw.URL != "ws://chat.example/gateway" {
		t.Errorf("url = %q", gw.URL)
	}

	if w := doJSON(t, s, "GET", "/api/gateway/bot", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /gateway/bot unauthenticated: %d, want 401", w.Code)
	}

	_, token := registerUser(t, s, "shardbot")
	createTestGuild(t, s, token, "botland")

	w = doJSON(t, s, "GET", "/api/gateway/bot", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /gateway/bot: %d", w.Code)
	}
	var bot struct {
		URL    string `json:"url"`
		Shards int    `json:"shards"`
	}
	decode(t, w, &bot)
	if bot.URL != "ws://chat.example/gateway" || bot.Shards != 1 {
		t.Errorf("bot gateway = %+v", bot)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	s, _ := testServer(t)

	_, token := registerUser(t, s, "dave")
	_, outsider := registerUser(t, s, "eve")

	w := doJSON(t, s, "GET", "/api/guilds/12345", token, nil)
	expectError(t, w, http.StatusNotFound, errUnknownGuild)

	w = doJSON(t, s, "GET", "/api/channels/12345", token, nil)
	expectError(t, w, http.StatusNotFound, errUnknownChannel)

	g := createTestGuild(t, s, token, "closed circle")

	// Guild and channel listings are readable without membership, the
	// member list is not.
	if w := doJSON(t, s, "GET", "/api/guilds/"+g.ID, outsider, nil); w.Code != http.StatusOK {
		t.Errorf("guild object as outsider: %d, want 200", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/guilds/"+g.ID+"/channels", outsider, nil); w.Code != http.StatusOK {
		t.Errorf("channel list as outsider: %d, want 200", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/guilds/"+g.ID+"/members", outsider, nil)
	expectError(t, w, http.StatusForbidden, errUnauthorized)

	w = doJSON(t, s, "PATCH", "/api/guilds/"+g.ID, outsider, map[string]string{"name": "stolen"})
	expectError(t, w, http.StatusForbidden, errMissingPermissions)
}

func TestPatchMe(t *testing.T) {
	s, _ := testServer(t)

	_, token := registerUser(t, s, "frank")

	w := doJSON(t, s, "PATCH", "/api/users/@me", token, map[string]string{"username": "francis"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch username: %d %s", w.Code, w.Body.String())
	}
	var me struct {
		Username      string `json:"username"`
		Discriminator string `json:"discriminator"`
		Avatar        string `json:"avatar"`
	}
	decode(t, w, &me)
	if me.Username != "francis" {
		t.Errorf("username = %q", me.Username)
	}
	if len(me.Discriminator) != 4 {
		t.Errorf("discriminator = %q", me.Discriminator)
	}

	w = doJSON(t, s, "PATCH", "/api/users/@me", token, map[string]string{"avatar": "cafebabe"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch avatar: %d", w.Code)
	}
	decode(t, w, &me)
	if me.Avatar != "cafebabe" {
		t.Errorf("avatar = %q", me.Avatar)
	}

	w = doJSON(t, s, "PATCH", "/api/users/@me", token, map[string]string{"username": "x"})
	expectError(t, w, http.StatusBadRequest, errInvalidFormBody)
}

func TestGuildList(t *testing.T) {
	s, _ := testServer(t)

	_, token := registerUser(t, s, "grace")
	g := createTestGuild(t, s, token, "graceland")

	w := doJSON(t, s, "GET", "/api/users/@me/guilds", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("guild list: %d", w.Code)
	}
	var list []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Owner bool   `json:"owner"`
	}
	decode(t, w, &list)
	if len(list) != 1 || list[0].ID != g.ID || !list[0].Owner {
		t.Errorf("guild list = %+v", list)
	}
}

func TestAdminStatus(t *testing.T) {
	s, _ := testServer(t)
	registerUser(t, s, "harry")

	if w := doJSON(t, s, "GET", "/api/admin/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", w.Code)
	}
	if w := doJSON(t, s, "GET", "/api/admin/status", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", w.Code)
	}

	w := doJSON(t, s, "GET", "/api/admin/status", "sesame", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin status: %d %s", w.Code, w.Body.String())
	}
	var status struct {
		Goroutines int `json:"goroutines"`
		Counts     struct {
			Users int `json:"users"`
		} `json:"counts"`
	}
	decode(t, w, &status)
	if status.Goroutines <= 0 {
		t.Errorf("goroutines = %d", status.Goroutines)
	}
	if status.Counts.Users != 1 {
		t.Errorf("user count = %d, want 1", status.Counts.Users)
	}
}

func TestAdminUnmountedWithoutToken(t *testing.T) {
	st := state.NewState(100)
	gw := gateway.NewGateway(st, nil, zerolog.Nop(), gateway.Options{})
	t.Cleanup(gw.Close)
	s := NewServer(st, store.NewMemory(), gw, snowflake.NewGenerator(), zerolog.Nop(), Options{})

	w := doJSON(t, s, "GET", "/api/admin/status", "anything", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("admin route without configured token: %d, want 404", w.Code)
	}
}
