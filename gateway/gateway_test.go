package gateway

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/etf"
	"github.com/palaver-chat/palaver/state"
)

func testGateway(t *testing.T, opts Options) (*Gateway, *state.State, *httptest.Server) {
	t.Helper()
	st := state.NewState(100)
	g := NewGateway(st, nil, zerolog.Nop(), opts)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, st, srv
}

func seedUser(t *testing.T, st *state.State, id, name, token string) *state.User {
	t.Helper()
	u := &state.User{ID: id, Username: name}
	if err := st.AddUser(u); err != nil {
		t.Fatal(err)
	}
	st.SetToken(token, id)
	return u
}

func seedGuild(t *testing.T, st *state.State, id, ownerID string) *state.Guild {
	t.Helper()
	g := &state.Guild{ID: id, Name: "guild-" + id, OwnerID: ownerID}
	st.AddGuild(g)
	if err := st.AddMember(id, &state.Member{UserID: ownerID}); err != nil {
		t.Fatal(err)
	}
	return g
}

func dialGateway(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wirePayload struct {
	Op   int                 `json:"op"`
	Data jsoniter.RawMessage `json:"d"`
	Seq  *int64              `json:"s"`
	Type string              `json:"t"`
}

func readPayload(t *testing.T, ws *websocket.Conn) wirePayload {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var p wirePayload
	if err := json.Unmarshal(frame, &p); err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return p
}

func readDispatch(t *testing.T, ws *websocket.Conn, eventType string) wirePayload {
	t.Helper()
	p := readPayload(t, ws)
	if p.Op != OpDispatch || p.Type != eventType {
		t.Fatalf("read {op %d t %q}, want a %s dispatch", p.Op, p.Type, eventType)
	}
	return p
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectHello(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	p := readPayload(t, ws)
	if p.Op != OpHello {
		t.Fatalf("first payload op = %d, want HELLO", p.Op)
	}
}

// identifyAs runs the hello/identify/ready exchange and returns the
// READY frame.
func identifyAs(t *testing.T, ws *websocket.Conn, token, browser string, extra map[string]interface{}) wirePayload {
	t.Helper()
	expectHello(t, ws)

	d := map[string]interface{}{
		"token": token,
		"properties": map[string]string{
			"$os": "linux", "$browser": browser, "$device": "test",
		},
	}
	for k, v := range extra {
		d[k] = v
	}
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": d})

	ready := readDispatch(t, ws, "READY")
	if ready.Seq != nil {
		t.Error("READY carries a sequence number")
	}
	return ready
}

func identify(t *testing.T, ws *websocket.Conn, token string) wirePayload {
	t.Helper()
	return identifyAs(t, ws, token, "tests", nil)
}

func sessionID(t *testing.T, ready wirePayload) string {
	t.Helper()
	var d struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(ready.Data, &d); err != nil || d.SessionID == "" {
		t.Fatalf("READY without a session ID: %s", ready.Data)
	}
	return d.SessionID
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue // drain dispatches still in flight
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("connection ended without a close frame: %v", err)
		}
		if ce.Code != code {
			t.Errorf("close code = %d (%s), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitOnline(t *testing.T, g *Gateway, userID string) {
	t.Helper()
	waitFor(t, func() bool { return g.dispatcher.Online(userID) })
}

func TestIdentifyProducesReady(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedUser(t, st, "2", "bob", "tok-b")
	seedGuild(t, st, "100", "1")
	if err := st.AddMember("100", &state.Member{UserID: "2"}); err != nil {
		t.Fatal(err)
	}

	ws := dialGateway(t, srv, "v=6&encoding=json")
	ready := identifyAs(t, ws, "tok-a", "tests", map[string]interface{}{"large_threshold": 1})

	var d struct {
		Version   int    `json:"v"`
		SessionID string `json:"session_id"`
		User      struct {
			ID string `json:"id"`
		} `json:"user"`
		Guilds []struct {
			ID          string `json:"id"`
			MemberCount int    `json:"member_count"`
			Members     []struct {
				User struct {
					ID string `json:"id"`
				} `json:"user"`
			} `json:"members"`
			Presences []struct {
				Status string `json:"status"`
			} `json:"presences"`
		} `json:"guilds"`
		Trace []string `json:"_trace"`
	}
	if err := json.Unmarshal(ready.Data, &d); err != nil {
		t.Fatal(err)
	}

	if d.Version != GatewayVersion {
		t.Errorf("v = %d, want %d", d.Version, GatewayVersion)
	}
	if len(d.SessionID) != 32 {
		t.Errorf("session_id %q is not 32 hex chars", d.SessionID)
	}
	if d.User.ID != "1" {
		t.Errorf("user.id = %s", d.User.ID)
	}
	if !bytes.Contains(ready.Data, []byte(`"private_channels":[]`)) {
		t.Error("READY without an empty private_channels list")
	}
	if len(d.Trace) != 2 {
		t.Errorf("_trace = %v", d.Trace)
	}

	if len(d.Guilds) != 1 {
		t.Fatalf("guilds = %d, want 1", len(d.Guilds))
	}
	guild := d.Guilds[0]
	if guild.ID != "100" || guild.MemberCount != 2 {
		t.Errorf("guild = %+v", guild)
	}
	// Threshold of one makes the guild large: only online members ship,
	// and only the identifying user is online.
	if len(guild.Members) != 1 || guild.Members[0].User.ID != "1" {
		t.Errorf("large guild members = %+v", guild.Members)
	}
	if len(guild.Presences) != 1 || guild.Presences[0].Status != state.StatusOnline {
		t.Errorf("presences = %+v", guild.Presences)
	}

	if _, sessions := g.Counts(); sessions != 1 {
		t.Errorf("sessions = %d, want 1", sessions)
	}
}

func TestDispatchSequencesFromOne(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedGuild(t, st, "100", "1")

	ws := dialGateway(t, srv, "v=6&encoding=json")
	identify(t, ws, "tok-a")
	waitOnline(t, g, "1")

	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m1"})
	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m2"})

	first := readDispatch(t, ws, "MESSAGE_CREATE")
	if first.Seq == nil || *first.Seq != 1 {
		t.Errorf("first dispatch seq = %v, want 1", first.Seq)
	}
	second := readDispatch(t, ws, "MESSAGE_CREATE")
	if second.Seq == nil || *second.Seq != 2 {
		t.Errorf("second dispatch seq = %v, want 2", second.Seq)
	}
}

func TestHeartbeat(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	send(t, ws, map[string]interface{}{"op": OpHeartbeat, "d": nil})
	if p := readPayload(t, ws); p.Op != OpHeartbeatACK {
		t.Errorf("null heartbeat answered with op %d", p.Op)
	}

	send(t, ws, map[string]interface{}{"op": OpHeartbeat, "d": 5})
	if p := readPayload(t, ws); p.Op != OpHeartbeatACK {
		t.Errorf("numeric heartbeat answered with op %d", p.Op)
	}

	send(t, ws, map[string]interface{}{"op": OpHeartbeat, "d": "banana"})
	expectClose(t, ws, CloseInvalidSeq)
}

func TestZombieConnectionCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{
		HeartbeatMin: 50 * time.Millisecond,
		HeartbeatMax: 60 * time.Millisecond,
	})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	// Never heartbeat. The deadline is the interval plus the grace
	// window, so this takes a few seconds.
	expectClose(t, ws, CloseUnknownError)
}

func TestHandshakeRejectsBadQuery(t *testing.T) {
	_, _, srv := testGateway(t, Options{})

	ws := dialGateway(t, srv, "v=5")
	expectClose(t, ws, CloseUnknownError)

	ws = dialGateway(t, srv, "v=6&encoding=xml")
	expectClose(t, ws, CloseUnknownError)
}

func TestUnknownOpcodeCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	send(t, ws, map[string]interface{}{"op": 42})
	expectClose(t, ws, CloseDecodeError)
}

func TestUndecodableFrameCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	expectClose(t, ws, CloseDecodeError)
}

func TestOversizedFrameCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	frame := bytes.Repeat([]byte("a"), maxPayloadSize+1)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
	expectClose(t, ws, ClosePayloadTooLarge)
}

func TestSlowConsumerCloses(t *testing.T) {
	serverSide := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	defer srv.Close()

	client := dialGateway(t, srv, "")
	ws := <-serverSide
	defer ws.Close()

	// No writer drains the queue, as with a client that stopped reading.
	c := testConn(2)
	c.ws = ws
	for i := 0; i < 3; i++ {
		c.enqueue(sentPayload{Op: OpDispatch, Type: "MESSAGE_CREATE"})
	}

	if len(c.send) != 2 {
		t.Errorf("queue holds %d payloads, want the 2 that fit", len(c.send))
	}
	expectClose(t, client, CloseUnknownError)
}

func TestSemanticOpBeforeAuthCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	send(t, ws, map[string]interface{}{"op": OpStatusUpdate, "d": map[string]string{"status": "dnd"}})
	expectClose(t, ws, CloseNotAuthenticated)
}

func TestBadTokenCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "")
	expectHello(t, ws)

	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{"token": "nope"}})
	expectClose(t, ws, CloseAuthenticationFailed)
}

func TestMalformedIdentifyCloses(t *testing.T) {
	_, _, srv := testGateway(t, Options{})

	ws := dialGateway(t, srv, "")
	expectHello(t, ws)
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": 42})
	expectClose(t, ws, CloseDecodeError)

	ws = dialGateway(t, srv, "")
	expectHello(t, ws)
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{}})
	expectClose(t, ws, CloseDecodeError)
}

func TestSecondIdentifyCloses(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")

	ws := dialGateway(t, srv, "")
	identify(t, ws, "tok-a")

	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{"token": "tok-a"}})
	expectClose(t, ws, CloseAlreadyAuthenticated)
}

func TestIdentifyRatelimitCloses(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")

	ws1 := dialGateway(t, srv, "")
	identify(t, ws1, "tok-a")

	ws2 := dialGateway(t, srv, "")
	expectHello(t, ws2)
	send(t, ws2, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{
		"token":      "tok-a",
		"properties": map[string]string{"$browser": "tests"},
	}})
	expectClose(t, ws2, CloseSessionTimeout)

	// The established connection is untouched.
	send(t, ws1, map[string]interface{}{"op": OpHeartbeat, "d": nil})
	if p := readPayload(t, ws1); p.Op != OpHeartbeatACK {
		t.Errorf("survivor answered with op %d", p.Op)
	}
}

func TestShardValidationCloses(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedUser(t, st, "2", "bob", "tok-b")

	ws := dialGateway(t, srv, "")
	expectHello(t, ws)
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{
		"token": "tok-a", "shard": []int{2, 2},
	}})
	expectClose(t, ws, CloseShardingRequired)

	ws = dialGateway(t, srv, "")
	expectHello(t, ws)
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{
		"token": "tok-b", "shard": []int{0, 2},
	}})
	expectClose(t, ws, CloseShardingRequired)
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedGuild(t, st, "100", "1")

	ws1 := dialGateway(t, srv, "")
	id := sessionID(t, identify(t, ws1, "tok-a"))
	waitOnline(t, g, "1")

	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m1"})
	if p := readDispatch(t, ws1, "MESSAGE_CREATE"); *p.Seq != 1 {
		t.Fatalf("live dispatch seq = %d", *p.Seq)
	}

	sess, ok := g.sessions.Get(id)
	if !ok {
		t.Fatal("session not registered")
	}

	// Drop the socket without a close frame. The server notices, goes
	// offline and rings the resulting PRESENCE_UPDATE at seq 2.
	ws1.Close()
	waitFor(t, func() bool { return sess.Seq() == 2 })

	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m2"})
	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m3"})
	g.DispatchGuild("100", "PRESENCE_UPDATE", map[string]string{"status": "dnd"})

	ws2 := dialGateway(t, srv, "")
	expectHello(t, ws2)
	send(t, ws2, map[string]interface{}{"op": OpResume, "d": map[string]interface{}{
		"token": "tok-a", "session_id": id, "seq": 1,
	}})

	// Replay keeps the original sequences for plain events and folds
	// the two presence updates into one fresh PRESENCES_REPLACE.
	if p := readDispatch(t, ws2, "MESSAGE_CREATE"); *p.Seq != 3 {
		t.Errorf("replayed seq = %d, want 3", *p.Seq)
	}
	if p := readDispatch(t, ws2, "MESSAGE_CREATE"); *p.Seq != 4 {
		t.Errorf("replayed seq = %d, want 4", *p.Seq)
	}

	replace := readDispatch(t, ws2, "PRESENCES_REPLACE")
	if *replace.Seq != 6 {
		t.Errorf("PRESENCES_REPLACE seq = %d, want 6", *replace.Seq)
	}
	var presences []interface{}
	if err := json.Unmarshal(replace.Data, &presences); err != nil || len(presences) != 2 {
		t.Errorf("PRESENCES_REPLACE holds %d presences (%v), want 2", len(presences), err)
	}

	resumed := readDispatch(t, ws2, "RESUMED")
	if resumed.Seq != nil {
		t.Error("RESUMED carries a sequence number")
	}

	// Coming back online fans out live again.
	if p := readDispatch(t, ws2, "PRESENCE_UPDATE"); *p.Seq != 7 {
		t.Errorf("post-resume presence seq = %d, want 7", *p.Seq)
	}
}

func TestResumeUnknownSessionInvalidates(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")

	ws := dialGateway(t, srv, "")
	expectHello(t, ws)
	send(t, ws, map[string]interface{}{"op": OpResume, "d": map[string]interface{}{
		"token": "tok-a", "session_id": strings.Repeat("f", 32), "seq": 3,
	}})

	p := readPayload(t, ws)
	if p.Op != OpInvalidSession || string(p.Data) != "false" {
		t.Fatalf("got {op %d d %s}, want a non-resumable INVALID_SESSION", p.Op, p.Data)
	}

	// The socket stays open and a fresh identify works.
	send(t, ws, map[string]interface{}{"op": OpIdentify, "d": map[string]interface{}{
		"token":      "tok-a",
		"properties": map[string]string{"$browser": "tests"},
	}})
	readDispatch(t, ws, "READY")
}

func TestResumeOutsideWindowRemovesSession(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")

	ws1 := dialGateway(t, srv, "")
	id := sessionID(t, identify(t, ws1, "tok-a"))
	waitOnline(t, g, "1")
	ws1.Close()
	waitFor(t, func() bool {
		conns, _ := g.Counts()
		return conns == 0
	})

	for i := 0; i < ringCapacity+5; i++ {
		g.DispatchUser("1", "MESSAGE_CREATE", map[string]int{"n": i})
	}

	ws2 := dialGateway(t, srv, "")
	expectHello(t, ws2)
	send(t, ws2, map[string]interface{}{"op": OpResume, "d": map[string]interface{}{
		"token": "tok-a", "session_id": id, "seq": 0,
	}})

	p := readPayload(t, ws2)
	if p.Op != OpInvalidSession || string(p.Data) != "false" {
		t.Fatalf("got {op %d d %s}, want a non-resumable INVALID_SESSION", p.Op, p.Data)
	}
	if _, sessions := g.Counts(); sessions != 0 {
		t.Errorf("sessions = %d, the session must be gone", sessions)
	}
}

func TestResumeTakesOverLiveConnection(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedGuild(t, st, "100", "1")

	ws1 := dialGateway(t, srv, "")
	id := sessionID(t, identify(t, ws1, "tok-a"))
	waitOnline(t, g, "1")

	ws2 := dialGateway(t, srv, "")
	expectHello(t, ws2)
	send(t, ws2, map[string]interface{}{"op": OpResume, "d": map[string]interface{}{
		"token": "tok-a", "session_id": id, "seq": 0,
	}})
	if p := readDispatch(t, ws2, "RESUMED"); p.Seq != nil {
		t.Error("RESUMED carries a sequence number")
	}

	expectClose(t, ws1, CloseUnknownError)

	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m1"})
	if p := readDispatch(t, ws2, "MESSAGE_CREATE"); *p.Seq != 1 {
		t.Errorf("post-takeover seq = %d, want 1", *p.Seq)
	}
}

func TestResumeWrongTokenRemovesSession(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedUser(t, st, "2", "mallory", "tok-m")

	ws1 := dialGateway(t, srv, "")
	id := sessionID(t, identify(t, ws1, "tok-a"))

	ws2 := dialGateway(t, srv, "")
	expectHello(t, ws2)
	send(t, ws2, map[string]interface{}{"op": OpResume, "d": map[string]interface{}{
		"token": "tok-m", "session_id": id, "seq": 0,
	}})

	p := readPayload(t, ws2)
	if p.Op != OpInvalidSession || string(p.Data) != "false" {
		t.Fatalf("got {op %d d %s}, want a non-resumable INVALID_SESSION", p.Op, p.Data)
	}
	if _, ok := g.sessions.Get(id); ok {
		t.Error("session survived a resume with a mismatched token")
	}
}

func TestRequestGuildMembers(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedUser(t, st, "2", "alfred", "tok-b")
	seedUser(t, st, "3", "bob", "tok-c")
	seedGuild(t, st, "100", "1")
	for _, uid := range []string{"2", "3"} {
		if err := st.AddMember("100", &state.Member{UserID: uid}); err != nil {
			t.Fatal(err)
		}
	}

	ws := dialGateway(t, srv, "")
	identify(t, ws, "tok-a")

	type chunk struct {
		GuildID string `json:"guild_id"`
		Members []struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"members"`
	}

	send(t, ws, map[string]interface{}{"op": OpRequestGuildMembers, "d": map[string]interface{}{
		"guild_id": "100", "query": "", "limit": 2,
	}})
	var c chunk
	p := readDispatch(t, ws, "GUILD_MEMBERS_CHUNK")
	if err := json.Unmarshal(p.Data, &c); err != nil {
		t.Fatal(err)
	}
	if c.GuildID != "100" || len(c.Members) != 2 {
		t.Errorf("limited chunk = %+v", c)
	}

	send(t, ws, map[string]interface{}{"op": OpRequestGuildMembers, "d": map[string]interface{}{
		"guild_id": "100", "query": "al",
	}})
	p = readDispatch(t, ws, "GUILD_MEMBERS_CHUNK")
	if err := json.Unmarshal(p.Data, &c); err != nil {
		t.Fatal(err)
	}
	if len(c.Members) != 2 {
		t.Errorf("prefix chunk holds %d members, want alice and alfred", len(c.Members))
	}
	for _, m := range c.Members {
		if !strings.HasPrefix(m.User.Username, "al") {
			t.Errorf("member %q does not match the query", m.User.Username)
		}
	}

	// Unknown guilds are ignored without an answer.
	send(t, ws, map[string]interface{}{"op": OpRequestGuildMembers, "d": map[string]interface{}{
		"guild_id": "999",
	}})
	send(t, ws, map[string]interface{}{"op": OpHeartbeat, "d": nil})
	if p := readPayload(t, ws); p.Op != OpHeartbeatACK {
		t.Errorf("ignored request produced op %d", p.Op)
	}

	send(t, ws, map[string]interface{}{"op": OpRequestGuildMembers, "d": map[string]interface{}{}})
	expectClose(t, ws, CloseDecodeError)
}

func TestGuildSyncSubscribesAtomicClient(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	guild := seedGuild(t, st, "100", "1")

	ws := dialGateway(t, srv, "")
	identifyAs(t, ws, "tok-a", atomicBrowser, nil)
	waitOnline(t, g, "1")

	if guild.Viewers.Contains("1") {
		t.Fatal("atomic client auto-subscribed at identify")
	}

	// A malformed sync is ignored.
	send(t, ws, map[string]interface{}{"op": OpGuildSync, "d": "100"})

	send(t, ws, map[string]interface{}{"op": OpGuildSync, "d": []string{"999", "100"}})
	p := readDispatch(t, ws, "GUILD_SYNC")

	var d struct {
		ID        string        `json:"id"`
		Members   []interface{} `json:"members"`
		Presences []interface{} `json:"presences"`
	}
	if err := json.Unmarshal(p.Data, &d); err != nil {
		t.Fatal(err)
	}
	if d.ID != "100" || len(d.Members) != 1 || len(d.Presences) != 1 {
		t.Errorf("sync = %+v", d)
	}

	if !guild.Viewers.Contains("1") {
		t.Fatal("GUILD_SYNC did not subscribe the viewer")
	}

	g.DispatchGuild("100", "MESSAGE_CREATE", map[string]string{"id": "m1"})
	if p := readDispatch(t, ws, "MESSAGE_CREATE"); *p.Seq != 2 {
		t.Errorf("post-sync seq = %d, want 2", *p.Seq)
	}
}

func TestStatusUpdateFansOut(t *testing.T) {
	g, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")
	seedUser(t, st, "2", "bob", "tok-b")
	seedGuild(t, st, "100", "1")
	if err := st.AddMember("100", &state.Member{UserID: "2"}); err != nil {
		t.Fatal(err)
	}

	ws1 := dialGateway(t, srv, "")
	identify(t, ws1, "tok-a")
	waitOnline(t, g, "1")

	ws2 := dialGateway(t, srv, "")
	identify(t, ws2, "tok-b")

	type presence struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Status string `json:"status"`
	}

	var pr presence
	p := readDispatch(t, ws1, "PRESENCE_UPDATE")
	if err := json.Unmarshal(p.Data, &pr); err != nil {
		t.Fatal(err)
	}
	if pr.User.ID != "2" || pr.Status != state.StatusOnline {
		t.Errorf("identify presence = %+v", pr)
	}

	send(t, ws2, map[string]interface{}{"op": OpStatusUpdate, "d": map[string]interface{}{
		"status": "dnd",
		"game":   map[string]interface{}{"name": "chess", "type": 0},
	}})
	p = readDispatch(t, ws1, "PRESENCE_UPDATE")
	if err := json.Unmarshal(p.Data, &pr); err != nil {
		t.Fatal(err)
	}
	if pr.User.ID != "2" || pr.Status != state.StatusDND {
		t.Errorf("status update presence = %+v", pr)
	}

	// afk forces idle regardless of the named status.
	send(t, ws2, map[string]interface{}{"op": OpStatusUpdate, "d": map[string]interface{}{
		"status": "online", "afk": true,
	}})
	p = readDispatch(t, ws1, "PRESENCE_UPDATE")
	if err := json.Unmarshal(p.Data, &pr); err != nil {
		t.Fatal(err)
	}
	if pr.Status != state.StatusIdle {
		t.Errorf("afk status = %s, want idle", pr.Status)
	}
}

func TestBotGuildStreaming(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	u := &state.User{ID: "9", Username: "helper", Bot: true}
	if err := st.AddUser(u); err != nil {
		t.Fatal(err)
	}
	st.SetToken("tok-bot", "9")
	seedGuild(t, st, "100", "9")

	ws := dialGateway(t, srv, "")
	ready := identify(t, ws, "tok-bot")

	var d struct {
		Guilds []struct {
			ID          string `json:"id"`
			Unavailable bool   `json:"unavailable"`
		} `json:"guilds"`
	}
	if err := json.Unmarshal(ready.Data, &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Guilds) != 1 || !d.Guilds[0].Unavailable {
		t.Fatalf("bot READY guilds = %+v, want unavailable stubs", d.Guilds)
	}

	p := readDispatch(t, ws, "GUILD_CREATE")
	if *p.Seq != 1 {
		t.Errorf("streamed guild seq = %d, want 1", *p.Seq)
	}
	var gc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Data, &gc); err != nil || gc.ID != "100" {
		t.Errorf("GUILD_CREATE d = %s", p.Data)
	}
}

func TestVoiceOpsAreStubs(t *testing.T) {
	_, st, srv := testGateway(t, Options{})
	seedUser(t, st, "1", "alice", "tok-a")

	ws := dialGateway(t, srv, "")
	identify(t, ws, "tok-a")

	send(t, ws, map[string]interface{}{"op": OpVoiceStateUpdate, "d": map[string]interface{}{
		"guild_id": "100", "channel_id": "200",
	}})
	send(t, ws, map[string]interface{}{"op": OpVoiceServerPing})

	send(t, ws, map[string]interface{}{"op": OpHeartbeat, "d": nil})
	if p := readPayload(t, ws); p.Op != OpHeartbeatACK {
		t.Errorf("voice ops produced op %d", p.Op)
	}
}

func TestEtfHandshake(t *testing.T) {
	_, _, srv := testGateway(t, Options{})
	ws := dialGateway(t, srv, "v=6&encoding=etf")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage {
		t.Errorf("etf frame sent as message type %d", mt)
	}

	generic, err := etf.Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	hello, ok := generic.(map[string]interface{})
	if !ok {
		t.Fatalf("HELLO decodes to %T", generic)
	}
	if op, _ := hello["op"].(int64); op != OpHello {
		t.Errorf("op = %v", hello["op"])
	}
	d, _ := hello["d"].(map[string]interface{})
	if d == nil {
		t.Fatalf("HELLO d = %v", hello["d"])
	}
	if iv, _ := d["heartbeat_interval"].(int64); iv < 40000 || iv > 42000 {
		t.Errorf("heartbeat_interval = %v", d["heartbeat_interval"])
	}
}
