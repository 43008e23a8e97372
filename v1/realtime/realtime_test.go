package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/core"
	"github.com/mirkobrombin/go-mural/v1/lock"
	"github.com/mirkobrombin/go-mural/v1/room"
)

func newServer(t *testing.T, opts ...core.Option) (*httptest.Server, *core.Coordinator) {
	t.Helper()
	coord := core.New(adapter.NewInMemoryTileStore(), opts...)
	t.Cleanup(coord.Close)
	srv := httptest.NewServer(NewHandler(coord))
	t.Cleanup(srv.Close)
	return srv, coord
}

func dialWS(t *testing.T, srv *httptest.Server, canvas, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/canvases/" + canvas + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is the union of everything the server writes on a socket.
type frame struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Locks     []lock.Info     `json:"locks"`
	Members   []room.Member   `json:"members"`
	Op        string          `json:"op"`
	OK        bool            `json:"ok"`
	Token     string          `json:"token"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Error     *WireError      `json:"error"`
	Event     json.RawMessage `json:"event"`
}

type wireEvent struct {
	Canvas  string          `json:"canvas"`
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func awaitWireEvent(t *testing.T, conn *websocket.Conn, kind string) wireEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Type != "event" {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(f.Event, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
	t.Fatalf("no %s event after 20 frames", kind)
	return wireEvent{}
}

func awaitResult(t *testing.T, conn *websocket.Conn, op string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Type == "result" && f.Op == op {
			return f
		}
	}
	t.Fatalf("no %s result after 20 frames", op)
	return frame{}
}

func TestWebSocketSnapshotFirst(t *testing.T) {
	srv, _ := newServer(t)
	conn := dialWS(t, srv, "c1", "alice")

	f := readFrame(t, conn)
	if f.Type != "snapshot" {
		t.Fatalf("first frame = %q, want snapshot", f.Type)
	}
	if f.Seq == 0 {
		t.Fatal("snapshot should cover the join broadcast")
	}
	if len(f.Members) != 1 || f.Members[0].User != "alice" {
		t.Fatalf("unexpected members %+v", f.Members)
	}
	if len(f.Locks) != 0 {
		t.Fatalf("fresh canvas has %d locks", len(f.Locks))
	}
}

func TestWebSocketCommandFlow(t *testing.T) {
	srv, _ := newServer(t)
	alice := dialWS(t, srv, "c1", "alice")
	readFrame(t, alice)
	bob := dialWS(t, srv, "c1", "bob")
	readFrame(t, bob)

	if err := alice.WriteJSON(Command{Op: "acquire", X: 1, Y: 2}); err != nil {
		t.Fatalf("acquire command: %v", err)
	}
	res := awaitResult(t, alice, "acquire")
	if !res.OK || res.Token == "" || res.ExpiresAt == nil {
		t.Fatalf("acquire reply %+v", res)
	}

	locked := awaitWireEvent(t, bob, "tile_locked")
	var lp struct {
		Holder string `json:"holder"`
	}
	if err := json.Unmarshal(locked.Payload, &lp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if lp.Holder != "alice" {
		t.Fatalf("holder = %q", lp.Holder)
	}
	if strings.Contains(string(locked.Payload), res.Token) {
		t.Fatal("broadcast leaked the lock token")
	}

	if err := bob.WriteJSON(Command{Op: "acquire", X: 1, Y: 2}); err != nil {
		t.Fatalf("conflicting acquire: %v", err)
	}
	conflict := awaitResult(t, bob, "acquire")
	if conflict.OK || conflict.Error == nil {
		t.Fatalf("conflict reply %+v", conflict)
	}
	if conflict.Error.Code != "lock_conflict" || conflict.Error.Holder != "alice" {
		t.Fatalf("conflict error %+v", conflict.Error)
	}

	if err := alice.WriteJSON(Command{Op: "submit_edit", X: 1, Y: 2, Token: res.Token, Pixels: []byte{9, 9, 9}}); err != nil {
		t.Fatalf("submit command: %v", err)
	}
	sub := awaitResult(t, alice, "submit_edit")
	if !sub.OK {
		t.Fatalf("submit reply %+v", sub)
	}

	updated := awaitWireEvent(t, bob, "tile_updated")
	var up struct {
		Editor string `json:"editor"`
		Pixels []byte `json:"pixels"`
	}
	if err := json.Unmarshal(updated.Payload, &up); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if up.Editor != "alice" || !bytes.Equal(up.Pixels, []byte{9, 9, 9}) {
		t.Fatalf("update payload %+v", up)
	}
	released := awaitWireEvent(t, bob, "tile_released")
	if released.Seq != updated.Seq+1 {
		t.Fatalf("release seq %d does not follow update seq %d", released.Seq, updated.Seq)
	}
}

func TestWebSocketDisconnectReleasesLocks(t *testing.T) {
	srv, _ := newServer(t)
	alice := dialWS(t, srv, "c1", "alice")
	readFrame(t, alice)
	bob := dialWS(t, srv, "c1", "bob")
	readFrame(t, bob)

	if err := alice.WriteJSON(Command{Op: "acquire", X: 0, Y: 0}); err != nil {
		t.Fatalf("acquire command: %v", err)
	}
	if res := awaitResult(t, alice, "acquire"); !res.OK {
		t.Fatalf("acquire reply %+v", res)
	}
	awaitWireEvent(t, bob, "tile_locked")

	alice.Close()

	released := awaitWireEvent(t, bob, "tile_released")
	var rp struct {
		Holder string `json:"holder"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(released.Payload, &rp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if rp.Holder != "alice" || rp.Reason != "disconnect" {
		t.Fatalf("release payload %+v", rp)
	}
	left := awaitWireEvent(t, bob, "user_left")
	var leftP struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(left.Payload, &leftP); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if leftP.User != "alice" {
		t.Fatalf("left payload %+v", leftP)
	}
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	srv, _ := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/canvases/c1/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response %+v", resp)
	}
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRESTLockLifecycle(t *testing.T) {
	srv, _ := newServer(t)
	tile := "/v1/canvases/c1/tiles/3/4"

	resp := doJSON(t, srv, http.MethodPost, tile+"/acquire", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire status %d", resp.StatusCode)
	}
	var grant struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.Token == "" || grant.ExpiresAt.IsZero() {
		t.Fatalf("grant %+v", grant)
	}

	resp = doJSON(t, srv, http.MethodPost, tile+"/acquire", "bob", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status %d", resp.StatusCode)
	}
	var conflictBody struct {
		Error *WireError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conflictBody); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflictBody.Error == nil || conflictBody.Error.Code != "lock_conflict" || conflictBody.Error.Holder != "alice" {
		t.Fatalf("conflict body %+v", conflictBody.Error)
	}

	resp = doJSON(t, srv, http.MethodPost, tile+"/extend", "alice", extendRequest{Token: grant.Token, ExtendMs: 120000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend status %d", resp.StatusCode)
	}
	var extended extendResponse
	if err := json.NewDecoder(resp.Body).Decode(&extended); err != nil {
		t.Fatalf("decode extend: %v", err)
	}
	if !extended.ExpiresAt.After(grant.ExpiresAt) {
		t.Fatalf("extend did not move expiry: %v -> %v", grant.ExpiresAt, extended.ExpiresAt)
	}

	resp = doJSON(t, srv, http.MethodPut, tile, "alice", putTileRequest{Token: grant.Token, Pixels: []byte{1, 2, 3}})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put status %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodGet, tile, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	pixels, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read pixels: %v", err)
	}
	if !bytes.Equal(pixels, []byte{1, 2, 3}) {
		t.Fatalf("pixels %v", pixels)
	}

	resp = doJSON(t, srv, http.MethodGet, "/v1/canvases/c1/locks", "alice", nil)
	var locks []lock.Info
	if err := json.NewDecoder(resp.Body).Decode(&locks); err != nil {
		t.Fatalf("decode locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("commit left %d locks", len(locks))
	}

	resp = doJSON(t, srv, http.MethodPost, tile+"/release", "alice", releaseRequest{Token: grant.Token})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("release after commit status %d", resp.StatusCode)
	}
}

func TestRESTRequiresIdentity(t *testing.T) {
	srv, _ := newServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/v1/canvases/c1/tiles/0/0/acquire", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body struct {
		Error *WireError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error == nil || body.Error.Code != "unauthorized" {
		t.Fatalf("error body %+v", body.Error)
	}
}

func TestRESTMissingTileIsNotFound(t *testing.T) {
	srv, _ := newServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/v1/canvases/c1/tiles/8/8", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSSESnapshotThenEvents(t *testing.T) {
	srv, coord := newServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/canvases/c1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(DefaultUserHeader, "observer")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	name, data := readSSE(t, reader)
	if name != "snapshot" {
		t.Fatalf("first event %q, want snapshot", name)
	}
	var snap SnapshotFrame
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Members) != 1 || snap.Members[0].User != "observer" {
		t.Fatalf("snapshot members %+v", snap.Members)
	}

	if _, err := coord.Acquire(context.Background(), lock.TileKey{Canvas: "c1", X: 5, Y: 6}, "alice", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for {
		name, data = readSSE(t, reader)
		if name != "event" {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind == "tile_locked" {
			break
		}
	}
}

// readSSE consumes one server-sent event and returns its name and data
// line, skipping keepalive comments.
func readSSE(t *testing.T, reader *bufio.Reader) (string, []byte) {
	t.Helper()
	var name string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && data != nil:
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	alice := dialWS(t, srv, "c1", "alice")
	readFrame(t, alice)

	resp := doJSON(t, srv, http.MethodGet, "/v1/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var stats struct {
		Canvases int `json:"canvases"`
		Members  int `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Canvases != 1 || stats.Members != 1 {
		t.Fatalf("stats %+v", stats)
	}
}
