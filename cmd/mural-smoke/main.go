// Command mural-smoke starts a coordinator with its HTTP surface and
// drives one WebSocket painter and one REST painter through a short
// scripted session. It exits non-zero if any step misbehaves.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-mural/v1/presets"
	"github.com/mirkobrombin/go-mural/v1/realtime"
)

var listenAddr = flag.String("addr", "127.0.0.1:0", "Address to bind the smoke server on")

type frame struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Token string `json:"token"`
	Event struct {
		Kind string `json:"kind"`
	} `json:"event"`
}

func main() {
	flag.Parse()

	coord := presets.NewStandalone()
	defer coord.Close()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	go func() {
		_ = http.Serve(ln, realtime.NewHandler(coord))
	}()
	base := ln.Addr().String()
	log.Printf("smoke server on %s", base)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/v1/canvases/smoke/ws?user=ws-painter", nil)
	if err != nil {
		log.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	if f := readFrame(conn); f.Type != "snapshot" {
		log.Fatalf("first ws frame %q, want snapshot", f.Type)
	}
	log.Println("ws painter joined, snapshot received")

	token := restAcquire(base)
	log.Println("rest painter acquired 0,0")

	awaitEvent(conn, "tile_locked")
	log.Println("ws painter observed the lock")

	restCommit(base, token)
	awaitEvent(conn, "tile_updated")
	awaitEvent(conn, "tile_released")
	log.Println("ws painter observed commit and release")

	if err := conn.WriteJSON(realtime.Command{Op: "acquire", X: 1, Y: 1}); err != nil {
		log.Fatalf("ws acquire: %v", err)
	}
	res := awaitResult(conn, "acquire")
	if !res.OK || res.Token == "" {
		log.Fatalf("ws acquire reply %+v", res)
	}
	log.Println("ws painter acquired 1,1")

	log.Println("smoke OK")
}

func readFrame(conn *websocket.Conn) frame {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		log.Fatalf("ws read: %v", err)
	}
	return f
}

func awaitEvent(conn *websocket.Conn, kind string) {
	for i := 0; i < 20; i++ {
		f := readFrame(conn)
		if f.Type == "event" && f.Event.Kind == kind {
			return
		}
	}
	log.Fatalf("never saw %s", kind)
}

func awaitResult(conn *websocket.Conn, op string) frame {
	for i := 0; i < 20; i++ {
		f := readFrame(conn)
		if f.Type == "result" && f.Op == op {
			return f
		}
	}
	log.Fatalf("never saw %s result", op)
	return frame{}
}

func restAcquire(base string) string {
	req, err := http.NewRequest(http.MethodPost, "http://"+base+"/v1/canvases/smoke/tiles/0/0/acquire", nil)
	if err != nil {
		log.Fatalf("acquire request: %v", err)
	}
	req.Header.Set(realtime.DefaultUserHeader, "rest-painter")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("acquire: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("acquire status %d", resp.StatusCode)
	}
	var grant struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		log.Fatalf("decode grant: %v", err)
	}
	return grant.Token
}

func restCommit(base string, token string) {
	body, err := json.Marshal(map[string]any{
		"token":  token,
		"pixels": []byte{1, 2, 3, 4},
	})
	if err != nil {
		log.Fatalf("marshal commit: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("http://%s/v1/canvases/smoke/tiles/0/0", base), bytes.NewReader(body))
	if err != nil {
		log.Fatalf("commit request: %v", err)
	}
	req.Header.Set(realtime.DefaultUserHeader, "rest-painter")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("commit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		log.Fatalf("commit status %d", resp.StatusCode)
	}
}
