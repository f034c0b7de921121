package ocppgate

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gogogo1024/ocppgate/protocol"
)

// serveOne accepts a single TCP connection and serves it with r.
func serveOne(t *testing.T, r *Router) net.Conn {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = handleConn(context.Background(), conn, r, 5*time.Second, 5*time.Second)
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHandleConn_CallResult(t *testing.T) {
	r, p := newEchoRouter(t)
	client := serveOne(t, r)

	writeMessage(t, client, 0, dataTransfer(t, "id-42", "ping"))

	reply, _, err := readMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != protocol.TypeCallResult || reply.UniqueID != "id-42" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if got := payloadField(t, reply, "data"); got != "ping" {
		t.Fatalf("data: got %q, want ping", got)
	}

	waitPosts(t, p, []string{"ping"})
}

func TestHandleConn_CallErrorFromHandler(t *testing.T) {
	r, p := newEchoRouter(t)
	client := serveOne(t, r)

	replies := newFrameReader(client)
	writeMessage(t, client, 0, dataTransfer(t, "id-err", "fail"))

	reply, _, err := replies.next(2 * time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != protocol.TypeCallError || reply.ErrorCode != protocol.GenericError {
		t.Fatalf("expected GenericError CALLERROR, got %+v", reply)
	}
	if reply.UniqueID != "id-err" {
		t.Fatalf("unique id: got %q", reply.UniqueID)
	}

	// A later request is still served and the failed one never ran its post.
	writeMessage(t, client, 0, dataTransfer(t, "id-ok", "ok"))
	if _, _, err := replies.next(2 * time.Second); err != nil {
		t.Fatalf("read second reply: %v", err)
	}
	waitPosts(t, p, []string{"ok"})
}

func TestHandleConn_NotImplemented(t *testing.T) {
	r, _ := newEchoRouter(t)
	client := serveOne(t, r)

	call, err := protocol.NewCall(protocol.ActionHeartbeat, map[string]any{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	writeMessage(t, client, 0, call)

	reply, _, err := readMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != protocol.TypeCallError || reply.ErrorCode != protocol.NotImplemented {
		t.Fatalf("expected NotImplemented, got %+v", reply)
	}
	if reply.UniqueID != call.UniqueID {
		t.Fatalf("unique id: got %q, want %q", reply.UniqueID, call.UniqueID)
	}
	if !strings.Contains(reply.ErrorDescription, "Heartbeat") {
		t.Fatalf("description should name the action, got %q", reply.ErrorDescription)
	}
}

func TestHandleConn_OneWayNoResponse(t *testing.T) {
	r, p := newEchoRouter(t)
	client := serveOne(t, r)

	writeMessage(t, client, protocol.FlagOneWay, dataTransfer(t, "ow-1", "quiet"))
	writeMessage(t, client, 0, dataTransfer(t, "rr-1", "loud"))

	// The first reply on the wire belongs to the second request.
	reply, _, err := readMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.UniqueID != "rr-1" {
		t.Fatalf("expected reply to rr-1, got %q", reply.UniqueID)
	}
	waitPosts(t, p, []string{"quiet", "loud"})
}

func TestHandleConn_CompressedRoundTrip(t *testing.T) {
	r, _ := newEchoRouter(t)
	client := serveOne(t, r)

	big := strings.Repeat("compress-me ", 200)
	writeMessage(t, client, protocol.FlagCompressed, dataTransfer(t, "gz-1", big))

	reply, frame, err := readMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frame.Flags&protocol.FlagCompressed == 0 {
		t.Fatalf("expected compressed reply, flags=%#x", frame.Flags)
	}
	if got := payloadField(t, reply, "data"); got != big {
		t.Fatalf("payload mismatch after decompression")
	}
}

func TestHandleConn_SequentialRequestsInOrder(t *testing.T) {
	r, p := newEchoRouter(t)
	client := serveOne(t, r)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		writeMessage(t, client, 0, dataTransfer(t, id, id))
	}

	replies := newFrameReader(client)
	var got []string
	for range ids {
		reply, _, err := replies.next(2 * time.Second)
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		got = append(got, reply.UniqueID)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Fatalf("reply order mismatch (-want +got):\n%s", diff)
	}
	waitPosts(t, p, ids)
}

func TestHandleConn_MalformedMessageDropped(t *testing.T) {
	r, _ := newEchoRouter(t)
	client := serveOne(t, r)

	bad, err := protocol.Encode(&protocol.Frame{Body: []byte(`{"not":"an array"}`)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := client.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeMessage(t, client, 0, dataTransfer(t, "after-bad", "x"))

	reply, _, err := readMessage(client, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.UniqueID != "after-bad" {
		t.Fatalf("expected the connection to survive a malformed message, got %+v", reply)
	}
}

func TestHandleConn_OverlongUniqueIDDropped(t *testing.T) {
	r, p := newEchoRouter(t)
	client := serveOne(t, r)
	replies := newFrameReader(client)

	writeMessage(t, client, 0, dataTransfer(t, "ok-1", "first"))
	if reply, _, err := replies.next(2 * time.Second); err != nil || reply.UniqueID != "ok-1" {
		t.Fatalf("first reply: %+v, %v", reply, err)
	}

	long := dataTransfer(t, strings.Repeat("x", protocol.MaxUniqueIDLen+4), "never")
	body, err := json.Marshal([]any{long.Type, long.UniqueID, long.Action, long.Payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := protocol.Encode(&protocol.Frame{Body: body})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	writeMessage(t, client, 0, dataTransfer(t, "ok-2", "second"))
	reply, _, err := replies.next(2 * time.Second)
	if err != nil {
		t.Fatalf("expected the connection to survive, got %v", err)
	}
	if reply.UniqueID != "ok-2" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	waitPosts(t, p, []string{"first", "second"})
}

func TestHandleConn_InvalidFrameClosesConn(t *testing.T) {
	r, _ := newEchoRouter(t)
	client := serveOne(t, r)

	if _, err := client.Write([]byte{0xDE, 0xAD, 1, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := readMessage(client, 2*time.Second); err == nil || isTimeoutErr(err) {
		t.Fatalf("expected the server to close the connection, got %v", err)
	}
}

func waitPosts(t *testing.T, p *echoPoint, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := p.Posts()
		if cmp.Equal(want, got) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("post handler runs mismatch (-want +got):\n%s", cmp.Diff(want, got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
