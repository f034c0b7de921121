package ocppgate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gogogo1024/ocppgate/protocol"
	"github.com/gogogo1024/ocppgate/routing"
)

// echoPoint answers DataTransfer with the received fields and records post
// handler runs.
type echoPoint struct {
	mu    sync.Mutex
	posts []string
}

func (p *echoPoint) Echo(ctx context.Context, f routing.Fields) (any, error) {
	if v, _ := f.String("data"); v == "fail" {
		return nil, protocol.NewCallError(protocol.GenericError, "asked to fail")
	}
	return f, nil
}

func (p *echoPoint) AfterEcho(ctx context.Context, f routing.Fields) error {
	v, _ := f.String("data")
	p.mu.Lock()
	p.posts = append(p.posts, v)
	p.mu.Unlock()
	return nil
}

func (p *echoPoint) Posts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

func newEchoRouter(t *testing.T) (*Router, *echoPoint) {
	t.Helper()
	p := &echoPoint{}
	routes, err := routing.Build(p,
		routing.On(protocol.ActionDataTransfer, (*echoPoint).Echo),
		routing.After(protocol.ActionDataTransfer, (*echoPoint).AfterEcho),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return NewRouter(routes, nil), p
}

func dataTransfer(t *testing.T, id, data string) *protocol.Message {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"vendorId": "acme", "data": data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &protocol.Message{Type: protocol.TypeCall, UniqueID: id, Action: protocol.ActionDataTransfer, Payload: payload}
}

func writeMessage(t *testing.T, conn net.Conn, flags uint8, m *protocol.Message) {
	t.Helper()
	out, err := protocol.EncodeMessageFrame(flags, m)
	if err != nil {
		t.Fatalf("EncodeMessageFrame: %v", err)
	}
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// frameReader reads framed messages from one connection. Bytes past the
// first complete frame stay buffered for the next call.
type frameReader struct {
	conn net.Conn
	buf  []byte
	tmp  []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn, tmp: make([]byte, 1024)}
}

func (fr *frameReader) next(timeout time.Duration) (*protocol.Message, *protocol.Frame, error) {
	_ = fr.conn.SetReadDeadline(time.Now().Add(timeout))
	defer fr.conn.SetReadDeadline(time.Time{})

	for {
		frame, n, err := protocol.Decode(fr.buf)
		if err != nil {
			return nil, nil, err
		}
		if frame != nil {
			fr.buf = fr.buf[n:]
			m, err := protocol.DecodeMessageFrame(frame)
			return m, frame, err
		}
		n, err = fr.conn.Read(fr.tmp)
		fr.buf = append(fr.buf, fr.tmp[:n]...)
		if err != nil {
			if n > 0 {
				continue
			}
			return nil, nil, err
		}
	}
}

// readMessage reads one framed message from conn. Tests expecting several
// replies on a connection share a frameReader instead.
func readMessage(conn net.Conn, timeout time.Duration) (*protocol.Message, *protocol.Frame, error) {
	return newFrameReader(conn).next(timeout)
}

func payloadField(t *testing.T, m *protocol.Message, key string) string {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		t.Fatalf("decode payload %s: %v", m.Payload, err)
	}
	s, _ := fields[key].(string)
	return s
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
