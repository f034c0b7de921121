package ocppgate

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/protocol"
)

var (
	ErrNilRouter           = errors.New("ocppgate: nil router")
	ErrBufferQuotaExceeded = errors.New("ocppgate: connection buffer quota exceeded")
	ErrRateLimited         = errors.New("ocppgate: rate limit exceeded")
)

// HandleConn serves one charge point connection with the default timeouts.
// It returns nil when the peer disconnects or stays idle too long.
func HandleConn(ctx context.Context, conn net.Conn, router *Router) error {
	return handleConn(ctx, conn, router, DefaultIdleTimeout, DefaultWriteTimeout)
}

func handleConn(ctx context.Context, conn net.Conn, router *Router, idleTimeout, writeTimeout time.Duration) error {
	if router == nil {
		return ErrNilRouter
	}

	state := &connHandlerState{
		cc:           NewConnContextWithLimits(router.limits),
		buf:          make([]byte, 0, 8*1024),
		tmp:          make([]byte, 4*1024),
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
	defer func() { state.cc.Release(len(state.buf)) }()

	for {
		if err := readIntoBuffer(conn, state); err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := processBufferedFrames(ctx, conn, state, router); err != nil {
			return err
		}
	}
}

type connHandlerState struct {
	cc  *ConnContext
	buf []byte
	tmp []byte

	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func readIntoBuffer(conn net.Conn, state *connHandlerState) error {
	if state.idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(state.idleTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	n, err := conn.Read(state.tmp)
	if n > 0 {
		if !state.cc.Reserve(n) {
			return ErrBufferQuotaExceeded
		}
		state.buf = append(state.buf, state.tmp[:n]...)
	}
	return err
}

func processBufferedFrames(ctx context.Context, conn net.Conn, state *connHandlerState, router *Router) error {
	consumed := 0

	for {
		frame, frameLen, err := protocol.Decode(state.buf[consumed:])
		if err != nil {
			return err
		}
		if frame == nil {
			break
		}

		if err := handleFrame(ctx, conn, state, router, frame); err != nil {
			return err
		}
		consumed += frameLen
	}

	if consumed > 0 {
		state.cc.Release(consumed)
		copy(state.buf, state.buf[consumed:])
		state.buf = state.buf[:len(state.buf)-consumed]
	}
	return nil
}

// handleFrame dispatches one frame. The reply is written before the post
// handler runs; one-way frames get no reply.
func handleFrame(ctx context.Context, conn net.Conn, state *connHandlerState, router *Router, frame *protocol.Frame) error {
	oneWay := (frame.Flags & protocol.FlagOneWay) != 0

	if !state.cc.Allow() {
		return ErrRateLimited
	}

	msg, err := protocol.DecodeMessageFrame(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedMessage) {
			router.log.Warn("dropping malformed message", zap.Error(err))
			return nil
		}
		return err
	}

	reply, post := router.Dispatch(ctx, msg)
	if reply != nil && !oneWay {
		out, err := protocol.EncodeMessageFrame(frame.Flags&protocol.FlagCompressed, reply)
		if err != nil {
			return err
		}
		if err := writeAll(conn, out, state.writeTimeout); err != nil {
			return err
		}
	}
	if post != nil {
		post(ctx)
	}
	return nil
}

// writeAll writes data under a deadline of timeout and always clears the
// write deadline afterwards. A zero timeout writes without a deadline.
func writeAll(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
