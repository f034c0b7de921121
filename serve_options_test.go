package ocppgate

import (
	"testing"
	"time"
)

func TestNextAcceptBackoff(t *testing.T) {
	cases := []struct {
		cur, want time.Duration
	}{
		{minAcceptBackoff, 10 * time.Millisecond},
		{10 * time.Millisecond, 20 * time.Millisecond},
		{800 * time.Millisecond, maxAcceptBackoff},
		{maxAcceptBackoff, maxAcceptBackoff},
	}
	for _, tc := range cases {
		if got := nextAcceptBackoff(tc.cur); got != tc.want {
			t.Fatalf("nextAcceptBackoff(%s) = %s, want %s", tc.cur, got, tc.want)
		}
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := []struct {
		name string
		addr string
		opts []ServeOption
		want string
	}{
		{name: "explicit wins", addr: "127.0.0.1:1234", opts: []ServeOption{WithAddr(":7000")}, want: "127.0.0.1:1234"},
		{name: "default", want: DefaultAddr},
		{name: "option", opts: []ServeOption{WithAddr("0.0.0.0:7777")}, want: "0.0.0.0:7777"},
		{name: "nil option ignored", opts: []ServeOption{nil}, want: DefaultAddr},
	}
	for _, tc := range cases {
		if got := normalizeAddr(tc.addr, tc.opts); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestServeConfigDefaultsAndOptions(t *testing.T) {
	cfg := newServeConfig(nil)
	if cfg.idleTimeout != DefaultIdleTimeout || cfg.writeTimeout != DefaultWriteTimeout {
		t.Fatalf("unexpected default timeouts %s/%s", cfg.idleTimeout, cfg.writeTimeout)
	}
	if cfg.limits != DefaultConnLimits() || cfg.log == nil || cfg.validator != nil {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	limits := ConnLimits{MaxBuffer: 1024, InitialTokens: 1, Rate: 1, Burst: 1}
	cfg = newServeConfig([]ServeOption{
		WithIdleTimeout(0),
		WithWriteTimeout(time.Second),
		WithConnLimits(limits),
		WithLogger(nil),
	})
	if cfg.idleTimeout != 0 || cfg.writeTimeout != time.Second || cfg.limits != limits {
		t.Fatalf("options not applied: %+v", cfg)
	}
	if cfg.log == nil {
		t.Fatalf("a nil logger must fall back to a no-op logger")
	}
}
