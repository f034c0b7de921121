package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	in := &Frame{
		// Version=0 means Encode() should default to FrameVersion.
		Flags: FlagOneWay,
		Body:  []byte("hello"),
	}

	wire, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	out, n, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(wire))
	}
	if out == nil {
		t.Fatalf("Decode returned nil frame")
	}
	if out.Version != FrameVersion {
		t.Fatalf("Version=%d, want %d", out.Version, FrameVersion)
	}
	if out.Flags != in.Flags {
		t.Fatalf("Flags=0x%02X, want 0x%02X", out.Flags, in.Flags)
	}
	if !bytes.Equal(out.Body, in.Body) {
		t.Fatalf("Body mismatch: got %q, want %q", out.Body, in.Body)
	}
}

func TestDecodeIncompleteFrameWaitsForMore(t *testing.T) {
	wire, err := Encode(&Frame{Body: []byte("partial")})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	f, n, err := Decode(wire[:len(wire)-2])
	if err != nil || f != nil || n != 0 {
		t.Fatalf("expected (nil, 0, nil) for a partial frame, got (%v, %d, %v)", f, n, err)
	}
}

func TestFrameMagicValidation(t *testing.T) {
	buf := make([]byte, FrameHeaderLen+5)
	copy(buf[0:2], []byte{0xDE, 0xAD})
	buf[2] = FrameVersion
	copy(buf[4:8], []byte{0x00, 0x00, 0x00, 0x05})

	_, _, err := Decode(buf)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestFrameVersionValidation(t *testing.T) {
	buf := make([]byte, FrameHeaderLen+5)
	copy(buf[0:2], []byte{0xCA, 0xFE})
	buf[2] = 99
	copy(buf[4:8], []byte{0x00, 0x00, 0x00, 0x05})

	_, _, err := Decode(buf)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestFrameLengthLimit(t *testing.T) {
	buf := make([]byte, FrameHeaderLen)
	copy(buf[0:2], []byte{0xCA, 0xFE})
	buf[2] = FrameVersion
	oversize := MaxFrameBody + 1
	copy(buf[4:8], []byte{
		byte((oversize >> 24) & 0xFF),
		byte((oversize >> 16) & 0xFF),
		byte((oversize >> 8) & 0xFF),
		byte(oversize & 0xFF),
	})

	_, _, err := Decode(buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCompressedFlagRoundTrip(t *testing.T) {
	original := []byte(`[2,"1","Heartbeat",{}]`)

	flags, encoded, err := EncodeFrameBody(FlagCompressed|FlagOneWay, original)
	if err != nil {
		t.Fatalf("EncodeFrameBody error: %v", err)
	}
	if flags&FlagCompressed == 0 || flags&FlagOneWay == 0 {
		t.Fatalf("flags not preserved: 0x%02X", flags)
	}

	decoded, err := DecodeFrameBody(&Frame{Flags: flags, Body: encoded})
	if err != nil {
		t.Fatalf("DecodeFrameBody error: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Fatalf("decoded body mismatch: got %q, want %q", decoded, original)
	}
}

func TestEncryptedFlagRejection(t *testing.T) {
	if err := ValidateFlags(FlagEncrypted); !errors.Is(err, ErrUnsupportedFrameFlags) {
		t.Fatalf("expected ErrUnsupportedFrameFlags, got %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	in, err := NewCall(ActionBootNotification, map[string]string{"chargePointVendor": "acme"})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	if in.UniqueID == "" || len(in.UniqueID) > MaxUniqueIDLen {
		t.Fatalf("bad unique id %q", in.UniqueID)
	}

	wire, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	out, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out.Type != TypeCall || out.UniqueID != in.UniqueID || out.Action != ActionBootNotification {
		t.Fatalf("unexpected call: %+v", out)
	}
	var payload map[string]string
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["chargePointVendor"] != "acme" {
		t.Fatalf("payload mismatch: %v", payload)
	}
}

func TestCallResultNilPayloadIsEmptyObject(t *testing.T) {
	m, err := NewCallResult("abc", nil)
	if err != nil {
		t.Fatalf("NewCallResult: %v", err)
	}
	wire, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if string(wire) != `[3,"abc",{}]` {
		t.Fatalf("wire=%s", wire)
	}
}

func TestCallErrorWire(t *testing.T) {
	m := NewCallErrorMessage("42", NewCallError(NotImplemented, "No handler for %s registered.", ActionReset))
	wire, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	want := `[4,"42","NotImplemented","No handler for Reset registered.",{}]`
	if string(wire) != want {
		t.Fatalf("wire=%s, want %s", wire, want)
	}

	out, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out.ErrorCode != NotImplemented || out.ErrorDescription != "No handler for Reset registered." {
		t.Fatalf("unexpected call error: %+v", out)
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	cases := []string{
		`{}`,
		`[2,"1"]`,
		`[2,"1","Heartbeat"]`,
		`[2,"","Heartbeat",{}]`,
		`[2,"1","",{}]`,
		`[3,"1",{},{}]`,
		`[9,"1",{}]`,
		`[2,"` + strings.Repeat("x", MaxUniqueIDLen+1) + `","Heartbeat",{}]`,
	}
	for _, c := range cases {
		if _, err := DecodeMessage([]byte(c)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("DecodeMessage(%s): expected ErrMalformedMessage, got %v", c, err)
		}
	}
}

func TestDecodeMessageAcceptsLongestUniqueID(t *testing.T) {
	id := strings.Repeat("x", MaxUniqueIDLen)
	m, err := DecodeMessage([]byte(`[2,"` + id + `","Heartbeat",{}]`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	reply, err := NewCallResult(m.UniqueID, nil)
	if err != nil {
		t.Fatalf("NewCallResult: %v", err)
	}
	if _, err := EncodeMessage(reply); err != nil {
		t.Fatalf("a decodable id must be answerable: %v", err)
	}
}

func TestMessageFrameRoundTrip(t *testing.T) {
	in, _ := NewCall(ActionHeartbeat, nil)
	wire, err := EncodeMessageFrame(FlagCompressed, in)
	if err != nil {
		t.Fatalf("EncodeMessageFrame: %v", err)
	}
	f, _, err := Decode(wire)
	if err != nil || f == nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := DecodeMessageFrame(f)
	if err != nil {
		t.Fatalf("DecodeMessageFrame: %v", err)
	}
	if out.UniqueID != in.UniqueID || out.Action != ActionHeartbeat {
		t.Fatalf("unexpected message: %+v", out)
	}
}

func TestParseActionStrictMode(t *testing.T) {
	SetStrictActions(true)
	defer SetStrictActions(false)

	if _, err := ParseAction("BootNotification"); err != nil {
		t.Fatalf("ParseAction known: %v", err)
	}
	if _, err := ParseAction("FlyToTheMoon"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	vendor := RegisterAction("VendorPing")
	if _, err := ParseAction("VendorPing"); err != nil {
		t.Fatalf("ParseAction registered vendor action: %v", err)
	}
	if !IsKnownAction(vendor) {
		t.Fatalf("expected %s to be known", vendor)
	}
}

func TestAsCallError(t *testing.T) {
	if AsCallError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	ce := AsCallError(errors.New("boom"))
	if ce.Code != InternalError || ce.Description != "boom" {
		t.Fatalf("unexpected mapping: %+v", ce)
	}
	wrapped := AsCallError(errors.Join(errors.New("ctx"), NewCallError(SecurityError, "denied")))
	if wrapped.Code != SecurityError {
		t.Fatalf("expected SecurityError, got %s", wrapped.Code)
	}
}
