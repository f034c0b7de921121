package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
)

// ValidateFlags rejects flag combinations the endpoint cannot serve.
func ValidateFlags(flags uint8) error {
	if flags&FlagEncrypted != 0 {
		return ErrUnsupportedFrameFlags
	}
	return nil
}

// DecodeFrameBody validates flags and returns the plain message bytes.
// Compressed bodies are gunzipped with output capped at MaxFrameBody.
func DecodeFrameBody(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("protocol: nil frame")
	}
	if err := ValidateFlags(f.Flags); err != nil {
		return nil, err
	}
	if f.Flags&FlagCompressed == 0 {
		return f.Body, nil
	}
	return gunzip(f.Body, MaxFrameBody)
}

// EncodeFrameBody validates flags and returns the body to place in a frame.
func EncodeFrameBody(flags uint8, body []byte) (uint8, []byte, error) {
	if err := ValidateFlags(flags); err != nil {
		return 0, nil, err
	}
	if flags&FlagCompressed == 0 {
		return flags, body, nil
	}
	out, err := gzipBytes(body)
	if err != nil {
		return 0, nil, err
	}
	return flags, out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte, limit int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
