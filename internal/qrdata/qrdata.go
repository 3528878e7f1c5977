// Package qrdata renders pairing payloads as PNG QR codes wrapped in data URLs
// that a browser can display directly in an <img> tag.
package qrdata

import (
	"context"
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const dataURLPrefix = "data:image/png;base64,"

// DefaultSize is the edge length in pixels of rendered codes.
const DefaultSize = 256

// Encoder turns pairing payloads into data URLs.
type Encoder struct {
	size  int
	level qrcode.RecoveryLevel
}

// New returns an Encoder producing size×size images. Non-positive sizes use
// DefaultSize.
func New(size int) *Encoder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Encoder{size: size, level: qrcode.Medium}
}

// Encode renders payload. The context is checked before the CPU-bound render
// so cancelled requests do not pay for it.
func (e *Encoder) Encode(ctx context.Context, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if payload == "" {
		return "", fmt.Errorf("qrdata: empty payload")
	}
	png, err := qrcode.Encode(payload, e.level, e.size)
	if err != nil {
		return "", fmt.Errorf("qrdata: encode: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
