package qrdata

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
)

func TestEncodeProducesPNGDataURL(t *testing.T) {
	url, err := New(128).Encode(context.Background(), "2@ref,noise,adv")
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("unexpected prefix: %.40s", url)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, dataURLPrefix))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("payload is not a PNG: %v", err)
	}
	if want, got := 128, img.Bounds().Dx(); want != got {
		t.Fatalf("image width: want %d got %d", want, got)
	}
}

func TestEncodeRejectsEmptyPayload(t *testing.T) {
	if _, err := New(0).Encode(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestEncodeHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(0).Encode(ctx, "x"); err == nil {
		t.Fatal("expected context error")
	}
}
