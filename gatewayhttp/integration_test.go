package gatewayhttp_test

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate/filestate"
	"github.com/ggoodman/wa-gateway-go/protocol/loopback"
	"github.com/ggoodman/wa-gateway-go/sessions"
)

func newLoopbackController(t *testing.T, dir string, timeout time.Duration, opts ...loopback.Option) *sessions.Controller {
	t.Helper()
	store, err := filestate.New(dir)
	if err != nil {
		t.Fatalf("filestate.New() failed: %v", err)
	}
	ctrl, err := sessions.NewController(store, loopback.New(opts...), sessions.WithTimeout(timeout))
	if err != nil {
		t.Fatalf("NewController() failed: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func TestEndToEndPairing(t *testing.T) {
	dir := t.TempDir()
	ctrl := newLoopbackController(t, dir, 5*time.Second,
		loopback.WithPairDelay(50*time.Millisecond),
		loopback.WithIdentityFunc(func() string { return "5511999999999" }),
	)
	srv := mustServer(t, ctrl)

	resp, body := do(t, srv, http.MethodPost, "/session/start", secretHeaders("u1"), "")
	if resp.StatusCode != http.StatusOK || body.Status != "qr" {
		t.Fatalf("unexpected start reply %d %+v", resp.StatusCode, body)
	}
	if !strings.HasPrefix(body.DataURL, "data:image/png;base64,") {
		t.Fatalf("unexpected data url prefix %.40q", body.DataURL)
	}

	// Pairing completes in the background after the reply.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, st := do(t, srv, http.MethodGet, "/session/status", secretHeaders("u1"), "")
		if st.Status == "connected" {
			if st.Phone != "5511999999999" {
				t.Fatalf("unexpected phone %q", st.Phone)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never connected")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(dir, "u1", "creds.json")); err != nil {
		t.Fatalf("credentials were not persisted under the user directory: %v", err)
	}

	resp, body = do(t, srv, http.MethodPost, "/session/logout", secretHeaders("u1"), "")
	if resp.StatusCode != http.StatusOK || !body.OK {
		t.Fatalf("unexpected logout reply %d %+v", resp.StatusCode, body)
	}
	_, st := do(t, srv, http.MethodGet, "/session/status", secretHeaders("u1"), "")
	if st.Status != "disconnected" {
		t.Fatalf("want disconnected after logout, got %+v", st)
	}
}

func TestEndToEndResume(t *testing.T) {
	dir := t.TempDir()
	first := newLoopbackController(t, dir, 5*time.Second,
		loopback.WithPairDelay(10*time.Millisecond),
		loopback.WithIdentityFunc(func() string { return "5511888888888" }),
	)
	srv := mustServer(t, first)
	if resp, _ := do(t, srv, http.MethodPost, "/session/start", secretHeaders("u1"), ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first start failed: %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for first.Status("u1").Phone == "" {
		if time.Now().After(deadline) {
			t.Fatalf("first session never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Simulate a restart: Close keeps credentials valid.
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	second := newLoopbackController(t, dir, 5*time.Second)
	srv2 := mustServer(t, second)
	resp, body := do(t, srv2, http.MethodPost, "/session/start", secretHeaders("u1"), "")
	if resp.StatusCode != http.StatusOK || body.Status != "connected" || body.Phone != "5511888888888" {
		t.Fatalf("resume should connect without pairing, got %d %+v", resp.StatusCode, body)
	}
}

func TestEndToEndTimeout(t *testing.T) {
	ctrl := newLoopbackController(t, t.TempDir(), 50*time.Millisecond, loopback.WithCodeDelay(time.Hour))
	srv := mustServer(t, ctrl)

	start := time.Now()
	resp, body := do(t, srv, http.MethodPost, "/session/start", secretHeaders("u1"), "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("want 504 got %d", resp.StatusCode)
	}
	if body.OK || body.Message != "timeout waiting QR/connection" {
		t.Fatalf("unexpected body %+v", body)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("replied before the deadline")
	}
	if _, ok := ctrl.Registry().Get("u1"); !ok {
		t.Fatalf("timed-out attempt should stay registered")
	}
}

func TestEndToEndUnauthorizedDoesNotRegister(t *testing.T) {
	ctrl := newLoopbackController(t, t.TempDir(), time.Second)
	srv := mustServer(t, ctrl)

	hdr := map[string]string{"x-wa-secret": "nope", "x-user-id": "u1"}
	if resp, _ := do(t, srv, http.MethodPost, "/session/start", hdr, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", resp.StatusCode)
	}
	if ctrl.Registry().Len() != 0 {
		t.Fatalf("unauthorized start must not register a session")
	}
}
