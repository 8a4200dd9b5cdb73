package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestStartHTTP_AddressInUse(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done, err := startHTTP(context.Background(), ln.Addr().String(), http.NotFoundHandler())
	if err == nil {
		t.Fatal("expected bind error for an occupied port")
	}
	if done != nil {
		t.Error("expected no result channel on bind failure")
	}
}

func TestStartHTTP_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	// Reserve a free port, then release it for the server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, err := startHTTP(ctx, addr, handler)
	if err != nil {
		t.Fatalf("startHTTP: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve result = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("HTTP server did not stop after cancel")
	}
}
