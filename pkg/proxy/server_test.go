package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gamers-united/magma/pkg/routes"
)

// mockBackend accepts one connection, captures everything the proxy
// sends, and optionally writes a scripted response first.
type mockBackend struct {
	ln       net.Listener
	response []byte
	received chan []byte
}

func newMockBackend(t *testing.T, response []byte) *mockBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	b := &mockBackend{ln: ln, response: response, received: make(chan []byte, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if len(b.response) > 0 {
			conn.Write(b.response)
		}
		data, _ := io.ReadAll(conn)
		b.received <- data
	}()
	return b
}

func (b *mockBackend) addr() string {
	return b.ln.Addr().String()
}

func (b *mockBackend) waitReceived(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-b.received:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for backend data")
		return nil
	}
}

func startServer(t *testing.T, table routes.Resolver, denyCIDRs ...string) *Server {
	t.Helper()

	srv, err := NewServer(Options{
		Addr:      "127.0.0.1:0",
		Routes:    table,
		DenyCIDRs: denyCIDRs,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialProxy(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerRoutesNettyHandshakeByTag(t *testing.T) {
	backend := newMockBackend(t, nil)
	store, _ := routes.NewMemoryStore("N754=" + backend.addr())
	srv := startServer(t, routes.NewTable(store, "127.0.0.1:1"))

	conn := dialProxy(t, srv)
	sent := []byte{
		0x10, 0x00, 0xF2, 0x05,
		0x09, 0x6C, 0x6F, 0x63, 0x61, 0x6C, 0x68, 0x6F, 0x73, 0x74,
		0x63, 0xDD, 0x01,
	}
	if _, err := conn.Write(sent); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()

	if got := backend.waitReceived(t); !bytes.Equal(got, sent) {
		t.Fatalf("backend got %x, want %x", got, sent)
	}
}

func TestServerFallsBackToDefaultForUnknown(t *testing.T) {
	fallback := newMockBackend(t, nil)
	store, _ := routes.NewMemoryStore("N754=127.0.0.1:1")
	srv := startServer(t, routes.NewTable(store, fallback.addr()))

	conn := dialProxy(t, srv)
	sent := []byte{0xFF, 0xFF, 0xFF}
	if _, err := conn.Write(sent); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()

	if got := fallback.waitReceived(t); !bytes.Equal(got, sent) {
		t.Fatalf("fallback backend got %x, want %x", got, sent)
	}
}

func TestServerOldHandshakeEndToEnd(t *testing.T) {
	// Backend speaks the legacy dialect: it answers the replayed
	// handshake with its own hash packet, which the proxy must swallow.
	backendReply := []byte{0x02, 0x00, 0x02, 0x00, 0x61, 0x00, 0x62}
	backend := newMockBackend(t, backendReply)
	store, _ := routes.NewMemoryStore("P17=" + backend.addr())
	srv := startServer(t, routes.NewTable(store, "127.0.0.1:1"))

	conn := dialProxy(t, srv)
	prelude := []byte{0x02, 0x00, 0x04, 0x00, 0x68, 0x00, 0x69, 0x00, 0x21, 0x00, 0x21}
	if _, err := conn.Write(prelude); err != nil {
		t.Fatal(err)
	}

	// The proxy answers the handshake itself with the placeholder hash.
	wantSynthetic := []byte{0x02, 0x00, 0x01, 0x00, 0x2D}
	gotSynthetic := make([]byte, len(wantSynthetic))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, gotSynthetic); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotSynthetic, wantSynthetic) {
		t.Fatalf("synthetic reply = %x, want %x", gotSynthetic, wantSynthetic)
	}

	login := []byte{0x01, 0x00, 0x00, 0x00, 0x11}
	if _, err := conn.Write(login); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()

	// The backend must see prelude ++ login and nothing else; its own
	// handshake reply was drained, never reaching the client.
	want := append(append([]byte{}, prelude...), login...)
	if got := backend.waitReceived(t); !bytes.Equal(got, want) {
		t.Fatalf("backend got %x, want %x", got, want)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if extra, _ := io.ReadAll(conn); len(extra) != 0 {
		t.Fatalf("client received unexpected bytes after synthetic reply: %x", extra)
	}
}

func TestServerDropsClientOnDeadBackend(t *testing.T) {
	store, _ := routes.NewMemoryStore("")
	// Port 1 on loopback refuses connections.
	srv := startServer(t, routes.NewTable(store, "127.0.0.1:1"))

	conn := dialProxy(t, srv)
	if _, err := conn.Write([]byte{0xFE, 0x01}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after backend dial failure, got %v", err)
	}
}

func TestServerACLBlocksLoopback(t *testing.T) {
	backend := newMockBackend(t, nil)
	store, _ := routes.NewMemoryStore("")
	srv := startServer(t, routes.NewTable(store, backend.addr()), "127.0.0.0/8")

	// The proxy closes denied clients before reading anything.
	conn := dialProxy(t, srv)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF for denied client, got %v", err)
	}
}

func TestServerFoldsSessionIntoTagTotals(t *testing.T) {
	backend := newMockBackend(t, []byte("PONG"))
	store, _ := routes.NewMemoryStore("PreNettyPost39ListPing=" + backend.addr())
	srv := startServer(t, routes.NewTable(store, "127.0.0.1:1"))

	conn := dialProxy(t, srv)
	conn.Write([]byte{0xFE, 0x01})

	// Read the relayed PONG before half-closing: the relay tears the
	// session down as soon as the client direction ends.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	io.ReadFull(conn, make([]byte, 4))
	conn.(*net.TCPConn).CloseWrite()
	io.ReadAll(conn)
	backend.waitReceived(t)

	// The handler folds the session into the totals as it unwinds.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		totals := srv.Sessions().Totals()
		if tt, ok := totals["PreNettyPost39ListPing"]; ok && tt.Sessions == 1 {
			if tt.Backend != backend.addr() {
				t.Fatalf("totals backend = %q, want %q", tt.Backend, backend.addr())
			}
			if tt.DownloadBytes != 4 {
				t.Fatalf("download bytes = %d, want 4 (PONG)", tt.DownloadBytes)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session totals never recorded for the connection")
}
