package raven

import (
	"context"
	"net"
	"testing"
)

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	conn := NewConnection(context.Background(), server, "mail.example.com", ConnectionLimits{}, 4096)
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func TestConnectionInitialState(t *testing.T) {
	conn, _ := newTestConnection(t)
	if conn.State() != StateConnect {
		t.Errorf("got state %v, want StateConnect", conn.State())
	}
	if conn.IsAuthenticated() {
		t.Error("new connection must not be authenticated")
	}
	if conn.IsTLS() {
		t.Error("new connection must not report TLS")
	}
}

func TestConnectionTransactionLifecycle(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.SetState(StateGreeted)

	mail := conn.BeginTransaction()
	if mail == nil {
		t.Fatal("BeginTransaction returned nil")
	}
	if conn.CurrentMail() != mail {
		t.Error("CurrentMail does not match the transaction just begun")
	}

	conn.SetState(StateRcpt)
	completed := conn.CompleteTransaction()
	if completed != mail {
		t.Error("CompleteTransaction did not return the in-progress mail")
	}
	if conn.CurrentMail() != nil {
		t.Error("CurrentMail must be nil after completion")
	}
	if conn.State() != StateGreeted {
		t.Errorf("got state %v after completion, want StateGreeted", conn.State())
	}
	if conn.Trace.TransactionCount != 1 {
		t.Errorf("got TransactionCount %d, want 1", conn.Trace.TransactionCount)
	}
}

func TestConnectionResetTransaction(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.SetState(StateGreeted)
	conn.BeginTransaction()
	conn.SetState(StateRcpt)

	conn.ResetTransaction()

	if conn.CurrentMail() != nil {
		t.Error("ResetTransaction must clear the current transaction")
	}
	if conn.State() != StateGreeted {
		t.Errorf("got state %v, want StateGreeted", conn.State())
	}
}

func TestConnectionResetTransactionBeforeGreeting(t *testing.T) {
	conn, _ := newTestConnection(t)
	// RSET before EHLO/HELO must not promote the connection past StateConnect.
	conn.ResetTransaction()
	if conn.State() != StateConnect {
		t.Errorf("got state %v, want StateConnect", conn.State())
	}
}

func TestConnectionBDATBuffering(t *testing.T) {
	conn, _ := newTestConnection(t)

	if err := conn.AppendBDATChunk([]byte("hello "), 0); err != nil {
		t.Fatalf("AppendBDATChunk failed: %v", err)
	}
	if err := conn.AppendBDATChunk([]byte("world"), 0); err != nil {
		t.Fatalf("AppendBDATChunk failed: %v", err)
	}
	if got := conn.BDATBufferSize(); got != 11 {
		t.Errorf("got buffer size %d, want 11", got)
	}

	data := conn.ConsumeBDATBuffer()
	if string(data) != "hello world" {
		t.Errorf("got %q, want %q", data, "hello world")
	}
	if conn.BDATBufferSize() != 0 {
		t.Error("buffer must be empty after Consume")
	}
}

func TestConnectionBDATChunkExceedsLimit(t *testing.T) {
	conn, _ := newTestConnection(t)

	if err := conn.AppendBDATChunk(make([]byte, 10), 10); err != nil {
		t.Fatalf("first chunk at the limit should succeed: %v", err)
	}
	if err := conn.AppendBDATChunk([]byte("x"), 10); err != ErrMessageTooLarge {
		t.Errorf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestConnectionAuthentication(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.SetAuthenticated("PLAIN", "alice")

	if !conn.IsAuthenticated() {
		t.Fatal("expected IsAuthenticated to be true")
	}
	if conn.Auth.Identity != "alice" || conn.Auth.Mechanism != "PLAIN" {
		t.Errorf("got Auth=%+v", conn.Auth)
	}
}

func TestConnectionExtensions(t *testing.T) {
	conn, _ := newTestConnection(t)

	if conn.HasExtension(ExtSTARTTLS) {
		t.Error("unset extension must not be reported as present")
	}
	conn.SetExtension(ExtSTARTTLS, "")
	if !conn.HasExtension(ExtSTARTTLS) {
		t.Error("expected extension to be present after SetExtension")
	}
}

func TestConnectionRemoteAddrFallsBackToRealPeer(t *testing.T) {
	conn, _ := newTestConnection(t)

	if conn.RemoteAddr() != conn.RealRemoteAddr() {
		t.Error("RemoteAddr must equal RealRemoteAddr with no PROXY declaration")
	}

	declared := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321}
	conn.SetDeclaredRemoteAddr(declared)

	if conn.RemoteAddr().String() != declared.String() {
		t.Errorf("got %v, want %v", conn.RemoteAddr(), declared)
	}
	if conn.RealRemoteAddr().String() == declared.String() {
		t.Error("RealRemoteAddr must not be overwritten by a PROXY declaration")
	}
	if conn.Trace.RemoteAddr.String() != declared.String() {
		t.Error("Trace.RemoteAddr must reflect the declared proxied address")
	}
}

func TestConnectionQuitRequested(t *testing.T) {
	conn, _ := newTestConnection(t)
	if conn.QuitRequested() {
		t.Error("new connection must not have quit requested")
	}
	conn.RequestQuit()
	if !conn.QuitRequested() {
		t.Error("expected QuitRequested to be true after RequestQuit")
	}
}

func TestConnectionErrorCount(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.RecordError(ErrInvalidCommand)
	conn.RecordError(ErrInvalidCommand)
	if got := conn.ErrorCount(); got != 2 {
		t.Errorf("got ErrorCount %d, want 2", got)
	}
}
