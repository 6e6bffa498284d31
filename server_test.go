package raven

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// testClient is a minimal SMTP client used to drive session scenarios
// against a real listening server.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) send(cmd string) {
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("failed to send command %q: %v", cmd, err)
	}
}

func (c *testClient) readLine() string {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return lines
}

func (c *testClient) expectCode(expected int) string {
	line := c.readLine()
	var code int
	fmt.Sscanf(line, "%d", &code)
	if code != expected {
		c.t.Errorf("expected code %d, got response: %s", expected, line)
	}
	return line
}

func (c *testClient) expectMultilineCode(expected int) []string {
	lines := c.readMultiline()
	var code int
	fmt.Sscanf(lines[len(lines)-1], "%d", &code)
	if code != expected {
		c.t.Errorf("expected code %d, got response: %v", expected, lines)
	}
	return lines
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	config.Addr = addr
	if config.Hostname == "" {
		config.Hostname = "test.example.com"
	}
	config.Logger = discardLogger()

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return server, addr
}

func TestBasicSMTPSession(t *testing.T) {
	var received *Mail
	var mu sync.Mutex

	config := ServerConfig{
		Callbacks: &Callbacks{
			OnMessage: func(ctx context.Context, conn *Connection, mail *Mail) error {
				mu.Lock()
				received = mail
				mu.Unlock()
				return nil
			},
		},
	}

	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	if len(lines) < 2 {
		t.Errorf("expected multiple EHLO response lines, got %d", len(lines))
	}

	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)

	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(250)

	client.send("DATA")
	client.expectCode(354)

	client.send("Subject: Test Message")
	client.send("From: sender@example.com")
	client.send("To: recipient@example.com")
	client.send("")
	client.send("This is a test message.")
	client.send(".")
	client.expectCode(250)

	client.send("QUIT")
	client.expectCode(221)

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive mail, got nil")
	}
	if received.Envelope.From.Mailbox.String() != "sender@example.com" {
		t.Errorf("expected from sender@example.com, got %s", received.Envelope.From.Mailbox.String())
	}
	if len(received.Envelope.To) != 1 || received.Envelope.To[0].Address.Mailbox.String() != "recipient@example.com" {
		t.Errorf("unexpected recipients: %+v", received.Envelope.To)
	}
}

func TestHELO(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("HELO client.example.com")
	client.expectCode(250)
	client.send("QUIT")
	client.expectCode(221)
}

func TestRSET(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RSET")
	client.expectCode(250)

	// A bare RCPT TO after RSET must fail: no transaction in progress.
	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(503)
}

func TestMultipleRecipients(t *testing.T) {
	var received *Mail
	var mu sync.Mutex

	config := ServerConfig{
		Callbacks: &Callbacks{
			OnMessage: func(ctx context.Context, conn *Connection, mail *Mail) error {
				mu.Lock()
				received = mail
				mu.Unlock()
				return nil
			},
		},
	}

	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<one@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<two@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.send("Subject: hi")
	client.send("")
	client.send("body")
	client.send(".")
	client.expectCode(250)

	mu.Lock()
	defer mu.Unlock()
	if received == nil || len(received.Envelope.To) != 2 {
		t.Fatalf("expected 2 recipients, got %+v", received)
	}
}

func TestUnknownCommand(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("BOGUS")
	client.expectCode(500)
}

func TestBadSequenceErrors(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("DATA")
	client.expectCode(503)
}

func TestMaxRecipients(t *testing.T) {
	config := ServerConfig{MaxRecipients: 1}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<one@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<two@example.com>")
	client.expectCode(452)
}

func Test8BitMIME(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	found := false
	for _, l := range lines {
		if strings.Contains(l, "8BITMIME") {
			found = true
		}
	}
	if !found {
		t.Error("expected 8BITMIME to be advertised")
	}

	client.send("MAIL FROM:<sender@example.com> BODY=8BITMIME")
	client.expectCode(250)
}

func TestDATARejects8BitDataWithout8BITMIME(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	// No BODY=8BITMIME here, so the transaction stays in 7BIT mode.
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)

	client.send("Subject: café")
	client.send(".")
	client.expectCode(554)
}

func TestSIZEParameterRejected(t *testing.T) {
	config := ServerConfig{MaxMessageSize: 100}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com> SIZE=1000000")
	client.expectCode(552)
}

func TestChunkingBDAT(t *testing.T) {
	var received *Mail
	var mu sync.Mutex

	config := ServerConfig{
		EnableChunking: true,
		Callbacks: &Callbacks{
			OnMessage: func(ctx context.Context, conn *Connection, mail *Mail) error {
				mu.Lock()
				received = mail
				mu.Unlock()
				return nil
			},
		},
	}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(250)

	body := "Subject: chunked\r\n\r\nhello world\r\n"
	client.send(fmt.Sprintf("BDAT %d LAST", len(body)))
	client.conn.Write([]byte(body))
	client.expectCode(250)

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected mail via BDAT")
	}
}

func TestAuthPLAIN(t *testing.T) {
	var gotIdentity string
	config := ServerConfig{
		AuthMechanisms: []string{"PLAIN"},
		Callbacks: &Callbacks{
			OnAuth: func(ctx context.Context, conn *Connection, mechanism, identity, password string) error {
				gotIdentity = identity
				if password != "secret" {
					return fmt.Errorf("bad password")
				}
				return nil
			},
		},
	}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	creds := "\x00user\x00secret"
	client.send("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte(creds)))
	client.expectCode(235)

	if gotIdentity != "user" {
		t.Errorf("expected identity user, got %q", gotIdentity)
	}
}

func TestAuthFailed(t *testing.T) {
	config := ServerConfig{
		AuthMechanisms: []string{"PLAIN"},
		Callbacks: &Callbacks{
			OnAuth: func(ctx context.Context, conn *Connection, mechanism, identity, password string) error {
				return fmt.Errorf("denied")
			},
		},
	}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	creds := "\x00user\x00wrong"
	client.send("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte(creds)))
	client.expectCode(535)
}

func TestAuthBeforeEHLORejected(t *testing.T) {
	config := ServerConfig{
		AuthMechanisms: []string{"PLAIN"},
	}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)

	creds := "\x00user\x00secret"
	client.send("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte(creds)))
	client.expectCode(503)
}

func TestRequireAuthMailFromRejected(t *testing.T) {
	config := ServerConfig{
		AuthMechanisms: []string{"PLAIN"},
		RequireAuth:    true,
	}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(530)
}

func TestVRFY(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("VRFY someone@example.com")
	client.expectCode(252)
}

func TestMailLoopDetection(t *testing.T) {
	config := ServerConfig{MaxReceivedHeaders: 2}
	server, addr := startTestServer(t, config)
	defer server.Close()

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.send("Received: from a")
	client.send("Received: from b")
	client.send("Received: from c")
	client.send("")
	client.send("body")
	client.send(".")
	client.expectCode(554)
}

func TestShutdownSendsFinalResponseAndClosesSessions(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	done := make(chan error, 1)
	go func() {
		done <- server.Shutdown(context.Background())
	}()

	line := client.expectCode(421)
	if !strings.Contains(line, "Service shutting down") {
		t.Errorf("unexpected shutdown response: %s", line)
	}

	if _, err := client.reader.ReadString('\n'); err == nil {
		t.Error("expected the connection to be closed after the shutdown response")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return within the deadline")
	}
}

func TestShutdownWritesDoNotRaceWithActiveSession(t *testing.T) {
	var onMessage sync.WaitGroup
	onMessage.Add(1)

	config := ServerConfig{
		Callbacks: &Callbacks{
			OnMailFrom: func(ctx context.Context, conn *Connection, from Path, params map[string]string) error {
				onMessage.Done()
				// Hold the session open long enough for Shutdown to race
				// a 421 against whatever response this handler returns.
				time.Sleep(50 * time.Millisecond)
				return nil
			},
		},
	}
	server, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	go client.send("MAIL FROM:<sender@example.com>")
	onMessage.Wait()

	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}

	// Whichever response arrives first, it must be a single well-formed
	// line: a corrupted interleave of the MAIL FROM reply and the 421
	// shutdown notice would not parse as either.
	line := client.readLine()
	var code int
	if _, err := fmt.Sscanf(line, "%d", &code); err != nil {
		t.Fatalf("response line is not a valid SMTP reply: %q", line)
	}
	if code != 250 && code != 421 {
		t.Errorf("expected 250 or 421, got corrupted response: %q", line)
	}
}

func TestCloseClosesActiveSessions(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	if err := server.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	client.expectCode(421)

	if _, err := client.reader.ReadString('\n'); err == nil {
		t.Error("expected the connection to be closed after Close")
	}
}
