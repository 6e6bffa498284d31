package raven

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"
)

// scriptedServer accepts one connection and replies to each received line
// with the next response in responses, in order.
func scriptedServer(t *testing.T, greeting string, responses map[string]string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fmt.Fprintf(conn, "%s\r\n", greeting)

		reader := bufio.NewReader(conn)
		inData := false
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			cmd := trimCRLF(line)

			// Once DATA has been accepted, swallow payload lines silently
			// until the terminating "." so a multi-line message body
			// doesn't get misread as a stream of unknown commands.
			if inData {
				if cmd == "." {
					inData = false
					fmt.Fprintf(conn, "%s\r\n", responses["."])
				}
				continue
			}

			resp, ok := responses[cmdPrefix(cmd)]
			if !ok {
				resp = "500 5.5.2 unrecognized command"
			}
			fmt.Fprintf(conn, "%s\r\n", resp)
			if cmd == "DATA" && resp[:3] == "354" {
				inData = true
			}
			if cmd == "QUIT" {
				return
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func cmdPrefix(cmd string) string {
	for i, c := range cmd {
		if c == ' ' {
			return cmd[:i]
		}
	}
	return cmd
}

func TestClientDialAndHello(t *testing.T) {
	addr := scriptedServer(t, "220 mail.example.com ESMTP", map[string]string{
		"EHLO": "250-mail.example.com\r\n250 PIPELINING",
		"QUIT": "221 Bye",
	})

	config := DefaultClientConfig()
	config.ConnectTimeout = 2 * time.Second
	client := NewClient(config)

	if err := client.Dial(addr); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if err := client.Hello(); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if !client.isESMTP {
		t.Error("expected ESMTP after successful EHLO")
	}
}

func TestClientHelloFallsBackToHELO(t *testing.T) {
	addr := scriptedServer(t, "220 legacy.example.com SMTP", map[string]string{
		"EHLO": "500 5.5.1 command not recognized",
		"HELO": "250 legacy.example.com",
		"QUIT": "221 Bye",
	})

	client := NewClient(DefaultClientConfig())
	if err := client.Dial(addr); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if err := client.Hello(); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if client.isESMTP {
		t.Error("expected non-ESMTP after HELO fallback")
	}
}

func TestClientDialRejectedGreeting(t *testing.T) {
	addr := scriptedServer(t, "554 5.7.1 service unavailable", nil)

	client := NewClient(DefaultClientConfig())
	if err := client.Dial(addr); err == nil {
		t.Fatal("expected Dial to fail on a rejected greeting")
	}
}

func TestClientSendFullTransaction(t *testing.T) {
	addr := scriptedServer(t, "220 mail.example.com ESMTP", map[string]string{
		"EHLO": "250-mail.example.com\r\n250 8BITMIME",
		"MAIL": "250 2.1.0 Sender OK",
		"RCPT": "250 2.1.5 Recipient OK",
		"DATA": "354 Start mail input",
		".":    "250 2.0.0 OK, queued as abc123",
		"QUIT": "221 Bye",
	})

	client := NewClient(DefaultClientConfig())
	if err := client.Dial(addr); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	if err := client.Hello(); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	mail.AddRecipient(MailboxAddress{LocalPart: "recipient", Domain: "example.com"})
	mail.AddHeader("Subject", "hi")
	mail.AddHeader("From", "sender@example.com")
	mail.AddHeader("Date", "Thu, 06 Aug 2026 00:00:00 +0000")
	mail.Content.Body = []byte("hello world\r\n")

	result, err := client.Send(mail)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !result.Success {
		t.Error("expected successful send")
	}
	if len(result.RecipientResults) != 1 || !result.RecipientResults[0].Accepted {
		t.Errorf("expected one accepted recipient, got %+v", result.RecipientResults)
	}
	if result.MessageID != "abc123" {
		t.Errorf("got message ID %q, want abc123", result.MessageID)
	}
}

func TestClientSendValidatesContentWhenEnabled(t *testing.T) {
	addr := scriptedServer(t, "220 mail.example.com ESMTP", map[string]string{
		"EHLO": "250 mail.example.com",
		"QUIT": "221 Bye",
	})

	config := DefaultClientConfig()
	config.ValidateBeforeSend = true
	client := NewClient(config)
	if err := client.Dial(addr); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	if err := client.Hello(); err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	mail.AddRecipient(MailboxAddress{LocalPart: "recipient", Domain: "example.com"})
	// No From/Date headers set on Content, so Validate() must reject this
	// before any MAIL FROM is sent.

	if _, err := client.Send(mail); err == nil {
		t.Fatal("expected Send to fail validation")
	}
}

func TestClientSendNoRecipients(t *testing.T) {
	addr := scriptedServer(t, "220 mail.example.com ESMTP", nil)

	client := NewClient(DefaultClientConfig())
	if err := client.Dial(addr); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})

	if _, err := client.Send(mail); err != ErrNoRecipients {
		t.Errorf("got %v, want ErrNoRecipients", err)
	}
}

func TestClientResponseClassification(t *testing.T) {
	cases := []struct {
		code        int
		success     bool
		transient   bool
		permanent   bool
		intermediat bool
	}{
		{250, true, false, false, false},
		{354, false, false, false, true},
		{450, false, true, false, false},
		{550, false, false, true, false},
	}
	for _, tc := range cases {
		resp := &ClientResponse{Code: tc.code}
		if resp.IsSuccess() != tc.success {
			t.Errorf("code %d: IsSuccess() = %v, want %v", tc.code, resp.IsSuccess(), tc.success)
		}
		if resp.IsTransientError() != tc.transient {
			t.Errorf("code %d: IsTransientError() = %v, want %v", tc.code, resp.IsTransientError(), tc.transient)
		}
		if resp.IsPermanentError() != tc.permanent {
			t.Errorf("code %d: IsPermanentError() = %v, want %v", tc.code, resp.IsPermanentError(), tc.permanent)
		}
		if resp.IsIntermediate() != tc.intermediat {
			t.Errorf("code %d: IsIntermediate() = %v, want %v", tc.code, resp.IsIntermediate(), tc.intermediat)
		}
	}
}
