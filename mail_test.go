package raven

import (
	"testing"
)

func TestParseAddressSimple(t *testing.T) {
	addr, err := ParseAddress("sender@example.com")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if addr.LocalPart != "sender" || addr.Domain != "example.com" {
		t.Errorf("got local=%q domain=%q", addr.LocalPart, addr.Domain)
	}
}

func TestParseAddressDisplayName(t *testing.T) {
	addr, err := ParseAddress("Sender Name <sender@example.com>")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if addr.DisplayName != "Sender Name" {
		t.Errorf("expected display name, got %q", addr.DisplayName)
	}
}

func TestParseAddressIDNADomain(t *testing.T) {
	addr, err := ParseAddress("user@bücher.example")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if addr.Domain == "bücher.example" {
		t.Errorf("expected IDNA-normalized domain, got %q", addr.Domain)
	}
}

func TestPathString(t *testing.T) {
	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	if got, want := mail.Envelope.From.String(), "<sender@example.com>"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	mail.SetNullSender()
	if got, want := mail.Envelope.From.String(), "<>"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !mail.Envelope.From.IsNull() {
		t.Error("expected null sender")
	}
}

func TestHeadersGetAndCount(t *testing.T) {
	headers := Headers{
		{Name: "Received", Value: "from a"},
		{Name: "Subject", Value: "hi"},
		{Name: "received", Value: "from b"},
	}
	if got := headers.Count("Received"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := headers.Get("Subject"); got != "hi" {
		t.Errorf("Get() = %q, want %q", got, "hi")
	}
	if got := headers.Get("Missing"); got != "" {
		t.Errorf("Get() on missing header = %q, want empty", got)
	}
}

func TestContentFromRawToRawRoundTrip(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: sender@example.com\r\n\r\nbody line one\r\nbody line two\r\n")

	var c Content
	c.FromRaw(raw)

	if got := c.Headers.Get("Subject"); got != "hello" {
		t.Errorf("Subject header = %q, want %q", got, "hello")
	}

	rebuilt := c.ToRaw()

	var c2 Content
	c2.FromRaw(rebuilt)
	if c2.Headers.Get("Subject") != c.Headers.Get("Subject") {
		t.Errorf("round trip lost Subject header")
	}
	if string(c2.Body) != string(c.Body) {
		t.Errorf("round trip body = %q, want %q", c2.Body, c.Body)
	}
}

func TestContentValidate(t *testing.T) {
	var c Content
	c.Headers = Headers{{Name: "Subject", Value: "no from or date"}}
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing From/Date")
	}

	c.Headers = Headers{
		{Name: "From", Value: "sender@example.com"},
		{Name: "Date", Value: "Thu, 06 Aug 2026 00:00:00 +0000"},
	}
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMailJSONRoundTrip(t *testing.T) {
	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	mail.AddRecipient(MailboxAddress{LocalPart: "recipient", Domain: "example.com"})
	mail.AddHeader("Subject", "round trip")
	mail.Content.Body = []byte("hello")

	data, err := mail.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	decoded, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}

	if decoded.Envelope.From.Mailbox.String() != "sender@example.com" {
		t.Errorf("got from %q", decoded.Envelope.From.Mailbox.String())
	}
	if len(decoded.Envelope.To) != 1 {
		t.Fatalf("expected 1 recipient, got %d", len(decoded.Envelope.To))
	}
	if decoded.Content.Headers.Get("Subject") != "round trip" {
		t.Errorf("lost Subject header across JSON round trip")
	}
}

func TestMailMessagePackRoundTrip(t *testing.T) {
	mail := NewMail()
	mail.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	mail.AddRecipient(MailboxAddress{LocalPart: "recipient", Domain: "example.com"})
	mail.Envelope.Size = 1024
	mail.AddHeader("Subject", "msgpack round trip")
	mail.Content.Body = []byte("hello msgpack")

	data, err := mail.ToMessagePack()
	if err != nil {
		t.Fatalf("ToMessagePack failed: %v", err)
	}

	decoded, err := FromMessagePack(data)
	if err != nil {
		t.Fatalf("FromMessagePack failed: %v", err)
	}

	if decoded.Envelope.Size != 1024 {
		t.Errorf("got size %d, want 1024", decoded.Envelope.Size)
	}
	if decoded.Content.Headers.Get("Subject") != "msgpack round trip" {
		t.Errorf("lost Subject header across MessagePack round trip")
	}
	if string(decoded.Content.Body) != "hello msgpack" {
		t.Errorf("got body %q", decoded.Content.Body)
	}
}
