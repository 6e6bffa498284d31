package raven

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/corvidwire/raven/utils"
	"golang.org/x/net/idna"
)

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	// BodyType7Bit indicates a 7-bit ASCII message body (RFC 5321 compliant).
	BodyType7Bit BodyType = "7BIT"
	// BodyType8BitMIME indicates an 8-bit MIME message body (RFC 6152).
	BodyType8BitMIME BodyType = "8BITMIME"
	// BodyTypeBinaryMIME indicates a binary MIME message body (RFC 3030).
	BodyTypeBinaryMIME BodyType = "BINARYMIME"
)

// MailboxAddress represents an email address as per RFC 5321 Section 4.1.2.
// It supports both ASCII addresses (RFC 5321) and internationalized addresses (RFC 6531).
type MailboxAddress struct {
	// LocalPart is the portion before the @ sign.
	// May contain UTF-8 characters if SMTPUTF8 extension is used.
	LocalPart string `json:"local_part"`

	// Domain is the portion after the @ sign.
	// May be an internationalized domain name (IDN) in U-label or A-label form.
	Domain string `json:"domain"`

	// DisplayName is an optional human-readable name associated with the address.
	DisplayName string `json:"display_name,omitempty"`
}

// String returns the address in the standard "local-part@domain" format.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Path represents an SMTP forward-path or reverse-path as per RFC 5321 Section 4.1.2.
type Path struct {
	// Mailbox is the actual email address.
	Mailbox MailboxAddress `json:"mailbox"`

	// SourceRoutes contains optional source routing information (deprecated per RFC 5321).
	// Included for completeness but SHOULD NOT be used for new implementations.
	SourceRoutes []string `json:"source_routes,omitempty"`
}

// IsNull returns true if this is a null reverse-path (empty sender).
// Null reverse-paths are used for bounce messages per RFC 5321 Section 4.5.5.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

// String returns the path in angle bracket format as used in SMTP commands.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// Recipient represents a single recipient with delivery status information.
type Recipient struct {
	// Address is the recipient's email address (forward-path).
	Address Path `json:"address"`

	// DSNParams contains Delivery Status Notification parameters per RFC 3461.
	DSNParams *DSNRecipientParams `json:"dsn_params,omitempty"`
}

// DSNRecipientParams contains per-recipient DSN parameters per RFC 3461.
type DSNRecipientParams struct {
	// Notify specifies when notifications should be sent.
	// Valid values: NEVER, SUCCESS, FAILURE, DELAY (can be combined except NEVER).
	Notify []string `json:"notify,omitempty"`

	// ORcpt is the original recipient address if different from the actual recipient.
	ORcpt string `json:"orcpt,omitempty"`
}

// Envelope represents the SMTP envelope as per RFC 5321 Section 2.3.1.
// The envelope is distinct from the message content and is transmitted
// via MAIL FROM and RCPT TO commands.
type Envelope struct {
	// From is the reverse-path (originator) specified in the MAIL FROM command.
	// Used for error/bounce notifications. May be null for bounce messages.
	From Path `json:"from"`

	// To is the list of recipients specified via RCPT TO commands.
	To []Recipient `json:"to"`

	// BodyType indicates the body encoding type (RFC 6152 8BITMIME extension).
	// If empty, defaults to 7BIT.
	BodyType BodyType `json:"body_type,omitempty"`

	// Size is the declared message size in octets (RFC 1870 SIZE extension).
	// Zero means no size was declared.
	Size int64 `json:"size,omitempty"`

	// SMTPUTF8 indicates whether the message requires SMTPUTF8 extension (RFC 6531).
	// This is set when the envelope or headers contain internationalized content.
	SMTPUTF8 bool `json:"smtputf8,omitempty"`

	// EnvID is the envelope identifier for DSN purposes (RFC 3461).
	EnvID string `json:"env_id,omitempty"`

	// DSNParams contains envelope-level DSN parameters.
	DSNParams *DSNEnvelopeParams `json:"dsn_params,omitempty"`

	// Auth contains authentication identity if SMTP AUTH was used.
	Auth string `json:"auth,omitempty"`

	// ExtensionParams holds additional MAIL FROM parameters from other extensions.
	// Keys are parameter names (uppercase), values are parameter values.
	ExtensionParams map[string]string `json:"extension_params,omitempty"`

	// RequireTLS indicates the REQUIRETLS parameter was set on MAIL FROM (RFC 8689).
	RequireTLS bool `json:"require_tls,omitempty"`
}

// DSNEnvelopeParams contains envelope-level DSN parameters per RFC 3461.
type DSNEnvelopeParams struct {
	// RET specifies what to return in a DSN: FULL (entire message) or HDRS (headers only).
	RET string `json:"ret"`
}

// Header represents the message header section as per RFC 5322.
// Headers may contain internationalized content when SMTPUTF8 is used (RFC 6532).
type Header struct {
	// Name is the header field name (e.g., "From", "Subject").
	Name string `json:"name"`
	// Value is the header field value.
	Value string `json:"value"`
}

// Headers is a collection of message headers with helper methods.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns all header values with the given name (case-insensitive).
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Count returns the number of headers with the given name (case-insensitive).
func (h Headers) Count(name string) int {
	n := 0
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			n++
		}
	}
	return n
}

// Content represents the message content (header section + body) as per RFC 5321 Section 2.3.1.
// This is what follows the DATA command.
type Content struct {
	// Headers contains all message header fields per RFC 5322.
	// Common headers include: From, To, Cc, Bcc, Subject, Date, Message-ID, etc.
	Headers Headers `json:"headers"`

	// Body is the raw message body (may be encoded).
	Body []byte `json:"body,omitempty"`
}

// FromRaw splits raw DATA/BDAT bytes into headers and body per RFC 5322
// and assigns them to this Content.
func (c *Content) FromRaw(data []byte) {
	c.Headers, c.Body = parseMessageContent(data)
}

// ToRaw serializes the header section and body back into the wire format
// DATA/BDAT expect: CRLF-terminated header lines, a blank line, then the body.
func (c *Content) ToRaw() []byte {
	var buf bytes.Buffer
	for _, h := range c.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(c.Body)
	return buf.Bytes()
}

// Validate checks the minimal RFC 5322 requirements a message must meet
// before it is handed to the transport: a From header and a Date header.
func (c *Content) Validate() error {
	if c.Headers.Get("From") == "" {
		return errors.New("smtp: message missing From header")
	}
	if c.Headers.Get("Date") == "" {
		return errors.New("smtp: message missing Date header")
	}
	return nil
}

// TraceField represents a Received or Return-Path header for message tracing (RFC 5321 Section 4.4).
type TraceField struct {
	// Type is either "Received" or "Return-Path".
	Type string `json:"type"`

	// FromDomain is the domain of the sending host (for Received headers).
	FromDomain string `json:"from_domain,omitempty"`

	// FromIP is the IP address of the sending host.
	FromIP string `json:"from_ip,omitempty"`

	// ByDomain is the domain of the receiving host.
	ByDomain string `json:"by_domain,omitempty"`

	// Via indicates the link type (e.g., "TCP").
	Via string `json:"via,omitempty"`

	// With indicates the protocol used (e.g., "SMTP", "ESMTP", "ESMTPS", "UTF8SMTP").
	With string `json:"with,omitempty"`

	// ID is the message identifier assigned by this host.
	ID string `json:"id,omitempty"`

	// For is the recipient address (for single-recipient messages).
	For string `json:"for,omitempty"`

	// Timestamp is when the message was received.
	Timestamp time.Time `json:"timestamp"`

	// TLS indicates if TLS was used for this hop.
	TLS bool `json:"tls,omitempty"`

	// Raw is the raw header value if parsing is incomplete.
	Raw string `json:"raw,omitempty"`
}

// String renders the trace field as a header value per RFC 5321 Section 4.4.
func (tf TraceField) String() string {
	if tf.Raw != "" {
		return tf.Raw
	}

	if tf.Type == "Return-Path" {
		return tf.FromDomain
	}

	var b strings.Builder
	if tf.FromDomain != "" || tf.FromIP != "" {
		fmt.Fprintf(&b, "from %s", tf.FromDomain)
		if tf.FromIP != "" {
			fmt.Fprintf(&b, " ([%s])", tf.FromIP)
		}
	}
	if tf.ByDomain != "" {
		fmt.Fprintf(&b, "\r\n\tby %s", tf.ByDomain)
	}
	if tf.Via != "" {
		fmt.Fprintf(&b, " with %s", tf.Via)
	}
	if tf.With != "" {
		fmt.Fprintf(&b, " %s", tf.With)
	}
	if tf.For != "" {
		fmt.Fprintf(&b, "\r\n\tfor %s", tf.For)
	}
	if tf.ID != "" {
		fmt.Fprintf(&b, "\r\n\tid %s", tf.ID)
	}
	fmt.Fprintf(&b, ";\r\n\t%s", tf.Timestamp.Format(time.RFC1123Z))

	return b.String()
}

// Mail represents a complete mail object as per RFC 5321 Section 2.3.1.
// A mail object contains an envelope (transmitted via SMTP commands)
// and content (transmitted via the DATA command).
type Mail struct {
	// Envelope contains the SMTP envelope (MAIL FROM/RCPT TO information).
	// This is separate from the message headers and controls actual delivery.
	Envelope Envelope `json:"envelope"`

	// Content contains the message header section and body.
	// This is what appears after the DATA command.
	Content Content `json:"content"`

	// Trace contains the message trace information (Received/Return-Path headers).
	// Ordered from most recent (index 0) to oldest.
	Trace []TraceField `json:"trace,omitempty"`

	// ReceivedAt is when this server received the message.
	ReceivedAt time.Time `json:"received_at"`

	// ID is a unique identifier assigned to this message by the server.
	ID string `json:"id"`

	// Raw contains the raw message data as received, if preserved.
	// This may be useful for exact re-transmission or archival.
	Raw []byte `json:"raw,omitempty"`
}

// RequiresSMTPUTF8 determines if this mail requires the SMTPUTF8 extension.
// Returns true if any envelope address or header contains non-ASCII characters.
func (m *Mail) RequiresSMTPUTF8() bool {
	// Check explicit flag first
	if m.Envelope.SMTPUTF8 {
		return true
	}

	// Check envelope addresses
	if utils.ContainsNonASCII(m.Envelope.From.Mailbox.LocalPart) ||
		utils.ContainsNonASCII(m.Envelope.From.Mailbox.Domain) {
		return true
	}
	for _, rcpt := range m.Envelope.To {
		if utils.ContainsNonASCII(rcpt.Address.Mailbox.LocalPart) ||
			utils.ContainsNonASCII(rcpt.Address.Mailbox.Domain) {
			return true
		}
	}

	// Check headers for non-ASCII content
	for _, h := range m.Content.Headers {
		if utils.ContainsNonASCII(h.Value) {
			return true
		}
	}

	return false
}

// Requires8BitMIME determines if this mail requires the 8BITMIME extension.
// Returns true if the body contains 8-bit data.
func (m *Mail) Requires8BitMIME() bool {
	if m.Envelope.BodyType == BodyType8BitMIME {
		return true
	}
	for _, b := range m.Content.Body {
		if b > 127 {
			return true
		}
	}
	return false
}

// NewMail creates a new empty Mail object with initialized fields.
func NewMail() *Mail {
	return &Mail{
		Envelope: Envelope{
			To:              make([]Recipient, 0),
			ExtensionParams: make(map[string]string),
		},
		Content: Content{
			Headers: make(Headers, 0),
		},
		Trace: make([]TraceField, 0),
	}
}

// AddRecipient adds a recipient to the envelope.
func (m *Mail) AddRecipient(address MailboxAddress) {
	m.Envelope.To = append(m.Envelope.To, Recipient{
		Address: Path{Mailbox: address},
	})
}

// SetFrom sets the envelope sender (reverse-path).
func (m *Mail) SetFrom(address MailboxAddress) {
	m.Envelope.From = Path{Mailbox: address}
}

// SetNullSender sets a null reverse-path (for bounce messages).
func (m *Mail) SetNullSender() {
	m.Envelope.From = Path{}
}

// AddHeader adds a header to the message content.
func (m *Mail) AddHeader(name, value string) {
	m.Content.Headers = append(m.Content.Headers, Header{Name: name, Value: value})
}

// ParseAddress parses an email address string into a MailboxAddress.
// Supports both simple "user@domain" and RFC 5322 formatted addresses.
// Internationalized domains (RFC 6531) are normalized to their ASCII
// A-label form so downstream routing and DNS lookups see a stable value;
// the domain is kept as-is when it fails IDNA conversion, since SMTPUTF8
// also allows a U-label domain to travel unconverted end to end.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, err
	}

	// Split the address part
	address := parsed.Address
	var local, domain string
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			local = address[:i]
			domain = address[i+1:]
			break
		}
	}

	if utils.ContainsNonASCII(domain) {
		if ascii, convErr := idna.Lookup.ToASCII(domain); convErr == nil {
			domain = ascii
		}
	}

	return MailboxAddress{
		LocalPart:   local,
		Domain:      domain,
		DisplayName: parsed.Name,
	}, nil
}

// ToJSON serializes the Mail object to JSON bytes.
func (m *Mail) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSONIndent serializes the Mail object to pretty-printed JSON bytes.
func (m *Mail) ToJSONIndent() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON deserializes a Mail object from JSON bytes.
func FromJSON(data []byte) (*Mail, error) {
	var m Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

