package raven

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	ravenio "github.com/corvidwire/raven/io"
	"github.com/corvidwire/raven/utils"
)

// rfc5322MaxLineLength bounds a single line of message content (RFC 5322
// Section 2.1.1), independent of the command-line length limit applied to
// the SMTP dialogue itself.
const rfc5322MaxLineLength = 998

// detectLoop checks for mail loops by counting the "Received" headers,
// and returns an error if the count exceeds maxAllowed.
func detectLoop(mail *Mail, logger *slog.Logger, maxAllowed int) error {
	if maxAllowed > 0 {
		receivedCount := mail.Content.Headers.Count("Received")
		if receivedCount >= maxAllowed {
			logger.Warn("mail loop detected",
				slog.Int("received_count", receivedCount),
				slog.Int("max_allowed", maxAllowed),
				slog.String("from", mail.Envelope.From.String()),
			)
			return ErrLoopDetected
		}
	}
	return nil
}

func (s *Server) handleHelo(conn *Connection, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnHelo != nil {
		if err := s.config.Callbacks.OnHelo(conn.Context(), conn, hostname); err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
	}

	conn.SetClientHostname(hostname)
	conn.SetState(StateGreeted)
	conn.ResetTransaction()

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		ip = net.IPv4zero
	}

	msg := fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), conn.Trace.ID)
	return &Response{
		Code:    CodeOK,
		Message: msg,
	}
}

func (s *Server) handleEhlo(conn *Connection, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	extensions := s.buildExtensions(conn)
	if s.config.EnableChunking {
		extensions[ExtChunking] = ""
		conn.SetExtension(ExtChunking, "")
		// BINARYMIME requires CHUNKING
		extensions[ExtBinaryMIME] = ""
		conn.SetExtension(ExtBinaryMIME, "")
	}
	// AUTH - only advertise if TLS is not required or TLS is active
	effectiveMechanisms := s.getEffectiveAuthMechanisms()
	if len(effectiveMechanisms) > 0 && (!s.config.RequireTLS || conn.IsTLS()) {
		authParams := strings.Join(effectiveMechanisms, " ")
		extensions[ExtAuth] = authParams
		conn.SetExtension(ExtAuth, authParams)
	}

	// REQUIRETLS is only advertised once TLS is active and the operator opted in.
	if s.config.RequireTLSExt && conn.IsTLS() {
		extensions[ExtRequireTLS] = ""
		conn.SetExtension(ExtRequireTLS, "")
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnEhlo != nil {
		extOverride, err := s.config.Callbacks.OnEhlo(conn.Context(), conn, hostname)
		if err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
		if extOverride != nil {
			extensions = extOverride
		}
	}

	conn.SetClientHostname(hostname)
	conn.SetState(StateGreeted)
	conn.ResetTransaction()

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		ip = net.IPv4zero
	}

	greeting := fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), conn.Trace.ID)
	lines := make([]string, 1, len(extensions)+1)
	lines[0] = greeting
	for ext, params := range extensions {
		if params != "" {
			lines = append(lines, fmt.Sprintf("%s %s", ext, params))
		} else {
			lines = append(lines, string(ext))
		}
	}

	s.writeMultilineResponse(conn, CodeOK, lines)
	return nil
}

// buildExtensions centralizes all SMTP extension setup for a given connection.
func (s *Server) buildExtensions(conn *Connection) map[Extension]string {
	extensions := make(map[Extension]string)

	extensions[Ext8BitMIME] = ""
	conn.SetExtension(Ext8BitMIME, "")
	extensions[ExtSMTPUTF8] = ""
	conn.SetExtension(ExtSMTPUTF8, "")
	extensions[ExtEnhancedStatusCodes] = ""
	conn.SetExtension(ExtEnhancedStatusCodes, "")
	extensions[ExtPipelining] = ""
	conn.SetExtension(ExtPipelining, "")

	if s.config.TLSConfig != nil && !conn.IsTLS() {
		extensions[ExtSTARTTLS] = ""
		conn.SetExtension(ExtSTARTTLS, "")
	}
	if s.config.MaxMessageSize > 0 {
		sizeStr := strconv.FormatInt(s.config.MaxMessageSize, 10)
		extensions[ExtSize] = sizeStr
		conn.SetExtension(ExtSize, sizeStr)
	}
	if s.config.EnableDSN {
		extensions[ExtDSN] = ""
		conn.SetExtension(ExtDSN, "")
	}

	return extensions
}

func (s *Server) handleMail(conn *Connection, args string) *Response {
	state := conn.State()

	if state < StateGreeted {
		resp := ResponseBadSequence("Send EHLO/HELO first")
		return &resp
	}
	if state >= StateMail {
		resp := ResponseBadSequence("MAIL command already given")
		return &resp
	}

	if s.config.RequireTLS && !conn.IsTLS() {
		resp := ResponseAuthRequired("TLS required")
		return &resp
	}

	if s.config.RequireAuth && !conn.IsAuthenticated() {
		resp := ResponseAuthRequired("Authentication required")
		return &resp
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		resp := ResponseSyntaxError("Syntax: MAIL FROM:<address>")
		return &resp
	}
	args = strings.TrimSpace(args[5:])

	from, params, err := parsePathWithParams(args)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}

	// Non-ASCII addresses require SMTPUTF8 parameter
	if utils.ContainsNonASCII(from.Mailbox.LocalPart) || utils.ContainsNonASCII(from.Mailbox.Domain) {
		if _, hasSMTPUTF8 := params["SMTPUTF8"]; !hasSMTPUTF8 {
			resp := ResponseNonASCIIWithoutSMTPUTF8()
			return &resp
		}
	}

	if sizeStr, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			resp := ResponseSyntaxError("Invalid SIZE parameter")
			return &resp
		}
		if conn.Limits.MaxMessageSize > 0 && size > conn.Limits.MaxMessageSize {
			resp := ResponseExceededStorage("Message too large")
			return &resp
		}
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnMailFrom != nil {
		if err := s.config.Callbacks.OnMailFrom(conn.Context(), conn, from, params); err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
	}

	mail := conn.BeginTransaction()
	mail.Envelope.From = from
	mail.Envelope.BodyType = BodyType7Bit

	if bodyType, ok := params["BODY"]; ok {
		bodyTypeUpper := BodyType(strings.ToUpper(bodyType))
		switch bodyTypeUpper {
		case BodyType7Bit, BodyType8BitMIME, BodyTypeBinaryMIME:
			mail.Envelope.BodyType = bodyTypeUpper
		default:
			resp := ResponseParamNotImplemented("Invalid BODY parameter")
			return &resp
		}
		// BINARYMIME requires CHUNKING (opt-in)
		if bodyTypeUpper == BodyTypeBinaryMIME && !s.config.EnableChunking {
			resp := ResponseParamNotImplemented("BINARYMIME not supported")
			return &resp
		}
	}
	if _, ok := params["SMTPUTF8"]; ok {
		mail.Envelope.SMTPUTF8 = true
	}
	// REQUIRETLS (RFC 8689) may only be specified when the session itself
	// uses TLS and the server advertises the extension.
	if _, ok := params["REQUIRETLS"]; ok {
		if !conn.IsTLS() {
			resp := ResponseRequireTLSNeedsActiveTLS()
			return &resp
		}
		if !conn.HasExtension(ExtRequireTLS) {
			resp := ResponseRequireTLSNotSupported()
			return &resp
		}
		mail.Envelope.RequireTLS = true
	}
	if envID, ok := params["ENVID"]; ok {
		if !s.config.EnableDSN {
			resp := ResponseParamNotImplemented("DSN not supported")
			return &resp
		}
		if len(envID) > 100 {
			resp := ResponseParamSyntaxError("ENVID parameter too long (max 100 characters)")
			return &resp
		}
		mail.Envelope.EnvID = envID
	}
	if ret, ok := params["RET"]; ok {
		if !s.config.EnableDSN {
			resp := ResponseParamNotImplemented("DSN not supported")
			return &resp
		}
		if len(ret) > 8 {
			resp := ResponseParamSyntaxError("RET parameter too long")
			return &resp
		}
		retUpper := strings.ToUpper(ret)
		if retUpper != "FULL" && retUpper != "HDRS" {
			resp := ResponseParamSyntaxError("Invalid RET parameter: must be FULL or HDRS")
			return &resp
		}
		mail.Envelope.DSNParams = &DSNEnvelopeParams{RET: retUpper}
	}
	if sizeStr, ok := params["SIZE"]; ok {
		mail.Envelope.Size, _ = strconv.ParseInt(sizeStr, 10, 64)
	}
	if conn.IsAuthenticated() {
		mail.Envelope.Auth = conn.Auth.Identity
	}
	mail.Envelope.ExtensionParams = params

	conn.SetState(StateMail)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCAddressValid),
		Message:      "OK",
	}
}

func (s *Server) handleRcpt(conn *Connection, args string) *Response {
	if conn.State() < StateMail {
		resp := ResponseBadSequence("Send MAIL first")
		return &resp
	}

	mail := conn.CurrentMail()
	if mail == nil {
		resp := ResponseBadSequence("No mail transaction")
		return &resp
	}

	// Transient: the client may retry with fewer recipients.
	if conn.Limits.MaxRecipients > 0 && len(mail.Envelope.To) >= conn.Limits.MaxRecipients {
		resp := ResponseInsufficientStorage("Too many recipients")
		resp.EnhancedCode = string(ESCTempTooManyRecipients)
		return &resp
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		resp := ResponseSyntaxError("Syntax: RCPT TO:<address>")
		return &resp
	}
	args = strings.TrimSpace(args[3:])

	to, params, err := parsePathWithParams(args)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}

	// SMTPUTF8 is intrinsic but must have been requested for this transaction
	// before a non-ASCII recipient address is accepted.
	if utils.ContainsNonASCII(to.Mailbox.LocalPart) || utils.ContainsNonASCII(to.Mailbox.Domain) {
		if !mail.Envelope.SMTPUTF8 {
			resp := ResponseNonASCIIWithoutSMTPUTF8()
			return &resp
		}
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnRcptTo != nil {
		if err := s.config.Callbacks.OnRcptTo(conn.Context(), conn, to, params); err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
	}

	rcpt := Recipient{Address: to}
	if notify, ok := params["NOTIFY"]; ok {
		if !s.config.EnableDSN {
			resp := ResponseParamNotImplemented("DSN not supported")
			return &resp
		}
		if len(notify) > 28 {
			resp := ResponseParamSyntaxError("NOTIFY parameter too long (max 28 characters)")
			return &resp
		}
		notifyValues := strings.Split(strings.ToUpper(notify), ",")
		hasNever := false
		for _, v := range notifyValues {
			v = strings.TrimSpace(v)
			switch v {
			case "NEVER":
				hasNever = true
			case "SUCCESS", "FAILURE", "DELAY":
			default:
				resp := ResponseParamSyntaxError("Invalid NOTIFY parameter value")
				return &resp
			}
		}
		if hasNever && len(notifyValues) > 1 {
			resp := ResponseParamSyntaxError("NOTIFY=NEVER must appear alone")
			return &resp
		}
		rcpt.DSNParams = &DSNRecipientParams{Notify: notifyValues}
	}
	if orcpt, ok := params["ORCPT"]; ok {
		if !s.config.EnableDSN {
			resp := ResponseParamNotImplemented("DSN not supported")
			return &resp
		}
		if len(orcpt) > 500 {
			resp := ResponseParamSyntaxError("ORCPT parameter too long (max 500 characters)")
			return &resp
		}
		if !strings.Contains(orcpt, ";") {
			resp := ResponseParamSyntaxError("Invalid ORCPT parameter: must be addr-type;address")
			return &resp
		}
		if rcpt.DSNParams == nil {
			rcpt.DSNParams = &DSNRecipientParams{}
		}
		rcpt.DSNParams.ORcpt = orcpt
	}

	mail.Envelope.To = append(mail.Envelope.To, rcpt)
	conn.SetState(StateRcpt)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCRecipientValid),
		Message:      "OK",
	}
}

func (s *Server) handleData(conn *Connection, reader *bufio.Reader, logger *slog.Logger) *Response {
	if conn.State() < StateRcpt {
		resp := ResponseBadSequence("Send RCPT first")
		return &resp
	}

	mail := conn.CurrentMail()
	if mail == nil || len(mail.Envelope.To) == 0 {
		resp := ResponseBadSequence("No recipients")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnData != nil {
		if err := s.config.Callbacks.OnData(conn.Context(), conn); err != nil {
			resp := ResponseTransactionFailed(err.Error(), ESCPermFailure)
			return &resp
		}
	}

	conn.SetState(StateData)

	s.writeResponse(conn, Response{
		Code:    CodeStartMailInput,
		Message: "Start mail input; end with <CRLF>.<CRLF>",
	})

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		resp := ResponseLocalError("Internal error")
		return &resp
	}

	// BINARYMIME must travel over BDAT, never DATA.
	if mail.Envelope.BodyType == BodyTypeBinaryMIME {
		conn.ResetTransaction()
		return &Response{
			Code:         CodeBadSequence,
			EnhancedCode: string(ESCInvalidCommand),
			Message:      "BINARYMIME requires BDAT command",
		}
	}

	enforce7Bit := mail.Envelope.BodyType == BodyType7Bit
	data, err := s.readDataContent(reader, conn.Limits.MaxMessageSize, enforce7Bit)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			conn.ResetTransaction()
			resp := ResponseExceededStorage("Message too large")
			return &resp
		}
		if errors.Is(err, ravenio.ErrBadLineEnding) {
			conn.ResetTransaction()
			return &Response{
				Code:         CodeSyntaxError,
				EnhancedCode: string(ESCContentError),
				Message:      "Message must use CRLF line endings",
			}
		}
		if errors.Is(err, ravenio.Err8BitIn7BitMode) {
			conn.ResetTransaction()
			resp := ResponseTransactionFailed("Message contains 8-bit data but BODY=8BITMIME was not specified", ESCContentError)
			return &resp
		}
		if errors.Is(err, ravenio.ErrLineTooLong) {
			conn.ResetTransaction()
			return &Response{
				Code:         CodeSyntaxError,
				EnhancedCode: string(ESCContentError),
				Message:      "Line length exceeds maximum allowed",
			}
		}
		logger.Error("data read error", slog.Any("error", err))
		conn.ResetTransaction()
		resp := ResponseLocalError("Error reading message")
		return &resp
	}

	mail.Content.FromRaw(data)

	// If REQUIRETLS wasn't set on MAIL FROM, honor an explicit
	// TLS-Required: No header per RFC 8689 Section 4.1.
	if !mail.Envelope.RequireTLS {
		tlsRequiredHeader := mail.Content.Headers.Get("TLS-Required")
		if strings.EqualFold(strings.TrimSpace(tlsRequiredHeader), "No") {
			if mail.Envelope.ExtensionParams == nil {
				mail.Envelope.ExtensionParams = make(map[string]string)
			}
			mail.Envelope.ExtensionParams["TLS-OPTIONAL"] = "yes"
		}
	}

	if err := detectLoop(mail, logger, s.config.MaxReceivedHeaders); err != nil {
		conn.ResetTransaction()
		resp := ResponseTransactionFailed(err.Error(), ESCRoutingLoop)
		return &resp
	}

	mail.ID = utils.GenerateID()
	mail.ReceivedAt = time.Now()

	receivedHeader := conn.GenerateReceivedHeader("")
	receivedHeader.ID = mail.ID
	mail.Trace = append([]TraceField{receivedHeader}, mail.Trace...)
	mail.Content.Headers = append(Headers{{
		Name:  "Received",
		Value: receivedHeader.String(),
	}}, mail.Content.Headers...)

	if s.config.Callbacks != nil && s.config.Callbacks.OnMessage != nil {
		if err := s.config.Callbacks.OnMessage(conn.Context(), conn, mail); err != nil {
			conn.ResetTransaction()
			resp := ResponseTransactionFailed(err.Error(), ESCPermFailure)
			return &resp
		}
	}

	conn.CompleteTransaction()

	logger.Info("message received",
		slog.String("mail_id", mail.ID),
		slog.String("from", mail.Envelope.From.String()),
		slog.Int("recipients", len(mail.Envelope.To)),
		slog.Int("size", len(data)),
	)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCSuccess),
		Message:      fmt.Sprintf("OK, queued as %s [%s]", mail.ID, conn.Trace.ID),
	}
}

// readDataContent reads the message content until <CRLF>.<CRLF>.
// It strictly requires CRLF line endings to prevent SMTP smuggling and
// enforces the RFC 5322 line length limit. If enforce7Bit is true, a
// non-ASCII byte anywhere in the content fails the transaction once the
// terminator is reached, but draining continues so the connection stays
// in sync with the client.
func (s *Server) readDataContent(reader *bufio.Reader, maxSize int64, enforce7Bit bool) ([]byte, error) {
	const maxInitialAlloc = 10 * 1024 * 1024
	var initCap int
	switch {
	case maxSize > 0 && maxSize <= maxInitialAlloc:
		initCap = int(maxSize)
	case maxSize > maxInitialAlloc:
		initCap = maxInitialAlloc
	default:
		initCap = 4096
	}
	buf := bytes.NewBuffer(make([]byte, 0, initCap))
	var sizeExceeded bool
	var has8BitData bool

	maxContentLineLength := rfc5322MaxLineLength + 2

	for {
		line, err := ravenio.ReadLine(reader, maxContentLineLength, enforce7Bit)
		if err != nil {
			if errors.Is(err, ravenio.Err8BitIn7BitMode) {
				has8BitData = true
				enforce7Bit = false
				continue
			}
			return nil, err
		}

		if line == "." {
			break
		}

		if sizeExceeded || has8BitData {
			continue
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		newLen := int64(buf.Len()) + int64(len(line)) + 2
		if maxSize > 0 && newLen > maxSize {
			sizeExceeded = true
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if has8BitData {
		return nil, ravenio.Err8BitIn7BitMode
	}
	if sizeExceeded {
		return nil, ErrMessageTooLarge
	}

	return buf.Bytes(), nil
}

// handleBDAT processes the BDAT command (RFC 3030).
func (s *Server) handleBDAT(conn *Connection, args string, reader *bufio.Reader, logger *slog.Logger) *Response {
	if !s.config.EnableChunking {
		resp := ResponseCommandNotImplemented("BDAT")
		return &resp
	}

	state := conn.State()
	if state < StateRcpt && state != StateBDAT {
		resp := ResponseBadSequence("Send RCPT first")
		return &resp
	}

	mail := conn.CurrentMail()
	if mail == nil || len(mail.Envelope.To) == 0 {
		resp := ResponseBadSequence("No recipients")
		return &resp
	}

	args = strings.TrimSpace(args)
	if args == "" {
		resp := ResponseSyntaxError("Syntax: BDAT <size> [LAST]")
		return &resp
	}

	parts := strings.Fields(args)
	if len(parts) < 1 || len(parts) > 2 {
		resp := ResponseSyntaxError("Syntax: BDAT <size> [LAST]")
		return &resp
	}

	chunkSize, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || chunkSize < 0 {
		resp := ResponseSyntaxError("Invalid chunk size")
		return &resp
	}

	isLast := false
	if len(parts) == 2 {
		if strings.ToUpper(parts[1]) != "LAST" {
			resp := ResponseSyntaxError("Syntax: BDAT <size> [LAST]")
			return &resp
		}
		isLast = true
	}

	currentSize := conn.BDATBufferSize()
	if conn.Limits.MaxMessageSize > 0 && currentSize+chunkSize > conn.Limits.MaxMessageSize {
		s.discardBDATChunk(reader, chunkSize)
		conn.ResetTransaction()
		resp := ResponseExceededStorage("Message too large")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnBDAT != nil {
		if err := s.config.Callbacks.OnBDAT(conn.Context(), conn, chunkSize, isLast); err != nil {
			s.discardBDATChunk(reader, chunkSize)
			conn.ResetTransaction()
			resp := ResponseTransactionFailed(err.Error(), ESCPermFailure)
			return &resp
		}
	}

	conn.SetState(StateBDAT)

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		resp := ResponseLocalError("Internal error")
		return &resp
	}

	chunkData, err := s.readBDATChunk(reader, chunkSize)
	if err != nil {
		logger.Error("BDAT read error", slog.Any("error", err))
		conn.ResetTransaction()
		resp := ResponseLocalError("Error reading chunk data")
		return &resp
	}

	if err := conn.AppendBDATChunk(chunkData, conn.Limits.MaxMessageSize); err != nil {
		conn.ResetTransaction()
		resp := ResponseExceededStorage("Message too large")
		return &resp
	}

	if isLast {
		rawData := conn.ConsumeBDATBuffer()
		mail.Content.FromRaw(rawData)

		if err := detectLoop(mail, logger, s.config.MaxReceivedHeaders); err != nil {
			conn.ResetTransaction()
			resp := ResponseTransactionFailed(err.Error(), ESCRoutingLoop)
			return &resp
		}

		mail.ID = utils.GenerateID()
		mail.ReceivedAt = time.Now()

		receivedHeader := conn.GenerateReceivedHeader("")
		receivedHeader.ID = mail.ID
		mail.Trace = append([]TraceField{receivedHeader}, mail.Trace...)
		mail.Content.Headers = append(Headers{{
			Name:  "Received",
			Value: receivedHeader.String(),
		}}, mail.Content.Headers...)

		if s.config.Callbacks != nil && s.config.Callbacks.OnMessage != nil {
			if err := s.config.Callbacks.OnMessage(conn.Context(), conn, mail); err != nil {
				conn.ResetTransaction()
				resp := ResponseTransactionFailed(err.Error(), ESCPermFailure)
				return &resp
			}
		}

		conn.CompleteTransaction()

		logger.Info("message received via BDAT",
			slog.String("mail_id", mail.ID),
			slog.String("from", mail.Envelope.From.String()),
			slog.Int("recipients", len(mail.Envelope.To)),
			slog.Int("size", len(rawData)),
		)

		return &Response{
			Code:         CodeOK,
			EnhancedCode: string(ESCSuccess),
			Message:      fmt.Sprintf("OK, queued as %s [%s]", mail.ID, conn.Trace.ID),
		}
	}

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCSuccess),
		Message:      fmt.Sprintf("OK, %d bytes received", chunkSize),
	}
}

// readBDATChunk reads exactly 'size' bytes of binary data for a BDAT chunk.
func (s *Server) readBDATChunk(reader *bufio.Reader, size int64) ([]byte, error) {
	data := make([]byte, size)
	_, err := io.ReadFull(reader, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// discardBDATChunk discards 'size' bytes from the reader (used on error).
func (s *Server) discardBDATChunk(reader *bufio.Reader, size int64) {
	_, _ = io.CopyN(io.Discard, reader, size)
}

func (s *Server) handleRset(conn *Connection) *Response {
	if s.config.Callbacks != nil && s.config.Callbacks.OnReset != nil {
		s.config.Callbacks.OnReset(conn.Context(), conn)
	}

	conn.ResetTransaction()

	resp := ResponseOK("OK", string(ESCSuccess))
	return &resp
}

// handleVrfy processes the VRFY command.
func (s *Server) handleVrfy(conn *Connection, args string) *Response {
	if args == "" {
		resp := ResponseSyntaxError("Syntax: VRFY <address>")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnVerify != nil {
		addr, err := s.config.Callbacks.OnVerify(conn.Context(), conn, args)
		if err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
		resp := ResponseOK(addr.String(), "")
		return &resp
	}

	// VRFY is disabled by default for privacy; 252 says we cannot verify
	// but will still accept and attempt delivery, unlike the 550 it would
	// take to claim the mailbox doesn't exist.
	resp := ResponseCannotVRFY("")
	return &resp
}

// handleExpn processes the EXPN command.
func (s *Server) handleExpn(conn *Connection, args string) *Response {
	if args == "" {
		resp := ResponseSyntaxError("Syntax: EXPN <list>")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnExpand != nil {
		addrs, err := s.config.Callbacks.OnExpand(conn.Context(), conn, args)
		if err != nil {
			resp := ResponseMailboxNotFound(err.Error())
			return &resp
		}
		lines := make([]string, len(addrs))
		for i, addr := range addrs {
			lines[i] = addr.String()
		}
		s.writeMultilineResponse(conn, CodeOK, lines)
		return nil
	}

	return &Response{
		Code:    CodeCannotVRFY,
		Message: "Cannot EXPN list, but will accept message and attempt delivery",
	}
}

// handleHelp processes the HELP command.
func (s *Server) handleHelp(conn *Connection, topic string) *Response {
	topic = strings.TrimSpace(topic)

	if s.config.Callbacks != nil && s.config.Callbacks.OnHelp != nil {
		lines := s.config.Callbacks.OnHelp(conn.Context(), conn, topic)
		if len(lines) > 0 {
			s.writeMultilineResponse(conn, CodeHelpMessage, lines)
			return nil
		}
	}

	if topic == "" {
		lines := []string{
			s.config.Hostname + " ESMTP",
			"Supported commands: HELO EHLO MAIL RCPT DATA BDAT RSET NOOP QUIT HELP VRFY EXPN AUTH STARTTLS",
		}
		s.writeMultilineResponse(conn, CodeHelpMessage, lines)
		return nil
	}

	topicUpper := strings.ToUpper(topic)
	var helpText string
	switch topicUpper {
	case "HELO":
		helpText = "HELO <hostname> - Identify yourself to the server"
	case "EHLO":
		helpText = "EHLO <hostname> - Extended HELLO, identify and request extensions"
	case "MAIL":
		helpText = "MAIL FROM:<address> [params] - Start a mail transaction"
	case "RCPT":
		helpText = "RCPT TO:<address> [params] - Specify a recipient"
	case "DATA":
		helpText = "DATA - Start message input, end with <CRLF>.<CRLF>"
	case "BDAT":
		helpText = "BDAT <size> [LAST] - Send message data in chunks (CHUNKING extension)"
	case "RSET":
		helpText = "RSET - Reset the current transaction"
	case "NOOP":
		helpText = "NOOP - No operation (keepalive)"
	case "QUIT":
		helpText = "QUIT - Close the connection"
	case "VRFY":
		helpText = "VRFY <address> - Verify an address (may be disabled)"
	case "EXPN":
		helpText = "EXPN <list> - Expand a mailing list (may be disabled)"
	case "HELP":
		helpText = "HELP [topic] - Show help information"
	case "STARTTLS":
		helpText = "STARTTLS - Upgrade connection to TLS"
	case "AUTH":
		helpText = "AUTH <mechanism> [initial-response] - Authenticate"
	default:
		return &Response{
			Code:    CodeHelpMessage,
			Message: fmt.Sprintf("No help available for '%s'", topic),
		}
	}

	return &Response{Code: CodeHelpMessage, Message: helpText}
}

func (s *Server) handleQuit(conn *Connection) *Response {
	conn.SetState(StateQuit)
	resp := ResponseServiceClosing(s.config.Hostname, fmt.Sprintf("Service closing transmission channel [%s]", conn.Trace.ID))
	return &resp
}

func (s *Server) handleStartTLS(conn *Connection, logger *slog.Logger) *Response {
	if conn.State() < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if s.config.TLSConfig == nil {
		resp := ResponseCommandNotImplemented("STARTTLS")
		return &resp
	}
	if conn.IsTLS() {
		resp := ResponseBadSequence("TLS already active")
		return &resp
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnStartTLS != nil {
		if err := s.config.Callbacks.OnStartTLS(conn.Context(), conn); err != nil {
			resp := ResponseTransactionFailed(err.Error(), ESCPermFailure)
			return &resp
		}
	}

	s.writeResponse(conn, Response{
		Code:    CodeServiceReady,
		Message: "Ready to start TLS",
	})

	if err := conn.UpgradeToTLS(s.config.TLSConfig); err != nil {
		logger.Warn("TLS handshake failed", slog.Any("error", err))
		conn.SetState(StateQuit)
		return nil
	}

	return nil
}
