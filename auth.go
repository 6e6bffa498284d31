package raven

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	ravenio "github.com/corvidwire/raven/io"
	"github.com/corvidwire/raven/sasl"
)

// getEffectiveAuthMechanisms returns the AUTH mechanisms this server will
// actually accept, honoring EnableLoginAuth's veto over a LOGIN entry
// present in AuthMechanisms.
func (s *Server) getEffectiveAuthMechanisms() []string {
	mechanisms := make([]string, 0, len(s.config.AuthMechanisms))
	for _, m := range s.config.AuthMechanisms {
		if strings.EqualFold(m, "LOGIN") && !s.config.EnableLoginAuth {
			continue
		}
		mechanisms = append(mechanisms, strings.ToUpper(m))
	}
	return mechanisms
}

// newMechanism constructs a fresh SASL mechanism instance by name, or nil
// if the name isn't one this server supports.
func (s *Server) newMechanism(name string) sasl.Mechanism {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return sasl.NewPlain()
	case "LOGIN":
		if !s.config.EnableLoginAuth {
			return nil
		}
		return sasl.NewLogin()
	default:
		return nil
	}
}

// handleAuth processes the AUTH command (RFC 4954).
func (s *Server) handleAuth(conn *Connection, args string, reader *bufio.Reader) *Response {
	if conn.State() < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}

	if s.config.RequireTLS && !conn.IsTLS() {
		resp := ResponseAuthRequired("TLS required before authentication")
		return &resp
	}

	if conn.IsAuthenticated() {
		resp := ResponseBadSequence("Already authenticated")
		return &resp
	}

	effectiveMechanisms := s.getEffectiveAuthMechanisms()
	if len(effectiveMechanisms) == 0 {
		resp := ResponseCommandNotImplemented("AUTH")
		return &resp
	}

	args = strings.TrimSpace(args)
	mechName, initialResponse, _ := strings.Cut(args, " ")
	if mechName == "" {
		resp := ResponseSyntaxError("Syntax: AUTH <mechanism> [initial-response]")
		return &resp
	}

	supported := false
	for _, m := range effectiveMechanisms {
		if strings.EqualFold(m, mechName) {
			supported = true
			break
		}
	}
	if !supported {
		resp := ResponseParamsNotRecognized(mechName)
		return &resp
	}

	mechanism := s.newMechanism(mechName)
	if mechanism == nil {
		resp := ResponseParamsNotRecognized(mechName)
		return &resp
	}

	creds, err := s.runSASLExchange(conn, mechanism, strings.TrimSpace(initialResponse), reader)
	if err != nil {
		if errors.Is(err, sasl.ErrAuthenticationCancelled) {
			resp := ResponseSyntaxError("Authentication cancelled")
			return &resp
		}
		return &Response{
			Code:         CodeAuthCredentialsInvalid,
			EnhancedCode: string(ESCAuthCredentialsInvalid),
			Message:      fmt.Sprintf("Authentication failed: %v", err),
		}
	}

	if s.config.Callbacks != nil && s.config.Callbacks.OnAuth != nil {
		if err := s.config.Callbacks.OnAuth(conn.Context(), conn, mechanism.Name(), creds.Identity(), creds.Password); err != nil {
			return &Response{
				Code:         CodeAuthCredentialsInvalid,
				EnhancedCode: string(ESCAuthCredentialsInvalid),
				Message:      fmt.Sprintf("Authentication failed: %v", err),
			}
		}
	}

	conn.SetAuthenticated(mechanism.Name(), creds.Identity())

	return &Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: string(ESCSecuritySuccess),
		Message:      "Authentication successful",
	}
}

// runSASLExchange drives the challenge/response loop for a SASL mechanism
// until it reports done, returning the credentials it collected.
func (s *Server) runSASLExchange(conn *Connection, mechanism sasl.Mechanism, initialResponse string, reader *bufio.Reader) (*sasl.Credentials, error) {
	challenge, done, err := mechanism.Start(initialResponse)
	if err != nil {
		return nil, err
	}

	for !done {
		s.writeResponse(conn, Response{
			Code:    CodeAuthContinue,
			Message: challenge,
		})

		line, err := ravenio.ReadLine(reader, s.config.MaxLineLength, false)
		if err != nil {
			return nil, err
		}

		challenge, done, err = mechanism.Next(line)
		if err != nil {
			return nil, err
		}
	}

	return mechanism.Credentials(), nil
}
