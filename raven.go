// Raven is an RFC 5321 ESMTP server and client library for Go.
//
// # Server
//
// Configure a server with ServerConfig and a set of callbacks, then serve:
//
//	config := raven.DefaultServerConfig()
//	config.Hostname = "mail.example.com"
//	config.Addr = ":25"
//	config.TLSConfig = tlsConfig
//	config.Callbacks = &raven.Callbacks{
//	    OnMessage: func(ctx context.Context, conn *raven.Connection, mail *raven.Mail) error {
//	        log.Printf("received mail from %s", mail.Envelope.From.String())
//	        return nil
//	    },
//	}
//
//	server, err := raven.NewServer(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := server.ListenAndServe(); err != nil && !errors.Is(err, raven.ErrServerClosed) {
//	    log.Fatal(err)
//	}
//
// Call Shutdown or Close to stop accepting connections and drain sessions
// in flight. SubmissionConfig returns a ServerConfig preset for port 587
// message submission (STARTTLS and AUTH required).
//
// # Client
//
// Send mail using the client with automatic extension negotiation:
//
//	client := raven.NewClient(&raven.ClientConfig{
//	    LocalName: "client.example.com",
//	    Auth:      &raven.ClientAuth{Username: "user", Password: "pass"},
//	})
//	if err := client.Dial("smtp.example.com:587"); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Hello(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.StartTLS(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Auth(); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := client.Send(mail)
//
// # Serialization
//
// A Mail round-trips through JSON or MessagePack for queuing and storage:
//
//	data, err := mail.ToJSON()
//	mail, err := raven.FromJSON(data)
//
//	data, err := mail.ToMessagePack()
//	mail, err := raven.FromMessagePack(data)
//
// # PROXY protocol
//
// ServerConfig.ProxyProtocol accepts HAProxy PROXY protocol v1 and v2
// headers ahead of the SMTP greeting, for servers deployed behind a load
// balancer that does not terminate TCP itself.
//
// # Extensions
//
// Raven supports these SMTP extensions:
//
// Intrinsic (always advertised):
//   - ENHANCEDSTATUSCODES (RFC 2034)
//   - 8BITMIME (RFC 6152)
//   - SMTPUTF8 (RFC 6531)
//   - PIPELINING (RFC 2920)
//
// Opt-in (enabled through ServerConfig):
//   - STARTTLS (RFC 3207) - set TLSConfig
//   - AUTH (RFC 4954) - set AuthMechanisms
//   - SIZE (RFC 1870) - set MaxMessageSize
//   - DSN (RFC 3461) - set EnableDSN
//   - CHUNKING (RFC 3030) - set EnableChunking
//   - REQUIRETLS (RFC 8689) - set RequireTLSExt, advertised once TLS is active
package raven
