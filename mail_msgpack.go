package raven

import (
	"github.com/tinylib/msgp/msgp"
)

// ToMessagePack encodes the mail object to MessagePack, for handing a
// received message to a queue or storage backend without paying JSON's
// text-encoding overhead on the hot path.
func (m *Mail) ToMessagePack() ([]byte, error) {
	return m.MarshalMsg(nil)
}

// FromMessagePack decodes a mail object previously produced by ToMessagePack.
func FromMessagePack(data []byte) (*Mail, error) {
	m := &Mail{}
	if _, err := m.UnmarshalMsg(data); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalMsg implements msgp.Marshaler by hand, appending directly to b.
// Field order and the map size below must stay in lockstep.
func (m *Mail) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 6)

	b = msgp.AppendString(b, "envelope")
	b = appendEnvelope(b, m.Envelope)

	b = msgp.AppendString(b, "content")
	b = appendContent(b, m.Content)

	b = msgp.AppendString(b, "trace")
	b = msgp.AppendArrayHeader(b, uint32(len(m.Trace)))
	for _, tf := range m.Trace {
		b = appendTraceField(b, tf)
	}

	b = msgp.AppendString(b, "received_at")
	b = msgp.AppendTime(b, m.ReceivedAt)

	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, m.ID)

	b = msgp.AppendString(b, "raw")
	b = msgp.AppendBytes(b, m.Raw)

	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler by hand, mirroring MarshalMsg's
// field order and returning the bytes following the decoded object.
func (m *Mail) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}

	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "envelope":
			m.Envelope, bts, err = readEnvelope(bts)
		case "content":
			m.Content, bts, err = readContent(bts)
		case "trace":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, err
			}
			m.Trace = make([]TraceField, n)
			for j := uint32(0); j < n; j++ {
				m.Trace[j], bts, err = readTraceField(bts)
				if err != nil {
					return bts, err
				}
			}
		case "received_at":
			m.ReceivedAt, bts, err = msgp.ReadTimeBytes(bts)
		case "id":
			m.ID, bts, err = msgp.ReadStringBytes(bts)
		case "raw":
			m.Raw, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, err
		}
	}

	return bts, nil
}

func appendMailboxAddress(b []byte, a MailboxAddress) []byte {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "local_part")
	b = msgp.AppendString(b, a.LocalPart)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, a.Domain)
	b = msgp.AppendString(b, "display_name")
	b = msgp.AppendString(b, a.DisplayName)
	return b
}

func readMailboxAddress(bts []byte) (MailboxAddress, []byte, error) {
	var a MailboxAddress
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return a, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return a, bts, err
		}
		switch key {
		case "local_part":
			a.LocalPart, bts, err = msgp.ReadStringBytes(bts)
		case "domain":
			a.Domain, bts, err = msgp.ReadStringBytes(bts)
		case "display_name":
			a.DisplayName, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return a, bts, err
		}
	}
	return a, bts, nil
}

func appendPath(b []byte, p Path) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "mailbox")
	b = appendMailboxAddress(b, p.Mailbox)
	b = msgp.AppendString(b, "source_routes")
	b = msgp.AppendArrayHeader(b, uint32(len(p.SourceRoutes)))
	for _, r := range p.SourceRoutes {
		b = msgp.AppendString(b, r)
	}
	return b
}

func readPath(bts []byte) (Path, []byte, error) {
	var p Path
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return p, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return p, bts, err
		}
		switch key {
		case "mailbox":
			p.Mailbox, bts, err = readMailboxAddress(bts)
		case "source_routes":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return p, bts, err
			}
			p.SourceRoutes = make([]string, n)
			for j := uint32(0); j < n; j++ {
				p.SourceRoutes[j], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return p, bts, err
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return p, bts, err
		}
	}
	return p, bts, nil
}

func appendRecipient(b []byte, r Recipient) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "address")
	b = appendPath(b, r.Address)
	b = msgp.AppendString(b, "dsn_notify")
	if r.DSNParams == nil {
		b = msgp.AppendArrayHeader(b, 0)
	} else {
		b = msgp.AppendArrayHeader(b, uint32(len(r.DSNParams.Notify)))
		for _, v := range r.DSNParams.Notify {
			b = msgp.AppendString(b, v)
		}
	}
	return b
}

func readRecipient(bts []byte) (Recipient, []byte, error) {
	var r Recipient
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return r, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return r, bts, err
		}
		switch key {
		case "address":
			r.Address, bts, err = readPath(bts)
		case "dsn_notify":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return r, bts, err
			}
			if n > 0 {
				r.DSNParams = &DSNRecipientParams{Notify: make([]string, n)}
				for j := uint32(0); j < n; j++ {
					r.DSNParams.Notify[j], bts, err = msgp.ReadStringBytes(bts)
					if err != nil {
						return r, bts, err
					}
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return r, bts, err
		}
	}
	return r, bts, nil
}

func appendEnvelope(b []byte, e Envelope) []byte {
	b = msgp.AppendMapHeader(b, 6)
	b = msgp.AppendString(b, "from")
	b = appendPath(b, e.From)
	b = msgp.AppendString(b, "to")
	b = msgp.AppendArrayHeader(b, uint32(len(e.To)))
	for _, r := range e.To {
		b = appendRecipient(b, r)
	}
	b = msgp.AppendString(b, "body_type")
	b = msgp.AppendString(b, string(e.BodyType))
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, e.Size)
	b = msgp.AppendString(b, "smtputf8")
	b = msgp.AppendBool(b, e.SMTPUTF8)
	b = msgp.AppendString(b, "auth")
	b = msgp.AppendString(b, e.Auth)
	return b
}

func readEnvelope(bts []byte) (Envelope, []byte, error) {
	var e Envelope
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return e, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return e, bts, err
		}
		switch key {
		case "from":
			e.From, bts, err = readPath(bts)
		case "to":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return e, bts, err
			}
			e.To = make([]Recipient, n)
			for j := uint32(0); j < n; j++ {
				e.To[j], bts, err = readRecipient(bts)
				if err != nil {
					return e, bts, err
				}
			}
		case "body_type":
			var s string
			s, bts, err = msgp.ReadStringBytes(bts)
			e.BodyType = BodyType(s)
		case "size":
			e.Size, bts, err = msgp.ReadInt64Bytes(bts)
		case "smtputf8":
			e.SMTPUTF8, bts, err = msgp.ReadBoolBytes(bts)
		case "auth":
			e.Auth, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return e, bts, err
		}
	}
	return e, bts, nil
}

func appendContent(b []byte, c Content) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "headers")
	b = msgp.AppendArrayHeader(b, uint32(len(c.Headers)))
	for _, h := range c.Headers {
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, "name")
		b = msgp.AppendString(b, h.Name)
		b = msgp.AppendString(b, "value")
		b = msgp.AppendString(b, h.Value)
	}
	b = msgp.AppendString(b, "body")
	b = msgp.AppendBytes(b, c.Body)
	return b
}

func readContent(bts []byte) (Content, []byte, error) {
	var c Content
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return c, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return c, bts, err
		}
		switch key {
		case "headers":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return c, bts, err
			}
			c.Headers = make(Headers, n)
			for j := uint32(0); j < n; j++ {
				var hsz uint32
				hsz, bts, err = msgp.ReadMapHeaderBytes(bts)
				if err != nil {
					return c, bts, err
				}
				var h Header
				for k := uint32(0); k < hsz; k++ {
					var hkey string
					hkey, bts, err = msgp.ReadStringBytes(bts)
					if err != nil {
						return c, bts, err
					}
					switch hkey {
					case "name":
						h.Name, bts, err = msgp.ReadStringBytes(bts)
					case "value":
						h.Value, bts, err = msgp.ReadStringBytes(bts)
					default:
						bts, err = msgp.Skip(bts)
					}
					if err != nil {
						return c, bts, err
					}
				}
				c.Headers[j] = h
			}
		case "body":
			c.Body, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return c, bts, err
		}
	}
	return c, bts, nil
}

func appendTraceField(b []byte, tf TraceField) []byte {
	b = msgp.AppendMapHeader(b, 9)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, tf.Type)
	b = msgp.AppendString(b, "from_domain")
	b = msgp.AppendString(b, tf.FromDomain)
	b = msgp.AppendString(b, "from_ip")
	b = msgp.AppendString(b, tf.FromIP)
	b = msgp.AppendString(b, "by_domain")
	b = msgp.AppendString(b, tf.ByDomain)
	b = msgp.AppendString(b, "via")
	b = msgp.AppendString(b, tf.Via)
	b = msgp.AppendString(b, "with")
	b = msgp.AppendString(b, tf.With)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, tf.ID)
	b = msgp.AppendString(b, "for")
	b = msgp.AppendString(b, tf.For)
	b = msgp.AppendString(b, "timestamp")
	b = msgp.AppendTime(b, tf.Timestamp)
	return b
}

func readTraceField(bts []byte) (TraceField, []byte, error) {
	var tf TraceField
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return tf, bts, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return tf, bts, err
		}
		switch key {
		case "type":
			tf.Type, bts, err = msgp.ReadStringBytes(bts)
		case "from_domain":
			tf.FromDomain, bts, err = msgp.ReadStringBytes(bts)
		case "from_ip":
			tf.FromIP, bts, err = msgp.ReadStringBytes(bts)
		case "by_domain":
			tf.ByDomain, bts, err = msgp.ReadStringBytes(bts)
		case "via":
			tf.Via, bts, err = msgp.ReadStringBytes(bts)
		case "with":
			tf.With, bts, err = msgp.ReadStringBytes(bts)
		case "id":
			tf.ID, bts, err = msgp.ReadStringBytes(bts)
		case "for":
			tf.For, bts, err = msgp.ReadStringBytes(bts)
		case "timestamp":
			tf.Timestamp, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return tf, bts, err
		}
	}
	return tf, bts, nil
}
