package icebus

import (
	"encoding/binary"
	"fmt"
)

// MessageType describes the four message kinds carried by the bus, plus the
// invalid zero value. The invalid value doubles as a type wildcard in match
// rules.
type MessageType uint8

// Message types.
const (
	MessageInvalid MessageType = iota
	MessageMethodCall
	MessageMethodReturn
	MessageError
	MessageSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageMethodCall:
		return "method_call"
	case MessageMethodReturn:
		return "method_return"
	case MessageError:
		return "error"
	case MessageSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// MessageFlags is the bitmask carried in a message header.
type MessageFlags uint8

// Message flags.
const (
	// FlagNoReplyExpected suppresses the reply to a method call.
	FlagNoReplyExpected MessageFlags = 0x01
	// FlagAutoStart asks the bus to launch the owner of an unknown
	// destination before routing.
	FlagAutoStart MessageFlags = 0x02
	// FlagGlobalBroadcast forwards a broadcast signal to all bus-to-bus
	// endpoints in addition to local subscribers.
	FlagGlobalBroadcast MessageFlags = 0x20
	// FlagSessionless marks a signal for sessionless delivery.
	FlagSessionless MessageFlags = 0x10
)

// Message is a single bus message. The body is opaque to the router; only the
// header fields participate in routing decisions.
type Message struct {
	Type        MessageType
	Flags       MessageFlags
	Sender      string
	Destination string
	SessionID   uint32
	Interface   string
	Member      string
	Path        string
	ErrorName   string
	CallSerial  uint32
	ReplySerial uint32
	Body        []byte
}

// NewMethodCall builds a method call message.
func NewMethodCall(sender, destination, iface, member, path string, serial uint32) *Message {
	return &Message{
		Type:        MessageMethodCall,
		Sender:      sender,
		Destination: destination,
		Interface:   iface,
		Member:      member,
		Path:        path,
		CallSerial:  serial,
	}
}

// NewSignal builds a broadcast signal message. Destination is left empty;
// callers set SessionID for session multicast.
func NewSignal(sender, iface, member, path string, serial uint32) *Message {
	return &Message{
		Type:       MessageSignal,
		Sender:     sender,
		Interface:  iface,
		Member:     member,
		Path:       path,
		CallSerial: serial,
	}
}

// NewErrorReply synthesizes an error reply to req. The reply is addressed to
// the original sender and carries the original call serial as its reply
// serial.
func NewErrorReply(req *Message, errName, description string) *Message {
	return &Message{
		Type:        MessageError,
		Sender:      req.Destination,
		Destination: req.Sender,
		SessionID:   req.SessionID,
		ErrorName:   errName,
		ReplySerial: req.CallSerial,
		Body:        []byte(description),
	}
}

// ReplyExpected reports whether the sender of this message is waiting on a
// reply.
func (m *Message) ReplyExpected() bool {
	return m.Type == MessageMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// IsGlobalBroadcast reports whether this broadcast signal should be forwarded
// to all bus-to-bus endpoints.
func (m *Message) IsGlobalBroadcast() bool {
	return m.Destination == "" && m.Flags&FlagGlobalBroadcast != 0
}

// Description returns a short human readable identification of the message
// used in log output.
func (m *Message) Description() string {
	switch m.Type {
	case MessageMethodCall:
		return fmt.Sprintf("METHOD_CALL[%d] %s.%s", m.CallSerial, m.Interface, m.Member)
	case MessageMethodReturn:
		return fmt.Sprintf("METHOD_RET[%d]", m.ReplySerial)
	case MessageError:
		return fmt.Sprintf("ERROR[%d] %s", m.ReplySerial, m.ErrorName)
	case MessageSignal:
		return fmt.Sprintf("SIGNAL[%d] %s.%s", m.CallSerial, m.Interface, m.Member)
	default:
		return "INVALID"
	}
}

const messageHeaderLen = 16

// Marshal encodes the message with the daemon framing: a fixed header
// followed by length-prefixed string fields and the body.
func (m *Message) Marshal() []byte {
	strs := []string{m.Sender, m.Destination, m.Interface, m.Member, m.Path, m.ErrorName}

	size := messageHeaderLen
	for _, s := range strs {
		size += 2 + len(s)
	}
	size += 4 + len(m.Body)

	out := make([]byte, 0, size)
	out = append(out, byte(m.Type), byte(m.Flags), 0, 0)
	out = binary.BigEndian.AppendUint32(out, m.SessionID)
	out = binary.BigEndian.AppendUint32(out, m.CallSerial)
	out = binary.BigEndian.AppendUint32(out, m.ReplySerial)
	for _, s := range strs {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s))) //nolint:gosec
		out = append(out, s...)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Body))) //nolint:gosec
	out = append(out, m.Body...)

	return out
}

// Unmarshal decodes a message encoded by Marshal.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < messageHeaderLen {
		return errShortMessage(len(data))
	}
	m.Type = MessageType(data[0])
	m.Flags = MessageFlags(data[1])
	m.SessionID = binary.BigEndian.Uint32(data[4:])
	m.CallSerial = binary.BigEndian.Uint32(data[8:])
	m.ReplySerial = binary.BigEndian.Uint32(data[12:])

	off := messageHeaderLen
	fields := []*string{&m.Sender, &m.Destination, &m.Interface, &m.Member, &m.Path, &m.ErrorName}
	for _, f := range fields {
		if off+2 > len(data) {
			return errShortMessage(len(data))
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			return errShortMessage(len(data))
		}
		*f = string(data[off : off+n])
		off += n
	}
	if off+4 > len(data) {
		return errShortMessage(len(data))
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+n > len(data) {
		return errShortMessage(len(data))
	}
	m.Body = append([]byte(nil), data[off:off+n]...)

	return nil
}

func errShortMessage(n int) error {
	return fmt.Errorf("%w: truncated at %d bytes", ErrMalformedMessage, n)
}
