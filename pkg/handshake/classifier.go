package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gamers-united/magma/pkg/wire"
)

// Handshake dialects changed incompatibly across client generations; the
// classifier tells them apart from the first bytes on the wire.
//
// The prelude read is capped at one kilobyte: every known handshake fits,
// and anything longer is in-session traffic we must not inspect.
const preludeSize = 1024

// Legacy new-handshake packets carry the protocol number in their second
// byte; only this range belongs to that dialect.
const (
	legacyProtocolMin = 33
	legacyProtocolMax = 80
)

// loginPacketSize is the fixed size of the legacy login follow-up: a one
// byte packet ID and a big-endian int32 protocol version.
const loginPacketSize = 5

// ErrMalformed is returned when the prelude cannot be decoded by the rule
// that matched it.
var ErrMalformed = errors.New("handshake: malformed prelude")

// Tags for the dialects that carry no protocol number of their own.
const (
	TagPreNettyPost39ListPing = "PreNettyPost39ListPing"
	TagPreNettyPre39ListPing  = "PreNettyPre39ListPing"
	TagUnknown                = "Unknown"
)

// NettyTag names a post-rewrite handshake by its varint protocol version.
func NettyTag(version uint32) string { return fmt.Sprintf("N%d", version) }

// LegacyTag names a pre-rewrite handshake by its protocol number.
func LegacyTag(version int32) string { return fmt.Sprintf("P%d", version) }

// Framing selects how length-prefixed strings on this connection are
// encoded.
type Framing int

const (
	// FramingUCS2 frames strings as an int16 code-unit count followed by
	// big-endian UTF-16 units.
	FramingUCS2 Framing = iota
	// FramingMUTF8 frames strings as an int16 byte count followed by
	// Java modified UTF-8.
	FramingMUTF8
)

func (f Framing) String() string {
	if f == FramingUCS2 {
		return "ucs2"
	}
	return "mutf8"
}

// Result is the outcome of classifying one client connection.
type Result struct {
	// Tag is the protocol tag used as the routing key.
	Tag string

	// Prelude holds every byte consumed from the client to reach the
	// decision, in original order. It must be replayed to the backend
	// before any other traffic.
	Prelude []byte

	// DeferredLogin holds the legacy login packet read after the
	// synthetic handshake reply. Present iff SuppressBackendHandshake.
	DeferredLogin []byte

	// SuppressBackendHandshake is set when the proxy already answered
	// the client's handshake and must swallow the backend's version.
	SuppressBackendHandshake bool

	// Framing is the string framing negotiated by the old-handshake
	// dialect. Meaningful only when SuppressBackendHandshake is set.
	Framing Framing
}

// Classifier reads the minimum prefix of a client connection needed to
// name its protocol dialect.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier returns a classifier logging through logger.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify reads up to one kilobyte from conn and applies the dialect
// rules in order, first match wins. For the old-handshake dialect it also
// answers the client with a synthetic handshake reply and reads the login
// follow-up, so conn must be the live client connection.
func (c *Classifier) Classify(conn io.ReadWriter) (*Result, error) {
	buf := make([]byte, preludeSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, fmt.Errorf("reading prelude: %w", err)
	}

	prelude := buf[:n]
	b0 := prelude[0]
	// Short reads leave the tail zeroed; a missing second byte reads as
	// 0x00 for the guards below.
	var b1 byte
	if n > 1 {
		b1 = prelude[1]
	}

	switch {
	case n > 1 && b1 == 0x00 && b0 != 0x00 && b0 != 0x02:
		return c.classifyNetty(prelude)
	case b0 == 0xFE && b1 == 0x01:
		return &Result{Tag: TagPreNettyPost39ListPing, Prelude: prelude}, nil
	case b0 == 0x02 && b1 >= legacyProtocolMin && b1 <= legacyProtocolMax:
		return &Result{Tag: LegacyTag(int32(b1)), Prelude: prelude}, nil
	case b0 == 0xFE && n == 1:
		return &Result{Tag: TagPreNettyPre39ListPing, Prelude: prelude}, nil
	case b0 == 0x02:
		return c.classifyOldHandshake(conn, prelude)
	default:
		c.logger.Info("unknown handshake format",
			"b0", fmt.Sprintf("%#x", buf[0]),
			"b1", fmt.Sprintf("%#x", buf[1]),
			"b2", fmt.Sprintf("%#x", buf[2]),
		)
		return &Result{Tag: TagUnknown, Prelude: prelude}, nil
	}
}

// classifyNetty handles the post-rewrite handshake: a varint packet
// length, the 0x00 handshake packet ID, then the varint protocol version.
func (c *Classifier) classifyNetty(prelude []byte) (*Result, error) {
	br := bytes.NewReader(prelude)

	if _, _, err := wire.ReadVarInt(br); err != nil {
		return nil, fmt.Errorf("%w: packet length: %v", ErrMalformed, err)
	}
	if _, err := br.ReadByte(); err != nil {
		return nil, fmt.Errorf("%w: truncated packet", ErrMalformed)
	}
	version, _, err := wire.ReadVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("%w: protocol version: %v", ErrMalformed, err)
	}

	return &Result{Tag: NettyTag(version), Prelude: prelude}, nil
}

// classifyOldHandshake handles the oldest handshake dialect. The packet
// holds only a username; the protocol version arrives in the login packet
// that the client sends after the server's handshake reply. Since no
// backend is chosen yet, the proxy answers the handshake itself with a
// placeholder hash and caches the login packet for replay.
func (c *Classifier) classifyOldHandshake(conn io.ReadWriter, prelude []byte) (*Result, error) {
	if len(prelude) < 3 {
		return nil, fmt.Errorf("%w: old handshake shorter than its header", ErrMalformed)
	}

	strLength := int16(binary.BigEndian.Uint16(prelude[1:3]))
	payload := len(prelude) - 3
	framing := FramingMUTF8
	if payload/2 == int(strLength) {
		framing = FramingUCS2
	}

	reply := []byte{0x02}
	var err error
	if framing == FramingUCS2 {
		reply, err = wire.AppendString16(reply, "-")
	} else {
		reply, err = wire.AppendString8(reply, "-")
	}
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(reply); err != nil {
		return nil, fmt.Errorf("writing handshake reply: %w", err)
	}

	login := make([]byte, loginPacketSize)
	if _, err := io.ReadFull(conn, login); err != nil {
		return nil, fmt.Errorf("%w: login packet: %v", ErrMalformed, err)
	}
	version := int32(binary.BigEndian.Uint32(login[1:]))

	return &Result{
		Tag:                      LegacyTag(version),
		Prelude:                  prelude,
		DeferredLogin:            login,
		SuppressBackendHandshake: true,
		Framing:                  framing,
	}, nil
}
