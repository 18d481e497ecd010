package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/gamers-united/magma/pkg/handshake"
)

// splice replays the classified prelude to the backend, completes any
// synthetic exchange the classifier started, then copies bytes in both
// directions until either side closes. Byte counts accumulate on the
// session as they move, so a snapshot mid-splice sees live totals.
func splice(sess *Session, backend net.Conn, res *handshake.Result) error {
	if _, err := backend.Write(res.Prelude); err != nil {
		return fmt.Errorf("replaying prelude: %w", err)
	}

	if res.SuppressBackendHandshake {
		// The client already saw our placeholder hash; the backend's
		// own reply must never reach it.
		if err := drainBackendHandshake(backend, res.Framing); err != nil {
			return fmt.Errorf("draining backend handshake: %w", err)
		}
		if _, err := backend.Write(res.DeferredLogin); err != nil {
			return fmt.Errorf("forwarding login packet: %w", err)
		}
	}

	return relay(sess, backend)
}

// drainBackendHandshake reads and discards the backend's handshake reply:
// a one byte packet ID, an int16 string length, then the string body in
// whichever framing the client negotiated.
func drainBackendHandshake(backend io.Reader, framing handshake.Framing) error {
	var header [3]byte
	if _, err := io.ReadFull(backend, header[:]); err != nil {
		return err
	}

	strLength := int16(binary.BigEndian.Uint16(header[1:3]))
	if strLength < 0 {
		return fmt.Errorf("backend handshake reply with negative length %d", strLength)
	}

	discard := int64(strLength)
	if framing == handshake.FramingUCS2 {
		discard *= 2
	}

	_, err := io.CopyN(io.Discard, backend, discard)
	return err
}

// countingWriter adds everything written through it to a session counter.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n.Add(int64(n))
	return n, err
}

// relay copies client->backend and backend->client concurrently. The
// first direction to finish tears the session down; closing both sockets
// unblocks the surviving copy, whose closed-connection error is teardown
// noise, not a session error.
func relay(sess *Session, backend net.Conn) error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(&countingWriter{backend, &sess.upload}, sess.Conn)
		done <- err
	}()
	go func() {
		_, err := io.Copy(&countingWriter{sess.Conn, &sess.download}, backend)
		done <- err
	}()

	err := <-done
	sess.Conn.Close()
	backend.Close()
	<-done

	return err
}
