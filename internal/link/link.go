// Package link implements Link: length-prefixed, checksummed,
// multi-priority TX/RX framing over a stream socket (§4.1).
package link

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"snchub/internal/obs"
	"snchub/internal/wire"
)

// ErrClosed is returned by Send once the Link has been closed.
var ErrClosed = errors.New("link: closed")

// Handler processes one fully-received message.
type Handler func(cmd uint16, priority uint8, body []byte)

// Link wraps one stream connection with four FIFO queues per
// direction, one per priority (§4.1). Sending is non-blocking: Send
// appends to the queue for the caller's priority; a dedicated
// transmit goroutine (started by RunTX) drains the highest non-empty
// queue until it would empty, then moves to the next.
type Link struct {
	conn net.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	tx     [wire.NumPriorities][][]byte
	closed bool

	logTag string
}

// New wraps conn in a Link identified by logTag (used in log messages).
func New(conn net.Conn, logTag string) *Link {
	l := &Link{conn: conn, logTag: logTag}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Conn returns the underlying connection (for address introspection).
func (l *Link) Conn() net.Conn { return l.conn }

// Send enqueues cmd/body at priority for transmission. Non-blocking:
// it never waits on socket I/O.
func (l *Link) Send(cmd uint16, priority uint8, body []byte) error {
	if priority >= wire.NumPriorities {
		priority = wire.PriLow
	}
	framed := wire.Frame(cmd, priority, body)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tx[priority] = append(l.tx[priority], framed)
	l.mu.Unlock()
	l.cond.Signal()
	return nil
}

// Close marks the Link closed, unblocks RunTX, and closes the socket.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	return l.conn.Close()
}

func (l *Link) emptyLocked() bool {
	for p := range l.tx {
		if len(l.tx[p]) > 0 {
			return false
		}
	}
	return true
}

// popHighestLocked removes and returns the head message of the
// highest-priority non-empty queue (index 0 == PriHigh is checked
// first, so higher-priority traffic can overtake lower while both
// are waiting, per §5 ordering guarantees).
func (l *Link) popHighestLocked() []byte {
	for p := range l.tx {
		if len(l.tx[p]) > 0 {
			msg := l.tx[p][0]
			l.tx[p] = l.tx[p][1:]
			return msg
		}
	}
	return nil
}

// RunTX drains the priority queues onto the socket until the Link is
// closed or a write fails. Run it in its own goroutine.
func (l *Link) RunTX() {
	for {
		l.mu.Lock()
		for l.emptyLocked() && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		msg := l.popHighestLocked()
		l.mu.Unlock()

		if _, err := l.conn.Write(msg); err != nil {
			obs.L().Debug("link: write failed, closing", zap.String("tag", l.logTag), zap.Error(err))
			_ = l.Close()
			return
		}
	}
}

// RunRX reads framed messages until the Link closes or a malformed
// frame forces a close (oversize); a bad sync or checksum instead
// resynchronises without tearing down the session (§4.1, §7).
func (l *Link) RunRX(handler Handler) error {
	r := bufio.NewReaderSize(l.conn, 64*1024)
	hdr := make([]byte, wire.EnvelopeLen)

	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return err
		}
		env, err := wire.Decode(hdr)
		if err != nil {
			if err == wire.ErrOversize {
				obs.L().Warn("link: oversize message, closing session", zap.String("tag", l.logTag))
				return err
			}
			obs.L().Warn("link: framing error, resynchronising", zap.String("tag", l.logTag), zap.Error(err))
			if err := l.findSync(r, hdr); err != nil {
				return err
			}
			continue
		}

		bodyLen := int(env.Length) - wire.EnvelopeLen
		var body []byte
		if bodyLen > 0 {
			body = make([]byte, bodyLen)
			if _, err := io.ReadFull(r, body); err != nil {
				return err
			}
		}
		handler(env.Cmd, env.Priority, body)
	}
}

// findSync discards bytes until the sync prefix reappears, then
// refills hdr with it plus the following header bytes so the caller
// can retry Decode. The sync pair may fall inside the already-read
// hdr bytes (not just later in the stream), so the search starts
// there before consuming any new bytes.
func (l *Link) findSync(r *bufio.Reader, hdr []byte) error {
	buf := append([]byte(nil), hdr...)
	for {
		for i := 0; i+1 < len(buf); i++ {
			if buf[i] == wire.Sync[0] && buf[i+1] == wire.Sync[1] {
				copy(hdr, buf[i:])
				got := len(buf) - i
				if got < len(hdr) {
					if _, err := io.ReadFull(r, hdr[got:]); err != nil {
						return err
					}
				}
				return nil
			}
		}
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf = append(buf[len(buf)-1:], b)
	}
}
