package tftp

import (
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Transfer outcome labels.
const (
	outcomeComplete = "complete"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeAborted  = "aborted"
	outcomeShutdown = "shutdown"
)

// session is the per-connection transfer state. It is created by the
// server's event loop on an accepted RRQ or WRQ, keyed in the registry by
// the client endpoint, and mutated only by that loop.
type session struct {
	id      string
	remote  *net.UDPAddr
	conn    *net.UDPConn // ephemeral socket; all replies originate here
	kind    OpCode
	opts    TransferOptions
	log     *logrus.Entry
	metrics *Metrics

	src ReadStream  // RRQ source
	dst WriteStream // WRQ sink

	// awaitingStart is set after an OACK on a read request: the window
	// opens on the client's ACK(0).
	awaitingStart bool
	lastAck       uint16 // highest contiguous block acknowledged (RRQ) or received (WRQ)
	lastSent      uint16 // highest block sent in the current window
	sentShort     bool   // the final short block is in flight
	windowOffset  int64  // file offset of block lastAck+1
	bytes         int64
	lastFrame     []byte // most recent frame, retained for retransmission
	deadline      time.Time
	retries       int
	start         time.Time
}

// send is best-effort: a failed send is indistinguishable from a lost
// datagram and is recovered by the retransmit timer.
func (s *session) send(frame []byte) {
	s.conn.Write(frame)
}

func (s *session) resetDeadline() {
	s.deadline = time.Now().Add(s.opts.Timeout)
}

func (s *session) close() {
	if s.src != nil {
		s.src.Close()
	}
	if s.dst != nil {
		s.dst.Close()
	}
	s.conn.Close()
}

// sendWindow emits up to WindowSize consecutive DATA frames starting at
// lastAck+1. Blocks are re-read from the stream by offset, so blocks still
// in flight from a previous window are simply read and sent again.
func (s *session) sendWindow() (done bool, outcome string) {
	buf := make([]byte, s.opts.BlockSize)
	for i := 0; i < s.opts.WindowSize; i++ {
		block := s.lastAck + 1 + uint16(i)
		off := s.windowOffset + int64(i)*int64(s.opts.BlockSize)
		n, err := s.src.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			s.log.WithError(err).Error("file read failed")
			s.send(Encode(&Error{Code: ERR_UNDEFINED, Message: "read error"}))
			return true, outcomeError
		}
		frame := Encode(&Data{Block: block, Payload: buf[:n]})
		s.send(frame)
		s.lastFrame = frame
		s.lastSent = block
		s.sentShort = n < s.opts.BlockSize
		s.bytes += int64(n)
		s.metrics.addBytes("out", n)
		if s.sentShort {
			break
		}
	}
	s.resetDeadline()
	return false, ""
}

// handleAck advances a read transfer. Out-of-window ACKs are ignored
// without touching the retry budget.
func (s *session) handleAck(p *Ack) (done bool, outcome string) {
	if s.awaitingStart {
		if p.Block != 0 {
			return false, ""
		}
		s.awaitingStart = false
		s.retries = 0
		return s.sendWindow()
	}

	delta := p.Block - s.lastAck
	inFlight := s.lastSent - s.lastAck
	if delta == 0 || delta > inFlight {
		return false, ""
	}

	s.lastAck = p.Block
	s.windowOffset += int64(delta) * int64(s.opts.BlockSize)
	s.retries = 0

	if s.sentShort && p.Block == s.lastSent {
		return true, outcomeComplete
	}
	return s.sendWindow()
}

// handleData advances a write transfer. The expected block is appended and
// acknowledged; a duplicate of the previous block repeats the prior reply
// without re-appending; anything else is ignored.
func (s *session) handleData(p *Data) (done bool, outcome string) {
	switch p.Block {
	case s.lastAck + 1:
		if _, err := s.dst.Write(p.Payload); err != nil {
			s.log.WithError(err).Error("file write failed")
			s.send(Encode(&Error{Code: ERR_DISK_FULL, Message: "write error"}))
			return true, outcomeError
		}
		s.lastAck = p.Block
		s.retries = 0
		s.bytes += int64(len(p.Payload))
		s.metrics.addBytes("in", len(p.Payload))

		frame := Encode(&Ack{Block: p.Block})
		s.lastFrame = frame
		s.send(frame)

		if len(p.Payload) < s.opts.BlockSize {
			return true, outcomeComplete
		}
		s.resetDeadline()
	case s.lastAck:
		s.send(s.lastFrame)
	}
	return false, ""
}

// expire drives the retransmit timer. The session survives at most
// maxRetry retransmits without progress; the next expiry removes it
// without a farewell frame.
func (s *session) expire(now time.Time, maxRetry int) (done bool, outcome string) {
	if !now.After(s.deadline) {
		return false, ""
	}
	if s.retries >= maxRetry {
		return true, outcomeTimeout
	}
	s.retries++
	s.send(s.lastFrame)
	s.metrics.retransmit()
	s.deadline = now.Add(s.opts.Timeout)
	s.log.WithField("retries", s.retries).Debug("retransmitted last frame")
	return false, ""
}
