package tftp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort           = 69
	DefaultMaxConnections = 100
	DefaultMaxRetry       = 5

	// sweepInterval bounds how stale a session deadline can get before
	// the idle sweep notices it.
	sweepInterval = 512 * time.Millisecond

	// scratchSize fits the largest negotiable block plus headers.
	scratchSize = 64 * 1024
)

// inbound is one received datagram, tagged with the client endpoint it
// belongs to. The payload is always a private copy.
type inbound struct {
	remote *net.UDPAddr
	data   []byte
}

// Server is a TFTP server. A single event loop owns the listener socket,
// the session registry and all session state; per-socket reader goroutines
// only copy datagrams onto the loop's channel.
type Server struct {
	Addr           string   // listen address, ":69" when empty
	Resolver       Resolver // file resolver, DirResolver(".") when nil
	ReadOnly       bool     // reject all write requests
	WriteOnly      bool     // reject all read requests
	MaxConnections int
	MaxRetry       int
	Log            *logrus.Logger
	Metrics        *Metrics

	conn      *net.UDPConn
	sessions  []*session
	packets   chan inbound
	fatal     chan error
	done      chan struct{}
	closeOnce sync.Once
	count     atomic.Int64
}

// Listen binds the UDP socket. A binding failure is fatal: the server
// never enters its loop.
func (s *Server) Listen() error {
	addr := s.Addr
	if addr == "" {
		addr = ":69"
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return errors.Wrapf(err, "binding %s", addr)
	}
	s.conn = conn
	s.packets = make(chan inbound, 64)
	s.fatal = make(chan error, 1)
	s.done = make(chan struct{})
	return nil
}

// LocalAddr returns the bound listener address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the event loop until Close is called or the listener socket
// fails. All datagrams, and the ≤2 Hz idle sweep, are handled here.
func (s *Server) Serve() error {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	if s.Resolver == nil {
		s.Resolver = NewDirResolver(".")
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.MaxRetry <= 0 {
		s.MaxRetry = DefaultMaxRetry
	}

	go s.listenLoop()
	s.Log.WithField("addr", s.conn.LocalAddr().String()).Info("tftp server listening")

	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.done:
			s.shutdown()
			return nil
		case err := <-s.fatal:
			s.shutdown()
			return errors.Wrap(err, "listener socket")
		case in := <-s.packets:
			s.dispatch(in)
		case <-tick.C:
			s.sweep(time.Now())
		}
	}
}

// Close requests termination. Active sessions are torn down without a
// farewell frame; clients discover the shutdown via their own timeout.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// SessionCount reports the registry population.
func (s *Server) SessionCount() int {
	return int(s.count.Load())
}

func (s *Server) listenLoop() {
	buf := make([]byte, scratchSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// A read error after Close is the close itself, not a fault.
			select {
			case <-s.done:
			default:
				select {
				case s.fatal <- err:
				default:
				}
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.packets <- inbound{remote: addr, data: data}:
		case <-s.done:
			return
		}
	}
}

// sessionLoop reads the session's connected socket. Datagrams are tagged
// with the registry key so the loop routes them like any other; the socket
// being connected already enforces the RFC 1350 TID match.
func (s *Server) sessionLoop(sess *session) {
	buf := make([]byte, scratchSize)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.packets <- inbound{remote: sess.remote, data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *Server) lookup(addr *net.UDPAddr) *session {
	for _, sess := range s.sessions {
		if sess.remote.Port == addr.Port && sess.remote.Zone == addr.Zone && sess.remote.IP.Equal(addr.IP) {
			return sess
		}
	}
	return nil
}

func (s *Server) dispatch(in inbound) {
	// Runt datagrams change no state and get no reply.
	if len(in.data) < 4 {
		return
	}

	pkt, err := Decode(in.data)
	if sess := s.lookup(in.remote); sess != nil {
		if errors.Is(err, ErrUnknownOpcode) {
			s.illegal(sess)
			return
		}
		if err != nil {
			return
		}
		s.advance(sess, pkt)
		return
	}

	req, ok := pkt.(*Request)
	if err != nil || !ok {
		s.sendTo(in.remote, &Error{Code: ERR_UNKNOWN_TID, Message: "Unknown transfer ID"})
		return
	}
	s.accept(req, in.remote)
}

// advance feeds one frame to a session's state machine.
func (s *Server) advance(sess *session, pkt Packet) {
	var (
		done    bool
		outcome string
	)
	switch p := pkt.(type) {
	case *Ack:
		if sess.kind != OPCODE_RRQ {
			s.illegal(sess)
			return
		}
		done, outcome = sess.handleAck(p)
	case *Data:
		if sess.kind != OPCODE_WRQ {
			s.illegal(sess)
			return
		}
		done, outcome = sess.handleData(p)
	case *Error:
		// Never answer an ERROR with an ERROR.
		sess.log.WithFields(logrus.Fields{"code": uint16(p.Code), "message": p.Message}).Info("transfer aborted by client")
		done, outcome = true, outcomeAborted
	case *Request:
		// The client retransmitted its request; the OACK or first reply
		// was lost and the retransmit timer resends it.
		if p.Opcode == sess.kind {
			return
		}
		s.illegal(sess)
		return
	default:
		s.illegal(sess)
		return
	}
	if done {
		s.remove(sess, outcome)
	}
}

func (s *Server) illegal(sess *session) {
	sess.send(Encode(&Error{Code: ERR_ILLEGAL_OP, Message: "Illegal TFTP operation"}))
	s.remove(sess, outcomeError)
}

// accept starts a session for a fresh RRQ or WRQ. Rejections are sent on
// the listener socket: the client has no ephemeral TID to pair with yet.
func (s *Server) accept(req *Request, remote *net.UDPAddr) {
	log := s.Log.WithFields(logrus.Fields{
		"op":     req.Opcode.String(),
		"remote": remote.String(),
		"file":   req.Filename,
	})

	if len(s.sessions) >= s.MaxConnections {
		log.Warn("too many connections")
		s.reject(req, remote, &Error{Code: ERR_ILLEGAL_OP, Message: "Too Many Connections"})
		return
	}

	switch req.NormalizedMode() {
	case MODE_OCTET, MODE_NETASCII:
	case MODE_MAIL:
		s.reject(req, remote, &Error{Code: ERR_ILLEGAL_OP, Message: "mail mode is not supported"})
		return
	default:
		s.reject(req, remote, &Error{Code: ERR_ILLEGAL_OP, Message: "unknown transfer mode"})
		return
	}

	if req.Opcode == OPCODE_WRQ && s.ReadOnly {
		log.Info("rejected write request on read-only server")
		s.reject(req, remote, &Error{Code: ERR_ACCESS_VIOLATION, Message: "server is read-only"})
		return
	}
	if req.Opcode == OPCODE_RRQ && s.WriteOnly {
		log.Info("rejected read request on write-only server")
		s.reject(req, remote, &Error{Code: ERR_ACCESS_VIOLATION, Message: "server is write-only"})
		return
	}

	var (
		src  ReadStream
		dst  WriteStream
		size int64 = -1
		terr *Error
	)
	if req.Opcode == OPCODE_RRQ {
		src, size, terr = s.Resolver.OpenRead(req.Filename)
	} else {
		dst, terr = s.Resolver.OpenWrite(req.Filename)
	}
	if terr != nil {
		log.WithField("code", uint16(terr.Code)).Info("request refused")
		s.reject(req, remote, terr)
		return
	}

	opts, oack, terr := negotiate(req.Options, size)
	if terr != nil {
		closeStreams(src, dst)
		log.WithField("message", terr.Message).Info("option negotiation failed")
		s.reject(req, remote, terr)
		return
	}

	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		closeStreams(src, dst)
		log.WithError(err).Error("allocating session socket")
		s.reject(req, remote, &Error{Code: ERR_UNDEFINED, Message: "internal error"})
		return
	}

	sess := &session{
		id:      xid.New().String(),
		remote:  remote,
		conn:    conn,
		kind:    req.Opcode,
		opts:    opts,
		src:     src,
		dst:     dst,
		metrics: s.Metrics,
		start:   time.Now(),
	}
	sess.log = log.WithField("session", sess.id)

	s.sessions = append(s.sessions, sess)
	s.count.Store(int64(len(s.sessions)))
	s.Metrics.sessionOpened(sess.kind)
	go s.sessionLoop(sess)

	sess.log.WithFields(logrus.Fields{
		"blocksize":  opts.BlockSize,
		"windowsize": opts.WindowSize,
		"timeout":    opts.Timeout.Seconds(),
	}).Info("session started")

	var (
		done    bool
		outcome string
	)
	switch {
	case len(oack) > 0:
		frame := Encode(&OptionAck{Options: oack})
		sess.lastFrame = frame
		sess.send(frame)
		// RRQ: the window opens on the client's ACK(0). WRQ: the OACK
		// doubles as ACK(0) and the client sends DATA(1).
		sess.awaitingStart = req.Opcode == OPCODE_RRQ
		sess.resetDeadline()
	case req.Opcode == OPCODE_RRQ:
		done, outcome = sess.sendWindow()
	default:
		frame := Encode(&Ack{Block: 0})
		sess.lastFrame = frame
		sess.send(frame)
		sess.resetDeadline()
	}
	if done {
		s.remove(sess, outcome)
	}
}

func (s *Server) reject(req *Request, remote *net.UDPAddr, terr *Error) {
	s.Metrics.requestRejected(req.Opcode)
	s.sendTo(remote, terr)
}

// sendTo writes a frame from the listener socket, best effort.
func (s *Server) sendTo(remote *net.UDPAddr, pkt Packet) {
	s.conn.WriteToUDP(Encode(pkt), remote)
}

func (s *Server) remove(sess *session, outcome string) {
	for i, x := range s.sessions {
		if x == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	s.count.Store(int64(len(s.sessions)))
	sess.close()
	s.Metrics.sessionClosed(sess.kind, outcome)

	entry := sess.log.WithFields(logrus.Fields{"bytes": sess.bytes, "outcome": outcome})
	if outcome == outcomeComplete {
		rate, unit := speed(sess.bytes, sess.start)
		entry.WithFields(logrus.Fields{"rate": rate, "unit": unit}).Info("transfer complete")
	} else {
		entry.Info("session closed")
	}
}

// sweep expires sessions whose deadline has passed. Each gets a
// retransmit until the retry budget is spent, then a silent removal.
func (s *Server) sweep(now time.Time) {
	stale := make([]*session, len(s.sessions))
	copy(stale, s.sessions)
	for _, sess := range stale {
		if done, outcome := sess.expire(now, s.MaxRetry); done {
			sess.log.Info("session timed out")
			s.remove(sess, outcome)
		}
	}
}

func (s *Server) shutdown() {
	s.conn.Close()
	for _, sess := range s.sessions {
		sess.close()
		s.Metrics.sessionClosed(sess.kind, outcomeShutdown)
	}
	s.sessions = nil
	s.count.Store(0)
	s.Log.Info("tftp server stopped")
}

func closeStreams(src ReadStream, dst WriteStream) {
	if src != nil {
		src.Close()
	}
	if dst != nil {
		dst.Close()
	}
}

func speed(bytes int64, start time.Time) (rate float64, unit string) {
	rate = 8 * float64(bytes) / time.Since(start).Seconds()
	switch {
	case 1e6 <= rate && rate < 1e9:
		rate /= 1e6
		unit = "Mbps"
	case 1e3 <= rate && rate < 1e6:
		rate /= 1e3
		unit = "kbps"
	default:
		unit = "bps"
	}
	return
}
