package tftp

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Client is a lockstep TFTP client. It exists mostly to exercise the
// server from tests and from cmd/tftp-curl, but speaks enough of the
// protocol (option negotiation included) to be useful against other
// servers too.
type Client struct {
	BlockSize int           // offered as blksize when not 512
	Timeout   time.Duration // per-reply wait, default 5s
	Retries   int           // retransmits per frame, default 5
}

func (c *Client) blockSize() int {
	if c.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return c.BlockSize
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) retries() int {
	if c.Retries <= 0 {
		return DefaultMaxRetry
	}
	return c.Retries
}

func (c *Client) offer(size int64) []Option {
	var opts []Option
	if c.blockSize() != DefaultBlockSize {
		opts = append(opts, Option{Name: "blksize", Value: strconv.Itoa(c.blockSize())})
	}
	if size >= 0 {
		opts = append(opts, Option{Name: "tsize", Value: strconv.FormatInt(size, 10)})
	}
	return opts
}

// Get fetches filename from server, writing the file contents to w.
func (c *Client) Get(server, filename string, w io.Writer) (int64, error) {
	x, err := c.dial(server)
	if err != nil {
		return 0, err
	}
	defer x.conn.Close()

	request := Encode(&Request{Opcode: OPCODE_RRQ, Filename: filename, Mode: MODE_OCTET, Options: c.offer(-1)})
	pkt, err := x.exchange(request)
	if err != nil {
		return 0, err
	}

	blockSize := c.blockSize()
	var (
		total    int64
		expected uint16 = 1
		oackSeen bool
	)

	for {
		switch p := pkt.(type) {
		case *OptionAck:
			if oackSeen {
				return total, errors.New("server sent a second OACK")
			}
			oackSeen = true
			if v, ok := oackInt(p.Options, "blksize"); ok {
				blockSize = v
			}
			pkt, err = x.exchange(Encode(&Ack{Block: 0}))
		case *Data:
			if p.Block == expected {
				if _, werr := w.Write(p.Payload); werr != nil {
					return total, errors.Wrap(werr, "writing output")
				}
				total += int64(len(p.Payload))
				ack := Encode(&Ack{Block: p.Block})
				if len(p.Payload) < blockSize {
					x.write(ack)
					return total, nil
				}
				expected++
				pkt, err = x.exchange(ack)
			} else {
				pkt, err = x.exchange(Encode(&Ack{Block: expected - 1}))
			}
		case *Error:
			return total, p
		default:
			return total, errors.Errorf("unexpected %s from server", pkt.Op())
		}
		if err != nil {
			return total, err
		}
	}
}

// Put uploads size bytes from r as filename on the server. A negative size
// suppresses the tsize option.
func (c *Client) Put(server, filename string, r io.Reader, size int64) (int64, error) {
	x, err := c.dial(server)
	if err != nil {
		return 0, err
	}
	defer x.conn.Close()

	request := Encode(&Request{Opcode: OPCODE_WRQ, Filename: filename, Mode: MODE_OCTET, Options: c.offer(size)})
	pkt, err := x.exchange(request)
	if err != nil {
		return 0, err
	}

	blockSize := c.blockSize()
	switch p := pkt.(type) {
	case *Ack:
		if p.Block != 0 {
			return 0, errors.Errorf("expected ACK 0, got ACK %d", p.Block)
		}
	case *OptionAck:
		// The OACK acknowledges the request like an ACK 0 would.
		if v, ok := oackInt(p.Options, "blksize"); ok {
			blockSize = v
		}
	case *Error:
		return 0, p
	default:
		return 0, errors.Errorf("unexpected %s from server", pkt.Op())
	}

	var (
		total int64
		block uint16
	)
	buf := make([]byte, blockSize)
	for {
		block++
		n, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF {
			n = 0
		} else if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return total, errors.Wrap(rerr, "reading input")
		}

		frame := Encode(&Data{Block: block, Payload: buf[:n]})
		for {
			pkt, err = x.exchange(frame)
			if err != nil {
				return total, err
			}
			if e, ok := pkt.(*Error); ok {
				return total, e
			}
			if a, ok := pkt.(*Ack); ok && a.Block == block {
				break
			}
		}

		total += int64(n)
		if n < blockSize {
			return total, nil
		}
	}
}

func (c *Client) dial(server string) (*xfer, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", server)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating socket")
	}
	return &xfer{conn: conn, server: raddr, timeout: c.timeout(), retries: c.retries()}, nil
}

func oackInt(options []Option, name string) (int, bool) {
	for _, o := range options {
		if o.Name == name {
			if v, err := strconv.Atoi(o.Value); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// xfer tracks one exchange's socket pairing. The server's ephemeral
// endpoint is learned from its first reply; everything else is discarded.
type xfer struct {
	conn    *net.UDPConn
	server  *net.UDPAddr // where the initial request goes
	tid     *net.UDPAddr // the server's ephemeral endpoint
	timeout time.Duration
	retries int
}

func (x *xfer) write(frame []byte) {
	if x.tid != nil {
		x.conn.WriteToUDP(frame, x.tid)
	} else {
		x.conn.WriteToUDP(frame, x.server)
	}
}

// exchange sends frame and waits for the paired endpoint's reply,
// retransmitting the frame on timeout.
func (x *xfer) exchange(frame []byte) (Packet, error) {
	for attempt := 0; attempt <= x.retries; attempt++ {
		x.write(frame)
		pkt, err := x.read()
		if err == nil {
			return pkt, nil
		}
		if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
			return nil, err
		}
	}
	return nil, errors.New("timed out waiting for reply")
}

func (x *xfer) read() (Packet, error) {
	buf := make([]byte, scratchSize)
	x.conn.SetReadDeadline(time.Now().Add(x.timeout))
	for {
		n, from, err := x.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if n < 4 {
			continue
		}
		if x.tid == nil {
			if !from.IP.Equal(x.server.IP) {
				continue
			}
			x.tid = from
		} else if from.Port != x.tid.Port || !from.IP.Equal(x.tid.IP) {
			continue
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		return pkt, nil
	}
}
