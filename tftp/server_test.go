package tftp

import (
	"bytes"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*Server)) (*Server, *net.UDPAddr, string) {
	t.Helper()
	root := t.TempDir()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := &Server{
		Addr:     "127.0.0.1:0",
		Resolver: NewDirResolver(root),
		Log:      log,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })

	return s, s.LocalAddr().(*net.UDPAddr), root
}

func writeTestFile(t *testing.T, root, name string, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)
	require.NoError(t, os.WriteFile(filepath.Join(root, name), content, 0o644))
	return content
}

func rawDial(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rawSend(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, pkt Packet) {
	t.Helper()
	_, err := conn.WriteToUDP(Encode(pkt), to)
	require.NoError(t, err)
}

func rawRecv(t *testing.T, conn *net.UDPConn, timeout time.Duration) (Packet, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, scratchSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	return pkt, from
}

func waitForIdle(t *testing.T, s *Server) {
	t.Helper()
	require.Eventually(t, func() bool { return s.SessionCount() == 0 },
		5*time.Second, 50*time.Millisecond, "registry did not drain")
}

func TestReadSmallFile(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	c := Client{Timeout: 2 * time.Second}
	var buf bytes.Buffer
	n, err := c.Get(addr.String(), "hello.txt", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "Hello", buf.String())

	waitForIdle(t, s)
}

func TestReadRepliesFromEphemeralPort(t *testing.T) {
	_, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{Opcode: OPCODE_RRQ, Filename: "hello.txt", Mode: "octet"})

	pkt, from := rawRecv(t, conn, 3*time.Second)
	data, ok := pkt.(*Data)
	require.True(t, ok, "expected DATA, got %s", pkt.Op())
	assert.EqualValues(t, 1, data.Block)
	assert.Equal(t, []byte("Hello"), data.Payload)
	assert.NotEqual(t, addr.Port, from.Port, "replies must not use the listener TID")

	rawSend(t, conn, from, &Ack{Block: 1})
}

func TestReadWithBlocksizeOption(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	content := writeTestFile(t, root, "big.bin", 5000)

	c := Client{BlockSize: 1024, Timeout: 2 * time.Second}
	var buf bytes.Buffer
	n, err := c.Get(addr.String(), "big.bin", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, n)
	assert.Equal(t, content, buf.Bytes())

	waitForIdle(t, s)
}

func TestReadExactMultipleOfBlocksize(t *testing.T) {
	// A file of exactly N*blocksize bytes terminates with an empty DATA.
	s, addr, root := newTestServer(t, nil)
	content := writeTestFile(t, root, "even.bin", 1024)

	c := Client{Timeout: 2 * time.Second}
	var buf bytes.Buffer
	n, err := c.Get(addr.String(), "even.bin", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, n)
	assert.Equal(t, content, buf.Bytes())

	waitForIdle(t, s)
}

func TestReadNotFound(t *testing.T) {
	s, addr, _ := newTestServer(t, nil)

	c := Client{Timeout: 2 * time.Second}
	_, err := c.Get(addr.String(), "missing.txt", &bytes.Buffer{})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ERR_NOT_FOUND, terr.Code)
	assert.Equal(t, 0, s.SessionCount())
}

func TestPathTraversalRejected(t *testing.T) {
	s, addr, _ := newTestServer(t, nil)

	c := Client{Timeout: 2 * time.Second}
	_, err := c.Get(addr.String(), "../../etc/passwd", &bytes.Buffer{})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ERR_ACCESS_VIOLATION, terr.Code)
	assert.Equal(t, 0, s.SessionCount())
}

func TestWriteFile(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	content := make([]byte, 1000)
	rand.New(rand.NewSource(42)).Read(content)

	c := Client{Timeout: 2 * time.Second}
	n, err := c.Put(addr.String(), "up.bin", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, n)

	waitForIdle(t, s)

	b, err := os.ReadFile(filepath.Join(root, "up.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, b)
}

func TestWriteExistingFile(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("x"), 0o644))

	c := Client{Timeout: 2 * time.Second}
	_, err := c.Put(addr.String(), "existing.txt", bytes.NewReader([]byte("y")), 1)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ERR_ALREADY_EXISTS, terr.Code)
	assert.Equal(t, 0, s.SessionCount())
}

func TestReadOnlyServer(t *testing.T) {
	_, addr, _ := newTestServer(t, func(s *Server) { s.ReadOnly = true })

	c := Client{Timeout: 2 * time.Second}
	_, err := c.Put(addr.String(), "up.bin", bytes.NewReader([]byte("y")), 1)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ERR_ACCESS_VIOLATION, terr.Code)
}

func TestWriteOnlyServer(t *testing.T) {
	_, addr, root := newTestServer(t, func(s *Server) { s.WriteOnly = true })
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	c := Client{Timeout: 2 * time.Second}
	_, err := c.Get(addr.String(), "hello.txt", &bytes.Buffer{})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ERR_ACCESS_VIOLATION, terr.Code)
}

func TestMailModeRejected(t *testing.T) {
	_, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{Opcode: OPCODE_RRQ, Filename: "hello.txt", Mode: "mail"})

	pkt, _ := rawRecv(t, conn, 3*time.Second)
	terr, ok := pkt.(*Error)
	require.True(t, ok)
	assert.Equal(t, ERR_ILLEGAL_OP, terr.Code)
}

func TestBadOptionValue(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{
		Opcode:   OPCODE_RRQ,
		Filename: "hello.txt",
		Mode:     "octet",
		Options:  []Option{{Name: "blksize", Value: "huge"}},
	})

	pkt, _ := rawRecv(t, conn, 3*time.Second)
	terr, ok := pkt.(*Error)
	require.True(t, ok)
	assert.Equal(t, ERR_BAD_OPTIONS, terr.Code)
	assert.Equal(t, 0, s.SessionCount())
}

func TestRuntDatagramIgnored(t *testing.T) {
	s, addr, _ := newTestServer(t, nil)

	conn := rawDial(t)
	_, err := conn.WriteToUDP([]byte{0, 1, 0}, addr)
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(buf)
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected a read timeout, got %v", err)
	assert.True(t, nerr.Timeout())
	assert.Equal(t, 0, s.SessionCount())
}

func TestUnknownTID(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)

	conn := rawDial(t)
	rawSend(t, conn, addr, &Ack{Block: 1})

	pkt, _ := rawRecv(t, conn, 3*time.Second)
	terr, ok := pkt.(*Error)
	require.True(t, ok)
	assert.Equal(t, ERR_UNKNOWN_TID, terr.Code)
}

func TestTsizeAnnounced(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{
		Opcode:   OPCODE_RRQ,
		Filename: "hello.txt",
		Mode:     "octet",
		Options:  []Option{{Name: "tsize", Value: "0"}},
	})

	pkt, from := rawRecv(t, conn, 3*time.Second)
	oack, ok := pkt.(*OptionAck)
	require.True(t, ok, "expected OACK, got %s", pkt.Op())
	assert.Equal(t, []Option{{Name: "tsize", Value: "5"}}, oack.Options)

	// An ERROR from the client tears the session down without a reply.
	rawSend(t, conn, from, &Error{Code: ERR_UNDEFINED, Message: "changed my mind"})
	waitForIdle(t, s)
}

func TestWindowedRead(t *testing.T) {
	// A 10-block file with windowsize 4: DATA 1..4, ACK 4, DATA 5..8,
	// ACK 8, DATA 9..10 (10 short), ACK 10.
	s, addr, root := newTestServer(t, nil)
	content := writeTestFile(t, root, "f", 9*512+100)

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{
		Opcode:   OPCODE_RRQ,
		Filename: "f",
		Mode:     "octet",
		Options:  []Option{{Name: "windowsize", Value: "4"}},
	})

	pkt, tid := rawRecv(t, conn, 3*time.Second)
	oack, ok := pkt.(*OptionAck)
	require.True(t, ok, "expected OACK, got %s", pkt.Op())
	assert.Equal(t, []Option{{Name: "windowsize", Value: "4"}}, oack.Options)

	var received bytes.Buffer
	next := uint16(1)
	for _, window := range [][2]int{{1, 4}, {5, 8}, {9, 10}} {
		rawSend(t, conn, tid, &Ack{Block: next - 1})
		for b := window[0]; b <= window[1]; b++ {
			pkt, _ := rawRecv(t, conn, 3*time.Second)
			data, ok := pkt.(*Data)
			require.True(t, ok, "expected DATA, got %s", pkt.Op())
			require.Equal(t, next, data.Block)
			received.Write(data.Payload)
			if b == 10 {
				assert.Len(t, data.Payload, 100)
			} else {
				assert.Len(t, data.Payload, 512)
			}
			next++
		}
	}
	rawSend(t, conn, tid, &Ack{Block: 10})

	assert.Equal(t, content, received.Bytes())
	waitForIdle(t, s)
}

func TestRetransmitAndGiveUp(t *testing.T) {
	s, addr, root := newTestServer(t, func(s *Server) { s.MaxRetry = 1 })
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{
		Opcode:   OPCODE_RRQ,
		Filename: "hello.txt",
		Mode:     "octet",
		Options:  []Option{{Name: "timeout", Value: "1"}},
	})

	pkt, tid := rawRecv(t, conn, 3*time.Second)
	_, ok := pkt.(*OptionAck)
	require.True(t, ok, "expected OACK, got %s", pkt.Op())

	rawSend(t, conn, tid, &Ack{Block: 0})
	pkt, _ = rawRecv(t, conn, 3*time.Second)
	data, ok := pkt.(*Data)
	require.True(t, ok)
	assert.EqualValues(t, 1, data.Block)

	// Never acknowledge: the frame comes again after the timeout.
	pkt, _ = rawRecv(t, conn, 3*time.Second)
	retry, ok := pkt.(*Data)
	require.True(t, ok, "expected retransmitted DATA, got %s", pkt.Op())
	assert.EqualValues(t, 1, retry.Block)
	assert.Equal(t, data.Payload, retry.Payload)

	// The retry budget is spent; the next expiry removes the session
	// without a farewell frame.
	waitForIdle(t, s)
	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err := conn.ReadFromUDP(buf)
	nerr, isNetErr := err.(net.Error)
	require.True(t, isNetErr)
	assert.True(t, nerr.Timeout())
}

func TestDuplicateDataBlock(t *testing.T) {
	s, addr, root := newTestServer(t, nil)

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{Opcode: OPCODE_WRQ, Filename: "dup.bin", Mode: "octet"})

	pkt, tid := rawRecv(t, conn, 3*time.Second)
	ack, ok := pkt.(*Ack)
	require.True(t, ok, "expected ACK, got %s", pkt.Op())
	assert.EqualValues(t, 0, ack.Block)

	block1 := bytes.Repeat([]byte{0xAA}, 512)
	rawSend(t, conn, tid, &Data{Block: 1, Payload: block1})
	pkt, _ = rawRecv(t, conn, 3*time.Second)
	require.Equal(t, &Ack{Block: 1}, pkt)

	// A retransmitted block is re-acknowledged but not re-appended.
	rawSend(t, conn, tid, &Data{Block: 1, Payload: block1})
	pkt, _ = rawRecv(t, conn, 3*time.Second)
	require.Equal(t, &Ack{Block: 1}, pkt)

	rawSend(t, conn, tid, &Data{Block: 2, Payload: []byte("end")})
	pkt, _ = rawRecv(t, conn, 3*time.Second)
	require.Equal(t, &Ack{Block: 2}, pkt)

	waitForIdle(t, s)

	b, err := os.ReadFile(filepath.Join(root, "dup.bin"))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, block1...), []byte("end")...), b)
}

func TestTooManyConnections(t *testing.T) {
	_, addr, root := newTestServer(t, func(s *Server) { s.MaxConnections = 1 })
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	// First session parks itself by never acknowledging.
	first := rawDial(t)
	rawSend(t, first, addr, &Request{Opcode: OPCODE_RRQ, Filename: "hello.txt", Mode: "octet"})
	pkt, _ := rawRecv(t, first, 3*time.Second)
	require.Equal(t, OPCODE_DATA, pkt.Op())

	second := rawDial(t)
	rawSend(t, second, addr, &Request{Opcode: OPCODE_RRQ, Filename: "hello.txt", Mode: "octet"})
	pkt, _ = rawRecv(t, second, 3*time.Second)
	terr, ok := pkt.(*Error)
	require.True(t, ok, "expected ERROR, got %s", pkt.Op())
	assert.Equal(t, ERR_ILLEGAL_OP, terr.Code)
	assert.Equal(t, "Too Many Connections", terr.Message)
}

func TestCloseTearsDownSessions(t *testing.T) {
	s, addr, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello"), 0o644))

	conn := rawDial(t)
	rawSend(t, conn, addr, &Request{Opcode: OPCODE_RRQ, Filename: "hello.txt", Mode: "octet"})
	pkt, _ := rawRecv(t, conn, 3*time.Second)
	require.Equal(t, OPCODE_DATA, pkt.Op())
	require.Equal(t, 1, s.SessionCount())

	require.NoError(t, s.Close())
	waitForIdle(t, s)
}
