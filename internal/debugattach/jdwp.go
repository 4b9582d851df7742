package debugattach

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const jdwpHandshake = "JDWP-Handshake"

// JDWPConnector attaches over a socket using the Java Debug Wire Protocol
// handshake.
type JDWPConnector struct {
	// DialTimeout bounds the TCP connect and the handshake of one attempt.
	DialTimeout time.Duration
}

// Attach dials the debug port and completes the handshake.
func (j JDWPConnector) Attach(ctx context.Context, args Args) (Session, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	timeout := j.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", args.Address())
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := io.WriteString(conn, jdwpHandshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	reply := make([]byte, len(jdwpHandshake))
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if string(reply) != jdwpHandshake {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply)
	}
	_ = conn.SetDeadline(time.Time{})
	return &JDWPSession{conn: conn, addr: args.Address()}, nil
}

// JDWPSession is an attached JDWP connection.
type JDWPSession struct {
	conn net.Conn
	addr string

	mu     sync.Mutex
	nextID uint32
}

func (s *JDWPSession) Address() string { return s.addr }

func (s *JDWPSession) Close() error { return s.conn.Close() }

// VMVersion is the reply to VirtualMachine.Version.
type VMVersion struct {
	Description string
	JDWPMajor   int32
	JDWPMinor   int32
	VMVersion   string
	VMName      string
}

// Version asks the target VM to describe itself.
func (s *JDWPSession) Version(timeout time.Duration) (VMVersion, error) {
	var v VMVersion
	data, err := s.command(1, 1, nil, timeout)
	if err != nil {
		return v, err
	}
	r := bytes.NewReader(data)
	if v.Description, err = readString(r); err != nil {
		return v, err
	}
	if err := binary.Read(r, binary.BigEndian, &v.JDWPMajor); err != nil {
		return v, err
	}
	if err := binary.Read(r, binary.BigEndian, &v.JDWPMinor); err != nil {
		return v, err
	}
	if v.VMVersion, err = readString(r); err != nil {
		return v, err
	}
	if v.VMName, err = readString(r); err != nil {
		return v, err
	}
	return v, nil
}

// command sends one command packet and returns the data of its reply.
// Packets: length(4) id(4) flags(1) then set(1) cmd(1) for commands or
// errorCode(2) for replies.
func (s *JDWPSession) command(set, cmd byte, payload []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID

	if timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(timeout))
		defer s.conn.SetDeadline(time.Time{})
	}

	pkt := make([]byte, 11+len(payload))
	binary.BigEndian.PutUint32(pkt[0:4], uint32(len(pkt)))
	binary.BigEndian.PutUint32(pkt[4:8], id)
	pkt[9], pkt[10] = set, cmd
	copy(pkt[11:], payload)
	if _, err := s.conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("write command %d/%d: %w", set, cmd, err)
	}

	for {
		header := make([]byte, 11)
		if _, err := io.ReadFull(s.conn, header); err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		if length < 11 {
			return nil, fmt.Errorf("malformed packet length %d", length)
		}
		body := make([]byte, length-11)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		// Skip events and replies to other commands.
		if header[8]&0x80 == 0 || binary.BigEndian.Uint32(header[4:8]) != id {
			continue
		}
		if code := binary.BigEndian.Uint16(header[9:11]); code != 0 {
			return nil, fmt.Errorf("command %d/%d failed with JDWP error %d", set, cmd, code)
		}
		return body, nil
	}
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds packet", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
