package gdbremote

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/willibrandon/stepwatch/pkg/logflags"
)

const (
	hexdigit      = "0123456789abcdef"
	escapeXor     = 0x20
	gdbWireMaxLen = 120

	defaultMaxTransmitAttempts = 3
)

// ErrTooManyAttempts is returned when a packet is still corrupted after the
// maximum number of retransmissions.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error reply (Exx) of the stub, or an empty reply to a
// packet it does not support.
type ProtocolError struct {
	Context string
	Cmd     string
	Code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.Cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.Code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.Context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.Code, err.Context, cmd)
}

// Unsupported reports whether the stub answered with an empty packet.
func (err *ProtocolError) Unsupported() bool {
	return err.Code == ""
}

// conn frames packets of the GDB Remote Serial Protocol.
type conn struct {
	rw  io.ReadWriter
	rdr *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	ack                 bool // acknowledgment packets are enabled
	maxTransmitAttempts int

	log *logrus.Entry
}

func newConn(rw io.ReadWriter) *conn {
	return &conn{
		rw:                  rw,
		rdr:                 bufio.NewReader(rw),
		inbuf:               make([]byte, 0, 256),
		ack:                 true,
		maxTransmitAttempts: defaultMaxTransmitAttempts,
		log:                 logflags.GdbWireLogger(),
	}
}

// handshake acks whatever the stub may have sent already and turns acks off
// when the stub supports it.
func (c *conn) handshake() error {
	c.sendack('+')
	if _, err := c.exec([]byte("$QStartNoAckMode"), "init/disableAck"); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Unsupported() {
			return nil
		}
		return err
	}
	c.ack = false
	return nil
}

func (c *conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	return c.recv(cmd, context)
}

func (c *conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				c.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				c.log.Debugf("<- %s", string(cmd))
			}
		}
		if _, err := c.rw.Write(cmd); err != nil {
			return errors.Wrap(err, "gdb socket write failed")
		}

		if !c.ack {
			return nil
		}
		ok, err := c.readack()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= c.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
}

func (c *conn) recv(cmd []byte, context string) ([]byte, error) {
	var resp []byte
	attempt := 0
	for {
		// Skip stray acks and anything else before the start of a packet.
		if _, err := c.rdr.ReadBytes('$'); err != nil {
			return nil, errors.Wrapf(err, "reading reply during %s", context)
		}
		body, err := c.rdr.ReadBytes('#')
		if err != nil {
			return nil, errors.Wrapf(err, "reading reply during %s", context)
		}
		var sumbuf [2]byte
		if _, err := io.ReadFull(c.rdr, sumbuf[:]); err != nil {
			return nil, errors.Wrapf(err, "reading checksum during %s", context)
		}
		resp = append([]byte{'$'}, body...)

		if logflags.GdbWire() {
			if len(resp) > gdbWireMaxLen {
				c.log.Debugf("-> %s...", string(resp[:gdbWireMaxLen]))
			} else {
				c.log.Debugf("-> %s%s", string(resp), string(sumbuf[:]))
			}
		}

		if !c.ack {
			break
		}
		if checksumok(resp, sumbuf[:]) {
			c.sendack('+')
			break
		}
		if attempt >= c.maxTransmitAttempts {
			c.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		c.sendack('-')
	}

	c.inbuf, resp = wiredecode(resp, c.inbuf)

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3 && isHex(resp[1:])) {
		return nil, &ProtocolError{Context: context, Cmd: string(cmd), Code: string(resp)}
	}
	return resp, nil
}

func (c *conn) readack() (bool, error) {
	b, err := c.rdr.ReadByte()
	if err != nil {
		return false, errors.Wrap(err, "reading ack")
	}
	c.log.Debugf("-> %s", string(b))
	return b == '+', nil
}

func (c *conn) sendack(b byte) {
	if b != '+' && b != '-' {
		panic(fmt.Errorf("sendack(%c)", b))
	}
	c.rw.Write([]byte{b})
	c.log.Debugf("<- %s", string(b))
}

// wiredecode decodes the contents of a packet received from the stub,
// undoing escapes and run-length encoding. The returned message excludes
// the leading '$' and the trailing '#'.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	for i := 1; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf
		case '*': // runlength encoding marker
			if i+1 >= len(in) || len(buf) == 0 {
				buf = append(buf, ch)
			} else {
				n := int(in[i+1]) - 29
				r := buf[len(buf)-1]
				for j := 0; j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf
}

func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

// checksum sums the bytes between the leading '$' and the '#'.
func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}

func isHex(b []byte) bool {
	for _, ch := range b {
		if !('0' <= ch && ch <= '9' || 'a' <= ch && ch <= 'f' || 'A' <= ch && ch <= 'F') {
			return false
		}
	}
	return true
}

func decodeHex(resp []byte) ([]byte, error) {
	if len(resp)%2 != 0 {
		return nil, errors.Errorf("odd length hex reply %q", resp)
	}
	data := make([]byte, 0, len(resp)/2)
	for i := 0; i < len(resp); i += 2 {
		// QEMU reports unavailable registers as "xx".
		if resp[i] == 'x' {
			data = append(data, 0)
			continue
		}
		n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed hex reply at offset %d", i)
		}
		data = append(data, uint8(n))
	}
	return data, nil
}
