// Package gdbremote drives a target through the GDB Remote Serial Protocol,
// as exposed by QEMU's gdbstub (qemu-system-i386 -s -S).
package gdbremote

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/willibrandon/stepwatch/pkg/logflags"
	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// DefaultAddress is where qemu -s listens.
const DefaultAddress = "localhost:1234"

// ErrTargetExited is returned by Step once the stub reports that the target
// is gone.
var ErrTargetExited = errors.New("target exited")

// ErrUnexpectedSignal is returned by Step when the target stops for any
// reason other than the single-step trap.
var ErrUnexpectedSignal = errors.New("unexpected signal")

const sigtrap = 5

// i386 core register block returned by the 'g' packet, 32 bits each.
var registerOrder = []string{
	monitor.EAX, monitor.ECX, monitor.EDX, monitor.EBX,
	monitor.ESP, monitor.EBP, monitor.ESI, monitor.EDI,
	monitor.EIP, monitor.EFLAGS,
	monitor.CS, monitor.SS, monitor.DS, monitor.ES, monitor.FS, monitor.GS,
}

var registerOffset = func() map[string]int {
	m := make(map[string]int, len(registerOrder))
	for i, name := range registerOrder {
		m[name] = i * 4
	}
	return m
}()

// Client is a monitor.Stepper over a gdbstub connection.
type Client struct {
	rwc  io.ReadWriteCloser
	conn *conn

	regs   []byte // cached 'g' block, nil after a step
	exited bool
	steps  int

	log *logrus.Entry
}

var _ monitor.Stepper = (*Client)(nil)
var _ monitor.RegisterLister = (*Client)(nil)

// Dial connects to the stub listening at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to gdbstub at %s", addr)
	}
	client, err := NewClient(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return client, nil
}

// NewClient performs the protocol handshake over rwc.
func NewClient(rwc io.ReadWriteCloser) (*Client, error) {
	c := &Client{
		rwc:  rwc,
		conn: newConn(rwc),
		log:  logflags.GdbWireLogger(),
	}
	if err := c.conn.handshake(); err != nil {
		return nil, errors.Wrap(err, "gdbstub handshake")
	}
	return c, nil
}

// Step executes one instruction with the 's' packet and waits for the stop
// reply.
func (c *Client) Step() error {
	if c.exited {
		return ErrTargetExited
	}
	c.regs = nil

	resp, err := c.conn.exec([]byte("$s"), "singlestep")
	for err == nil {
		var repeat bool
		repeat, err = c.parseStopPacket(resp)
		if !repeat {
			break
		}
		resp, err = c.conn.recv(nil, "singlestep")
	}
	if err != nil {
		return err
	}
	c.steps++
	return nil
}

// parseStopPacket interprets the reply to a step. Console output packets are
// echoed to the log and the caller keeps waiting for the real stop reply.
func (c *Client) parseStopPacket(resp []byte) (repeat bool, err error) {
	switch resp[0] {
	case 'S', 'T':
		if len(resp) < 3 {
			return false, errors.Errorf("malformed stop packet %q", resp)
		}
		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, errors.Errorf("malformed stop packet %q", resp)
		}
		if sig != sigtrap {
			return false, errors.Wrapf(ErrUnexpectedSignal, "signal %#x in stop reply %q", sig, resp)
		}
		return false, nil

	case 'W', 'X':
		c.exited = true
		status := string(resp[1:])
		return false, errors.Wrapf(ErrTargetExited, "stop reply %c%s", resp[0], status)

	case 'O':
		data, err := decodeHex(resp[1:])
		if err == nil {
			c.log.Debugf("target output: %q", data)
		}
		return true, nil

	default:
		return false, errors.Errorf("unexpected response for step %q", resp)
	}
}

func (c *Client) readRegisters() error {
	if c.regs != nil {
		return nil
	}
	resp, err := c.conn.exec([]byte("$g"), "registers read")
	if err != nil {
		return err
	}
	data, err := decodeHex(resp)
	if err != nil {
		return err
	}
	if len(data) < len(registerOrder)*4 {
		return errors.Errorf("register block too short: %d bytes", len(data))
	}
	c.regs = data
	return nil
}

// ReadRegister returns a native register from the 'g' block. The block is
// fetched once per step.
func (c *Client) ReadRegister(name string) (uint64, error) {
	off, ok := registerOffset[name]
	if !ok {
		return 0, &monitor.UnknownRegisterError{Name: name, Err: fmt.Errorf("not in the i386 register block")}
	}
	if err := c.readRegisters(); err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(c.regs[off:])), nil
}

// ProgramCounter returns eip.
func (c *Client) ProgramCounter() (uint64, error) {
	return c.ReadRegister(monitor.EIP)
}

// CodeAddress returns the linear address of the next instruction, cs:ip in
// real mode.
func (c *Client) CodeAddress() (uint64, error) {
	cs, err := c.ReadRegister(monitor.CS)
	if err != nil {
		return 0, err
	}
	ip, err := c.ReadRegister(monitor.EIP)
	if err != nil {
		return 0, err
	}
	return cs<<4 + ip&0xffff, nil
}

// Registers returns the names of the registers of the 'g' block.
func (c *Client) Registers() []string {
	return registerOrder
}

// ReadMemory reads n bytes at addr with 'm' packets.
func (c *Client) ReadMemory(addr uint64, n int) ([]byte, error) {
	const chunk = 0x400
	out := make([]byte, 0, n)
	for len(out) < n {
		sz := n - len(out)
		if sz > chunk {
			sz = chunk
		}
		c.conn.outbuf.Reset()
		fmt.Fprintf(&c.conn.outbuf, "$m%x,%x", addr+uint64(len(out)), sz)
		resp, err := c.conn.exec(c.conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return out, err
		}
		data, err := decodeHex(resp)
		if err != nil {
			return out, err
		}
		out = append(out, data...)
		if len(data) < sz {
			break
		}
	}
	return out, nil
}

// Steps returns the number of completed steps.
func (c *Client) Steps() int {
	return c.steps
}

// Kill terminates the target with the 'k' packet. QEMU closes the connection
// without a reply, which is not an error.
func (c *Client) Kill() error {
	defer c.rwc.Close()
	if c.exited {
		return nil
	}
	c.exited = true
	if err := c.conn.send([]byte("$k")); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Close detaches from the target, leaving it stopped under the stub, and
// closes the connection.
func (c *Client) Close() error {
	defer c.rwc.Close()
	if c.exited {
		return nil
	}
	if _, err := c.conn.exec([]byte("$D"), "detach"); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
