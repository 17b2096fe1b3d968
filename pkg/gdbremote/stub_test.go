package gdbremote

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeStub answers the subset of the protocol QEMU's gdbstub uses for
// stepping. states[i] is the register file after step i+1.
type fakeStub struct {
	conn net.Conn
	rdr  *bufio.Reader

	initial map[string]uint32
	states  []map[string]uint32
	mem     map[uint64]byte
	output  string // sent as an 'O' packet before every stop reply
	stop    string // stop reply to a step, T05 when empty

	mu      sync.Mutex
	noAck   bool
	step    int
	packets []string
	done    chan struct{}
}

func startStub(t *testing.T, initial map[string]uint32, states []map[string]uint32) (*fakeStub, net.Conn) {
	server, client := net.Pipe()
	s := &fakeStub{
		conn:    server,
		rdr:     bufio.NewReader(server),
		initial: initial,
		states:  states,
		mem:     map[uint64]byte{},
		done:    make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(func() {
		server.Close()
		client.Close()
		<-s.done
	})
	return s, client
}

func (s *fakeStub) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.packets {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func (s *fakeStub) send(data string) error {
	var sum uint8
	for i := 0; i < len(data); i++ {
		sum += data[i]
	}
	_, err := fmt.Fprintf(s.conn, "$%s#%02x", data, sum)
	return err
}

func (s *fakeStub) current() map[string]uint32 {
	if s.step == 0 {
		return s.initial
	}
	return s.states[s.step-1]
}

func (s *fakeStub) registerBlock() string {
	regs := s.current()
	buf := make([]byte, 4*len(registerOrder))
	for i, name := range registerOrder {
		binary.LittleEndian.PutUint32(buf[i*4:], regs[name])
	}
	// st0 is not available
	return hex.EncodeToString(buf) + strings.Repeat("x", 20)
}

func (s *fakeStub) serve() {
	defer close(s.done)
	for {
		if _, err := s.rdr.ReadBytes('$'); err != nil {
			return
		}
		body, err := s.rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var sum [2]byte
		if _, err := s.rdr.Read(sum[:]); err != nil {
			return
		}
		pkt := string(body[:len(body)-1])

		s.mu.Lock()
		s.packets = append(s.packets, pkt)
		noAck := s.noAck
		s.mu.Unlock()
		if !noAck {
			if _, err := s.conn.Write([]byte{'+'}); err != nil {
				return
			}
		}

		if err := s.handle(pkt); err != nil {
			return
		}
	}
}

func (s *fakeStub) handle(pkt string) error {
	switch {
	case pkt == "QStartNoAckMode":
		err := s.send("OK")
		s.mu.Lock()
		s.noAck = true
		s.mu.Unlock()
		return err
	case pkt == "s":
		if s.step >= len(s.states) {
			return s.send("W00")
		}
		s.step++
		if s.output != "" {
			if err := s.send("O" + hex.EncodeToString([]byte(s.output))); err != nil {
				return err
			}
		}
		if s.stop != "" {
			return s.send(s.stop)
		}
		return s.send("T05thread:01;")
	case pkt == "g":
		return s.send(s.registerBlock())
	case strings.HasPrefix(pkt, "m"):
		parts := strings.Split(pkt[1:], ",")
		addr, _ := strconv.ParseUint(parts[0], 16, 64)
		n, _ := strconv.ParseUint(parts[1], 16, 64)
		var out []byte
		for i := uint64(0); i < n; i++ {
			b, ok := s.mem[addr+i]
			if !ok {
				if i == 0 {
					return s.send("E14")
				}
				break
			}
			out = append(out, b)
		}
		return s.send(hex.EncodeToString(out))
	case pkt == "D":
		return s.send("OK")
	case pkt == "k":
		return s.conn.Close()
	default:
		return s.send("")
	}
}
