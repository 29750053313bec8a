package velbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestParseConnection(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantType string
		wantStr  string
		wantErr  error
	}{
		{name: "serial URL", target: "serial:///dev/ttyACM0", wantType: "serial", wantStr: "serial:///dev/ttyACM0"},
		{name: "serial URL with windows port", target: "serial://COM3", wantType: "serial", wantStr: "serial://COM3"},
		{name: "bare device path", target: "/dev/ttyUSB1", wantType: "serial", wantStr: "serial:///dev/ttyUSB1"},
		{name: "bare windows port", target: "COM4", wantType: "serial", wantStr: "serial://COM4"},
		{name: "tcp", target: "tcp://192.168.1.10:6000", wantType: "tcp", wantStr: "tcp://192.168.1.10:6000"},
		{name: "surrounding spaces", target: "  tcp://velserv:6000 ", wantType: "tcp", wantStr: "tcp://velserv:6000"},
		{name: "empty", target: "", wantErr: ErrNotConfigured},
		{name: "serial without port", target: "serial://", wantErr: ErrNotConfigured},
		{name: "tcp without host", target: "tcp://", wantErr: ErrNotConfigured},
		{name: "tcp without port", target: "tcp://velserv"},
		{name: "unknown scheme", target: "udp://velserv:6000", wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseConnection(tt.target, time.Second)
			if tt.wantType == "" {
				if err == nil {
					t.Fatalf("ParseConnection(%q) expected error, got %v", tt.target, d)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseConnection(%q) error = %v, want %v", tt.target, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConnection(%q) unexpected error: %v", tt.target, err)
			}

			switch tt.wantType {
			case "serial":
				if _, ok := d.(*SerialDialer); !ok {
					t.Errorf("ParseConnection(%q) = %T, want *SerialDialer", tt.target, d)
				}
			case "tcp":
				td, ok := d.(*TCPDialer)
				if !ok {
					t.Fatalf("ParseConnection(%q) = %T, want *TCPDialer", tt.target, d)
				}
				if td.Timeout != time.Second {
					t.Errorf("Timeout = %v, want 1s", td.Timeout)
				}
			}
			if d.String() != tt.wantStr {
				t.Errorf("String() = %q, want %q", d.String(), tt.wantStr)
			}
		})
	}
}

// fakePort implements the parts of serial.Port the transport uses.
type fakePort struct {
	serial.Port
	reads   [][]byte
	written bytes.Buffer
	drained int
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, nil
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

func (p *fakePort) Drain() error {
	p.drained++
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSerialDialer(t *testing.T) {
	port := &fakePort{reads: [][]byte{statusFrame}}
	var gotPath string
	var gotMode *serial.Mode

	d := &SerialDialer{
		Port: "/dev/ttyACM0",
		Open: func(path string, mode *serial.Mode) (serial.Port, error) {
			gotPath, gotMode = path, mode
			return port, nil
		},
	}

	tr, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	if gotPath != "/dev/ttyACM0" {
		t.Errorf("opened %q, want /dev/ttyACM0", gotPath)
	}
	want := serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if gotMode == nil || gotMode.BaudRate != want.BaudRate || gotMode.DataBits != want.DataBits ||
		gotMode.Parity != want.Parity || gotMode.StopBits != want.StopBits {
		t.Errorf("mode = %+v, want %+v", gotMode, want)
	}

	if _, err := tr.Write(statusFrame); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush() unexpected error: %v", err)
	}
	if !bytes.Equal(port.written.Bytes(), statusFrame) || port.drained != 1 {
		t.Errorf("written = % X, drained = %d", port.written.Bytes(), port.drained)
	}

	buf := make([]byte, 32)
	n, err := tr.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], statusFrame) {
		t.Errorf("Read() = % X, %v", buf[:n], err)
	}
	// A zero read without error means the device is gone.
	if _, err := tr.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read() on empty port error = %v, want io.EOF", err)
	}

	if err := tr.Close(); err != nil || !port.closed {
		t.Errorf("Close() = %v, closed = %v", err, port.closed)
	}
}

func TestSerialDialerErrors(t *testing.T) {
	errBusy := errors.New("device busy")
	d := &SerialDialer{
		Port: "/dev/ttyACM0",
		Open: func(string, *serial.Mode) (serial.Port, error) { return nil, errBusy },
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, errBusy) {
		t.Errorf("Dial() error = %v, want %v", err, errBusy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Dial() with cancelled context error = %v, want context.Canceled", err)
	}
}

func TestTCPDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	d := &TCPDialer{Address: ln.Addr().String(), Timeout: time.Second}
	tr, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	defer tr.Close()

	server := <-accepted
	if server == nil {
		t.Fatal("server did not accept")
	}
	defer server.Close()

	if _, err := tr.Write(statusFrame); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush() unexpected error: %v", err)
	}

	got := make([]byte, len(statusFrame))
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("server read error: %v", err)
	}
	if !bytes.Equal(got, statusFrame) {
		t.Errorf("server received % X, want % X", got, statusFrame)
	}
}

func TestNetTransportWriteDeadline(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	tr := &netTransport{Conn: local, writeTimeout: 50 * time.Millisecond}
	defer tr.Close()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Write(statusFrame)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("Write() to a stalled peer error = %v, want os.ErrDeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write() to a stalled peer did not time out")
	}
}

func TestParseConnectionTCPWriteTimeout(t *testing.T) {
	d, err := ParseConnection("tcp://velserv:6000", 3*time.Second)
	if err != nil {
		t.Fatalf("ParseConnection() unexpected error: %v", err)
	}
	tcp, ok := d.(*TCPDialer)
	if !ok {
		t.Fatalf("ParseConnection() = %T, want *TCPDialer", d)
	}
	if tcp.WriteTimeout != 3*time.Second {
		t.Errorf("WriteTimeout = %v, want 3s", tcp.WriteTimeout)
	}
}

func TestTCPDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &TCPDialer{Address: addr, Timeout: time.Second}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Error("Dial() to closed port expected error, got nil")
	}
}
