package velbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"go.bug.st/serial"
)

// BaudRate is the fixed line speed of Velbus serial interfaces (VMB1USB, VMBRSUSB).
const BaudRate = 9600

// Transport is a duplex byte stream to a Velbus interface.
//
// Read must return an error once the stream is closed so the read loop
// can exit.
type Transport interface {
	io.ReadWriteCloser

	// Flush blocks until written bytes have left the local buffer.
	Flush() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)

	// String describes the target for logging.
	String() string
}

// SerialOpenFunc opens a serial port. Replaced in tests.
type SerialOpenFunc func(path string, mode *serial.Mode) (serial.Port, error)

// SerialDialer opens a serial port at 9600 baud, 8N1.
type SerialDialer struct {
	Port string
	Open SerialOpenFunc
}

// Dial opens the port. The context is only checked before opening;
// serial.Open does not block on the line.
func (d *SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	open := d.Open
	if open == nil {
		open = serial.Open
	}

	port, err := open(d.Port, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.Port, err)
	}
	return &serialTransport{port: port}, nil
}

// String returns "serial://<port>".
func (d *SerialDialer) String() string {
	return "serial://" + d.Port
}

type serialTransport struct {
	port serial.Port
}

func (t *serialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && err == nil {
		// Without a read timeout a zero read means the port went away.
		return 0, io.EOF
	}
	return n, err
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) Flush() error {
	return t.port.Drain()
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

// TCPDialer connects to a Velbus TCP server (velserv, VMBSIG) at Address.
type TCPDialer struct {
	Address string
	Timeout time.Duration

	// WriteTimeout bounds each write. A peer that stops reading for
	// longer fails the write, which the client handles as connection loss.
	// Zero means no deadline.
	WriteTimeout time.Duration
}

// Dial connects with the dialer timeout bounded by ctx.
func (d *TCPDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp://%s: %w", d.Address, err)
	}
	return &netTransport{Conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// String returns "tcp://<host:port>".
func (d *TCPDialer) String() string {
	return "tcp://" + d.Address
}

// netTransport writes straight to the socket, so Flush has nothing to do.
type netTransport struct {
	net.Conn
	writeTimeout time.Duration
}

func (t *netTransport) Write(p []byte) (int, error) {
	if t.writeTimeout > 0 {
		if err := t.Conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return t.Conn.Write(p)
}

func (t *netTransport) Flush() error {
	return nil
}

// ParseConnection builds a Dialer from a connection target.
//
// Supported formats:
//   - "serial:///dev/ttyACM0" or a bare device path ("/dev/ttyACM0", "COM3")
//   - "tcp://192.168.1.10:6000"
//
// An empty target returns ErrNotConfigured.
func ParseConnection(target string, connectTimeout time.Duration) (Dialer, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, ErrNotConfigured
	}
	if !strings.Contains(target, "://") {
		return &SerialDialer{Port: target}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid connection URL: %w", err)
	}

	switch u.Scheme {
	case "serial":
		port := u.Path
		if u.Host != "" {
			// serial://COM3
			port = u.Host + u.Path
		}
		if port == "" {
			return nil, fmt.Errorf("%w: serial URL has no port", ErrNotConfigured)
		}
		return &SerialDialer{Port: port}, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: tcp URL has no host", ErrNotConfigured)
		}
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return nil, fmt.Errorf("invalid tcp address %q: %w", u.Host, err)
		}
		return &TCPDialer{Address: u.Host, Timeout: connectTimeout, WriteTimeout: connectTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q (use serial or tcp)", ErrInvalidConfig, u.Scheme)
	}
}
