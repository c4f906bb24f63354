/*Package comm provides the terminated byte stream transport used by the
command link, over TCP or RS232.

A RemoteDevice dials lazily and retries with an exponential backoff, so a
link can be started before the experiment controller is listening:

	rd := comm.NewRemoteDevice("192.168.1.20:8620", false, comm.Config{})
	if err := rd.Open(ctx); err != nil {
		return err
	}
	defer rd.Close()
	for {
		msg, err := rd.Recv()
		...
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the stream ends inside a message
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Config tunes a RemoteDevice.  Zero values select the defaults.
type Config struct {
	// Terminator ends every message in both directions, default '\n'
	Terminator byte

	// Baud is the RS232 baud rate, default 9600
	Baud int

	// DialTimeout bounds one connection attempt, default 3 s
	DialTimeout time.Duration

	// RetryFor bounds the total time Open keeps retrying, default 3 s.
	// Negative retries until the context is done.
	RetryFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.Terminator == 0 {
		c.Terminator = '\n'
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.RetryFor == 0 {
		c.RetryFor = 3 * time.Second
	}
	return c
}

/*RemoteDevice is a terminated message stream to a remote peer.

Send may be called concurrently with Recv; concurrent Sends are serialized.
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	cfg  Config
	wmu  sync.Mutex
	conn io.ReadWriteCloser
	rx   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice.  For RS232 addr is the port,
// e.g. /dev/ttyS0 or COM3.
func NewRemoteDevice(addr string, serial bool, cfg Config) *RemoteDevice {
	return &RemoteDevice{Addr: addr, IsSerial: serial, cfg: cfg.withDefaults()}
}

// Terminator returns the message termination byte
func (rd *RemoteDevice) Terminator() byte { return rd.cfg.Terminator }

// SerialConf returns the port configuration used when IsSerial is true
func (rd *RemoteDevice) SerialConf() *serial.Config {
	return &serial.Config{Name: rd.Addr, Baud: rd.cfg.Baud, ReadTimeout: 0}
}

// newBackOff is the retry schedule of Open
func (rd *RemoteDevice) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.cfg.RetryFor,
		Clock:               backoff.SystemClock,
	}
	if rd.cfg.RetryFor < 0 {
		b.MaxElapsedTime = 0
	}
	b.Reset()
	return b
}

// Open connects, retrying with an exponential backoff until the retry
// budget is spent or ctx is done
func (rd *RemoteDevice) Open(ctx context.Context) error {
	attempts := 0
	var last error
	op := func() error {
		attempts++
		last = rd.open()
		return last
	}
	err := backoff.Retry(op, backoff.WithContext(rd.newBackOff(), ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("connecting to %s failed after %d attempts: %w", rd.Addr, attempts, last)
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		conn, err = serial.OpenPort(rd.SerialConf())
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.cfg.DialTimeout)
	}
	if err != nil {
		return err
	}
	rd.wmu.Lock()
	rd.conn = conn
	rd.rx = bufio.NewReader(conn)
	rd.wmu.Unlock()
	return nil
}

// Close the connection
func (rd *RemoteDevice) Close() error {
	rd.wmu.Lock()
	defer rd.wmu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn, rd.rx = nil, nil
	return err
}

// Send writes b followed by the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.wmu.Lock()
	defer rd.wmu.Unlock()
	if rd.conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(append(msg, b...), rd.cfg.Terminator)
	_, err := rd.conn.Write(msg)
	return err
}

// Recv blocks until a whole message arrives and returns it without the
// terminator.  Carriage returns before the terminator are stripped.
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.wmu.Lock()
	rx := rd.rx
	rd.wmu.Unlock()
	if rx == nil {
		return nil, ErrNotConnected
	}
	term := rd.cfg.Terminator
	buf, err := rx.ReadBytes(term)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	if term == '\n' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

// IsClosed returns true if err means the peer went away
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}
