package bus

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

const dialTimeout = 5 * time.Second

// tcpPort adapts a socket to the port contract: a read that times out
// within one slice reports (0, nil) instead of an error.
type tcpPort struct {
	conn net.Conn
}

func (t *tcpPort) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	var ne net.Error
	if err != nil && errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *tcpPort) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpPort) Close() error                { return t.conn.Close() }

func openTCP(hostport string, opts Options) (*lineSession, error) {
	conn, err := net.DialTimeout("tcp", hostport, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	log.Printf("[bus] connected to tcp %s", hostport)
	return newLineSession(&tcpPort{conn: conn}, opts.Timeout), nil
}
