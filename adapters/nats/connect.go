package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a connection. The returned close func releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// sharedConn hands out leases on one connection.
type sharedConn struct {
	connect Connector

	mu     sync.Mutex
	nc     *natsgo.Conn
	close  closeFunc
	leases int
}

func (s *sharedConn) lease() (*natsgo.Conn, closeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		nc, closeConn, err := s.connect()
		if err != nil {
			return nil, nil, err
		}
		s.nc, s.close = nc, closeConn
	}
	s.leases++

	var once sync.Once
	return s.nc, func() { once.Do(s.release) }, nil
}

func (s *sharedConn) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases--
	if s.leases == 0 && s.nc != nil {
		s.close()
		s.nc, s.close = nil, nil
	}
}

// ReuseConnection shares one connection between the event log, the kv
// buckets and anything else built from the returned Connector. The
// connection closes when the last lease is released; the next call dials
// again.
func ReuseConnection(connect Connector) Connector {
	return (&sharedConn{connect: connect}).lease
}

// ConnectURL dials natsURL on every call.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	opts = append([]natsgo.Option{
		natsgo.Name("jasperfx-daemon"),
		natsgo.MaxReconnects(3),
	}, opts...)
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault connects to JASPERFX_NATS_URL or NATS_URL, falling back to
// the local default server.
func ConnectDefault() Connector {
	return ConnectURL(defaultURL())
}

func defaultURL() string {
	for _, env := range []string{"JASPERFX_NATS_URL", "NATS_URL"} {
		if natsURL := os.Getenv(env); natsURL != "" {
			return natsURL
		}
	}
	return natsgo.DefaultURL
}
