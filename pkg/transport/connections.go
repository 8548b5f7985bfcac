package transport

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connections lazily dials one client connection per sync source host.
type connections struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

func newConnections(opts ...grpc.DialOption) *connections {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &connections{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

func (c *connections) get(host string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(host, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", host, err)
	}
	c.conns[host] = conn
	return conn, nil
}

// closeAll closes every connection and forgets them.
func (c *connections) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for host, conn := range c.conns {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connection to %s: %w", host, cerr))
		}
	}
	clear(c.conns)
	return err
}
