// Package connection provides a thread-safe pool of gRPC client connections.
// It manages connections to multiple remote servers, which is what an active
// server relaying batches to its passives needs.
package connection

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// DefaultMaxSize is the number of connections opened per remote address.
const DefaultMaxSize = 2

// peerPool holds the connections of a single remote address. gRPC client
// connections multiplex calls, so they are shared round robin rather than
// checked out.
type peerPool struct {
	address string
	conns   []*grpc.ClientConn
	next    atomic.Uint64
}

func (p *peerPool) pick() *grpc.ClientConn {
	n := p.next.Add(1)
	return p.conns[int(n%uint64(len(p.conns)))]
}

func (p *peerPool) close() error {
	var err error
	for _, cc := range p.conns {
		if cerr := cc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// ConnectionPoolManager manages one peerPool per remote address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*peerPool
	maxSize int
	opts    []grpc.DialOption
	closed  bool
}

// NewConnectionPoolManager creates a manager opening maxSize connections per
// address. Without transport credentials the connections are insecure.
func NewConnectionPoolManager(maxSize int, creds credentials.TransportCredentials, opts ...grpc.DialOption) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	return &ConnectionPoolManager{
		pools:   make(map[string]*peerPool),
		maxSize: maxSize,
		opts:    append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...),
	}
}

// Get returns a connection to address, creating the address's pool on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return pool.pick(), nil
	}

	fresh, err := m.dial(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	// Double-check after acquiring write lock
	if m.closed {
		m.mu.Unlock()
		_ = fresh.close()
		return nil, ErrPoolClosed
	}
	if old, ok := m.pools[address]; ok {
		m.mu.Unlock()
		_ = fresh.close()
		return old.pick(), nil
	}
	m.pools[address] = fresh
	m.mu.Unlock()
	return fresh.pick(), nil
}

func (m *ConnectionPoolManager) dial(address string) (*peerPool, error) {
	pool := &peerPool{address: address}
	for i := 0; i < m.maxSize; i++ {
		cc, err := grpc.NewClient(address, m.opts...)
		if err != nil {
			_ = pool.close()
			return nil, errors.Wrapf(err, "dial %s", address)
		}
		pool.conns = append(pool.conns, cc)
	}
	return pool, nil
}

// Remove closes the connections to address. A later Get dials again.
func (m *ConnectionPoolManager) Remove(address string) error {
	m.mu.Lock()
	pool, ok := m.pools[address]
	delete(m.pools, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.close()
}

// Close shuts down every pool.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*peerPool)
	m.closed = true
	m.mu.Unlock()

	var err error
	for _, pool := range pools {
		if cerr := pool.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
