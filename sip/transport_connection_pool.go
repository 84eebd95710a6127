package sip

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

type Connection interface {
	// LocalAddr used for connection
	LocalAddr() net.Addr
	// WriteMsg marshals message and sends to socket
	WriteMsg(msg Message) error
	// Reference of connection can be increased/decreased to prevent closing to earlyss
	Ref(i int) int
	// Close decreases reference and if ref = 0 closes connection. Returns last ref. If 0 then it is closed
	TryClose() (int, error)

	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		b := new(bytes.Buffer)
		// b.Grow(2048)
		return b
	},
}

// ConnectionPool keys live connections by remote/local address. Backed by
// sync.Map: lookups from the receive loop vastly outnumber the inserts and
// deletes driven by connection setup/teardown, and entries never share a key
// across goroutines the way a generic cache might, so the lock-free read path
// sync.Map gives for disjoint keys pays off over a mutex-guarded map.
type ConnectionPool struct {
	m   sync.Map
	sf  singleflight.Group
	log *slog.Logger

	size atomic.Int64
}

func NewConnectionPool(log *slog.Logger) *ConnectionPool {
	if log == nil {
		log = DefaultLogger()
	}
	return &ConnectionPool{log: log.With("caller", "ConnectionPool")}
}

func (p *ConnectionPool) store(addr string, c Connection) {
	if _, loaded := p.m.LoadOrStore(addr, c); loaded {
		p.m.Store(addr, c)
		return
	}
	p.size.Add(1)
}

func (p *ConnectionPool) addSingleflight(raddr Addr, laddr Addr, reuse bool, do func() (Connection, error)) (Connection, error) {
	a := raddr.String()

	if laddr.Port > 0 || reuse {
		conn, err, shared := p.sf.Do(laddr.String()+raddr.String(), func() (any, error) {
			return do()
		})
		if err != nil {
			return nil, err
		}
		c := conn.(Connection)

		if shared {
			return c, nil
		}

		p.store(a, c)
		p.store(c.LocalAddr().String(), c)
		return c, nil
	}

	// There is nothing here to block
	c, err := do()
	if err != nil {
		return nil, err
	}

	if c.Ref(0) < 1 {
		c.Ref(1) // Make 1 reference count by default
	}
	p.store(a, c)
	p.store(c.LocalAddr().String(), c)
	return c, nil
}

func (p *ConnectionPool) Add(a string, c Connection) {
	if c.Ref(0) < 1 {
		c.Ref(1) // Make 1 reference count by default
	}
	p.store(a, c)
}

// Getting connection pool increases reference
// Make sure you TryClose after finish
func (p *ConnectionPool) Get(a string) (c Connection) {
	val, exists := p.m.Load(a)
	if !exists {
		return nil
	}
	c = val.(Connection)
	c.Ref(1)
	return c
}

func (p *ConnectionPool) delete(addr string) {
	if _, existed := p.m.LoadAndDelete(addr); existed {
		p.size.Add(-1)
	}
}

// CloseAndDelete closes connection and deletes from pool
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) error {
	p.delete(addr)
	ref, _ := c.TryClose() // Be nice. Saves from double closing
	if ref > 0 {
		return c.Close()
	}
	return nil
}

func (p *ConnectionPool) Delete(addr string) {
	p.delete(addr)
}

func (p *ConnectionPool) DeleteMultiple(addrs []string) {
	for _, a := range addrs {
		p.delete(a)
	}
}

// Clear will clear all connection from pool and close them
func (p *ConnectionPool) Clear() error {
	var werr error
	p.m.Range(func(key, val any) bool {
		c := val.(Connection)
		if c.Ref(0) > 0 {
			if err := c.Close(); err != nil {
				p.log.Debug("failed to close connection during pool clear", "error", err, "addr", key)
				werr = errors.Join(werr, err)
			}
		}
		p.m.Delete(key)
		return true
	})
	p.size.Store(0)
	return werr
}

func (p *ConnectionPool) Size() int {
	return int(p.size.Load())
}
