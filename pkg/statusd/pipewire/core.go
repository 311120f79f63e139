package pipewire

import (
	"fmt"

	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

type proxyKind int

const (
	kindRegistry proxyKind = iota
	kindNode
	kindDevice
	kindMetadata
)

func (k proxyKind) String() string {
	switch k {
	case kindRegistry:
		return "registry"
	case kindNode:
		return "node"
	case kindDevice:
		return "device"
	default:
		return "metadata"
	}
}

type proxy struct {
	kind   proxyKind
	global uint32
}

// sender is the part of the connection the trackers need. Proxies are
// addressed by their local id, globals by their registry id.
type sender interface {
	bind(global uint32, kind proxyKind) (uint32, error)
	subscribeParams(proxy uint32, params ...uint32) error
	enumParams(proxy uint32, param uint32) error
	setParam(proxy uint32, param uint32, pod spa.Pod) error
	setProperty(proxy uint32, subject uint32, key, typ, value string) error
}

// idAllocator hands out proxy ids, reusing ids the server released.
type idAllocator struct {
	next uint32
	free []uint32
}

func (a *idAllocator) alloc() uint32 {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}

	id := a.next
	a.next++

	return id
}

func (a *idAllocator) release(id uint32) {
	a.free = append(a.free, id)
}

// core owns the local proxy table of one connection. It is only used from
// the worker goroutine.
type core struct {
	conn *Conn

	ids     idAllocator
	proxies map[uint32]proxy

	registry uint32
	syncSeq  uint32
	enumSeq  int32
}

func newCore(conn *Conn) *core {
	return &core{
		conn:    conn,
		ids:     idAllocator{next: clientID + 1},
		proxies: make(map[uint32]proxy),
	}
}

// connect greets the server, announces the client and requests the registry.
// It returns the sequence of the sync that completes the initial burst.
func (c *core) connect(props map[string]string) (uint32, error) {
	if _, err := c.conn.Send(coreID, coreHello, helloArgs()); err != nil {
		return 0, fmt.Errorf("send hello: %w", err)
	}
	if _, err := c.conn.Send(clientID, clientUpdateProperties, updatePropertiesArgs(props)); err != nil {
		return 0, fmt.Errorf("send client properties: %w", err)
	}

	c.registry = c.ids.alloc()
	c.proxies[c.registry] = proxy{kind: kindRegistry}
	if _, err := c.conn.Send(coreID, coreGetRegistry, getRegistryArgs(c.registry)); err != nil {
		return 0, fmt.Errorf("get registry: %w", err)
	}

	return c.sync()
}

// sync asks the server to answer with a done event carrying the returned
// sequence once everything sent before has been processed.
func (c *core) sync() (uint32, error) {
	c.syncSeq++
	if _, err := c.conn.Send(coreID, coreSync, syncArgs(c.syncSeq)); err != nil {
		return 0, fmt.Errorf("send sync: %w", err)
	}

	return c.syncSeq, nil
}

func (c *core) pong(id uint32, seq int32) error {
	if _, err := c.conn.Send(coreID, corePong, pongArgs(id, seq)); err != nil {
		return fmt.Errorf("send pong: %w", err)
	}

	return nil
}

// removeID forgets a proxy after the server destroyed it.
func (c *core) removeID(id uint32) {
	if _, ok := c.proxies[id]; !ok {
		return
	}

	delete(c.proxies, id)
	c.ids.release(id)
}

func (c *core) lookup(id uint32) (proxy, bool) {
	p, ok := c.proxies[id]
	return p, ok
}

func (c *core) bind(global uint32, kind proxyKind) (uint32, error) {
	var typ string
	var version uint32

	switch kind {
	case kindNode:
		typ, version = typeNode, nodeVersion
	case kindDevice:
		typ, version = typeDevice, deviceVersion
	case kindMetadata:
		typ, version = typeMetadata, metadataVersion
	default:
		return 0, fmt.Errorf("bind %d: cannot bind a %s", global, kind)
	}

	id := c.ids.alloc()
	if _, err := c.conn.Send(c.registry, registryBind, bindArgs(global, typ, version, id)); err != nil {
		c.ids.release(id)
		return 0, fmt.Errorf("bind %s %d: %w", kind, global, err)
	}

	c.proxies[id] = proxy{kind: kind, global: global}

	return id, nil
}

func (c *core) subscribeParams(proxy uint32, params ...uint32) error {
	if _, err := c.conn.Send(proxy, paramsSubscribe, subscribeParamsArgs(params...)); err != nil {
		return fmt.Errorf("subscribe params on %d: %w", proxy, err)
	}

	return nil
}

func (c *core) enumParams(proxy uint32, param uint32) error {
	c.enumSeq++
	if _, err := c.conn.Send(proxy, paramsEnum, enumParamsArgs(c.enumSeq, param)); err != nil {
		return fmt.Errorf("enum params on %d: %w", proxy, err)
	}

	return nil
}

func (c *core) setParam(proxy uint32, param uint32, pod spa.Pod) error {
	if _, err := c.conn.Send(proxy, paramsSet, setParamArgs(param, 0, pod)); err != nil {
		return fmt.Errorf("set param on %d: %w", proxy, err)
	}

	return nil
}

func (c *core) setProperty(proxy uint32, subject uint32, key, typ, value string) error {
	if _, err := c.conn.Send(proxy, metadataSetProperty, setPropertyArgs(subject, key, typ, value, true)); err != nil {
		return fmt.Errorf("set metadata property %s: %w", key, err)
	}

	return nil
}
