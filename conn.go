package main

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// attempt is one bounded crawl of one node: dial, version handshake, then
// read and dispatch messages until addresses are harvested or the budget
// runs out. It owns its socket exclusively and always ends closed, whatever
// path it takes to get there.
type attempt struct {
	node    Node
	cfg     *NetworkConfig
	log     *log.Entry
	timeout time.Duration
	start   time.Time

	conn net.Conn
	rd   *bufio.Reader

	// results, reported even when the attempt fails partway
	peerVersion *versionPayload
	discovered  []Node
	err         error
}

func newAttempt(cfg *NetworkConfig, nd Node) *attempt {
	return &attempt{
		node:    nd,
		cfg:     cfg,
		log:     cfg.log,
		timeout: cfg.timeout(),
	}
}

// run drives the attempt to completion and releases the socket. The error is
// also recorded on the attempt so it travels with the result.
func (a *attempt) run() error {
	a.err = a.open()
	a.close()
	return a.err
}

func (a *attempt) open() error {
	a.start = time.Now()

	conn, err := a.dial()
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", a.node.key(), err)
	}
	a.conn = conn
	a.rd = bufio.NewReader(conn)

	// one absolute deadline for the whole conversation so a silent peer
	// cannot hold the worker past its budget inside a blocked read
	if err := conn.SetDeadline(a.start.Add(a.timeout)); err != nil {
		return fmt.Errorf("cannot set deadline for %s: %w", a.node.key(), err)
	}

	if err := a.sendVersion(); err != nil {
		return err
	}

	for a.remainAlive() {
		if err := a.handleMessage(); err != nil {
			return err
		}
	}

	return nil
}

// dial opens the transport: onion-service targets go through the local
// SOCKS5 proxy, everything else connects directly.
func (a *attempt) dial() (net.Conn, error) {
	if a.node.isOnion() {
		dialer, err := proxy.SOCKS5("tcp", a.cfg.ProxyAddr, nil, &net.Dialer{Timeout: a.timeout})
		if err != nil {
			return nil, err
		}
		return dialer.Dial("tcp", a.node.key())
	}
	return net.DialTimeout("tcp", a.node.key(), a.timeout)
}

// remainAlive reports whether the read loop should continue: budget left and
// nothing harvested yet. Discovery is the success signal that lets a
// productive connection finish early instead of idling out the timeout.
func (a *attempt) remainAlive() bool {
	return time.Since(a.start) < a.timeout && len(a.discovered) == 0
}

// handleMessage reads one message and dispatches on its command. Commands
// without a handler have no side effect.
func (a *attempt) handleMessage() error {
	msg, err := readMessage(a.rd, a.cfg.Magic)
	if err != nil {
		return err
	}

	switch msg.command {
	case cmdVersion:
		vp, err := readVersionPayload(bytes.NewReader(msg.payload))
		if err != nil {
			return err
		}
		a.log.Debugf("Node %s version is %d (%s), services is %d", a.node.key(), vp.Version, vp.UserAgent, vp.Services)
		a.peerVersion = vp
		return a.send(cmdVerAck, nil)
	case cmdVerAck:
		return a.send(cmdGetAddr, nil)
	case cmdPing:
		return a.send(cmdPong, msg.payload)
	case cmdAddr:
		return a.handleAddr(msg.payload)
	default:
		a.log.Debugf("Ignoring %s message from %s", msg.command, a.node.key())
		return nil
	}
}

// handleAddr harvests the peer's gossip. A single entry is the peer
// announcing itself, not a peer list, so it yields no discoveries.
func (a *attempt) handleAddr(payload []byte) error {
	addrs, err := readAddrPayload(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	if len(addrs) <= 1 {
		return nil
	}

	for _, na := range addrs {
		a.discovered = append(a.discovered, newNode(na.host(), na.Port))
	}
	a.log.Debugf("Harvested %d addresses from %s", len(addrs), a.node.key())

	return nil
}

func (a *attempt) sendVersion() error {
	vp := &versionPayload{
		Version:   int32(a.cfg.NetVer),
		Services:  a.cfg.Services,
		Timestamp: time.Now().Unix(),
		Nonce:     rand.Uint64(),
		UserAgent: a.cfg.UserAgent,
	}

	payload, err := vp.encode()
	if err != nil {
		return err
	}
	return a.send(cmdVersion, payload)
}

func (a *attempt) send(command string, payload []byte) error {
	if err := writeMessage(a.conn, a.cfg.Magic, command, payload); err != nil {
		return fmt.Errorf("cannot send %s to %s: %w", command, a.node.key(), err)
	}
	return nil
}

// close releases the socket. Safe on every exit path: a failed dial never
// sets a.conn, so there is nothing to release.
func (a *attempt) close() {
	if a.conn == nil {
		return
	}

	if err := a.conn.Close(); err != nil {
		a.log.Warnf("Error disconnecting from %s: %v", a.node.key(), err)
	} else {
		a.log.Debugf("Disconnected from %s", a.node.key())
	}
	a.conn = nil
}
