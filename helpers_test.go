package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *NetworkConfig {
	return &NetworkConfig{
		Name:           "test",
		Magic:          0x0b110907,
		Port:           18333,
		NetVer:         70015,
		UserAgent:      "/btccrawler-test:0.1/",
		Workers:        2,
		TimeoutSecs:    2,
		BatchMult:      2,
		RevisitMinutes: 30,
		RetrySecs:      60,
		ProxyAddr:      "127.0.0.1:9050",
		log:            log.WithField("network", "test"),
	}
}

// testAddrs builds n well-formed timestamped address records.
func testAddrs(n int) []*netAddress {
	addrs := make([]*netAddress, 0, n)
	for i := 0; i < n; i++ {
		addrs = append(addrs, &netAddress{
			Timestamp: time.Now(),
			Services:  1,
			IP:        net.IPv4(10, 0, 0, byte(i+1)),
			Port:      18333,
		})
	}
	return addrs
}

// makeAddrPayload encodes an addr message body. Writes to a bytes.Buffer
// cannot fail, so errors are discarded.
func makeAddrPayload(addrs []*netAddress) []byte {
	var buf bytes.Buffer
	_ = writeVarInt(&buf, uint64(len(addrs)))
	for _, na := range addrs {
		_ = writeNetAddress(&buf, na, true)
	}
	return buf.Bytes()
}

// listenerNode converts a loopback listener's address into a crawl task.
func listenerNode(t *testing.T, ln net.Listener) Node {
	t.Helper()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	return newNode(host, uint16(port))
}

// servePeer accepts one connection and plays a well-behaved peer.
func servePeer(t *testing.T, ln net.Listener, cfg *NetworkConfig, addrs []*netAddress) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	servePeerConn(t, conn, cfg, addrs)
}

// servePeerConn plays a well-behaved peer on an established stream: answer
// the version handshake, wait for getaddr, then deliver the given records
// and hold the socket open until the crawler hangs up.
func servePeerConn(t *testing.T, conn net.Conn, cfg *NetworkConfig, addrs []*netAddress) {
	rd := bufio.NewReader(conn)

	// the crawler speaks first
	msg, err := readMessage(rd, cfg.Magic)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, cmdVersion, msg.command)

	vp := &versionPayload{
		Version:     70015,
		Services:    1,
		Timestamp:   time.Now().Unix(),
		Nonce:       42,
		UserAgent:   "/peer:1.0/",
		StartHeight: 100,
		Relay:       true,
	}
	payload, err := vp.encode()
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, writeMessage(conn, cfg.Magic, cmdVersion, payload))
	assert.NoError(t, writeMessage(conn, cfg.Magic, cmdVerAck, nil))

	// expect verack then getaddr back
	for {
		msg, err = readMessage(rd, cfg.Magic)
		if err != nil {
			return
		}
		if msg.command == cmdGetAddr {
			break
		}
	}

	assert.NoError(t, writeMessage(conn, cfg.Magic, cmdAddr, makeAddrPayload(addrs)))

	_, _ = io.Copy(io.Discard, conn)
}
