package main

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Node is one candidate peer plus its visit schedule. A freshly discovered
// node is due immediately; ID, NextVisit and VisitsMissed are owned by the
// store once the node has been persisted.
type Node struct {
	ID           int64
	IP           string // IPv4, IPv6 or <base32>.onion textual form
	Port         uint16
	NextVisit    time.Time
	VisitsMissed int
}

func newNode(ip string, port uint16) Node {
	return Node{IP: ip, Port: port, NextVisit: time.Now()}
}

// key identifies a node for frontier purposes and doubles as its dial
// address.
func (n Node) key() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(int(n.Port)))
}

// isOnion reports whether the node lives in the onion-service namespace and
// therefore needs the SOCKS5 transport.
func (n Node) isOnion() bool {
	return strings.HasSuffix(n.IP, ".onion")
}
