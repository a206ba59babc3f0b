package main

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Commands the dispatch loop understands. Anything else is ignored.
const (
	cmdVersion = "version"
	cmdVerAck  = "verack"
	cmdPing    = "ping"
	cmdPong    = "pong"
	cmdGetAddr = "getaddr"
	cmdAddr    = "addr"
)

const (
	commandSize = 12
	headerSize  = 24 // magic + command + length + checksum

	// maxPayloadSize caps how much we read for a single message so a hostile
	// length field cannot make us allocate gigabytes
	maxPayloadSize = 0x02000000

	// maxAddrPerMsg is the protocol limit on entries in one addr message
	maxAddrPerMsg = 1000

	// maxUserAgentLen bounds the version message's user agent string
	maxUserAgentLen = 256
)

// onionPrefix is the OnionCat /48 used on the wire for Tor peers. The
// remaining 10 bytes of the IP field carry the onion service identifier.
var onionPrefix = []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}

// ErrChecksum reports a message whose payload does not hash to the checksum
// carried in its header.
var ErrChecksum = errors.New("payload checksum mismatch")

// ProtocolError reports malformed or truncated wire data. It only ever
// aborts the attempt that hit it.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// message is one protocol frame. Ephemeral, rebuilt per read/write.
type message struct {
	command string
	payload []byte
}

func checksum(payload []byte) [4]byte {
	var ck [4]byte
	copy(ck[:], chainhash.DoubleHashB(payload))
	return ck
}

// writeMessage frames and sends one message:
// magic || command (null padded to 12) || payload length || checksum || payload.
func writeMessage(w io.Writer, magic uint32, command string, payload []byte) error {
	if len(command) > commandSize {
		return fmt.Errorf("command %q longer than %d bytes", command, commandSize)
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	copy(buf[4:16], command)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	ck := checksum(payload)
	copy(buf[20:24], ck[:])

	_, err := w.Write(append(buf, payload...))
	return err
}

// readMessage reads exactly one message off the stream, verifying magic and
// checksum. Truncated streams and bad checksums yield a ProtocolError.
func readMessage(r io.Reader, magic uint32) (*message, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, protoErr("read header", err)
	}

	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		return nil, protoErr("read header", fmt.Errorf("bad magic 0x%08x", got))
	}

	length := binary.LittleEndian.Uint32(hdr[16:20])
	if length > maxPayloadSize {
		return nil, protoErr("read header", fmt.Errorf("payload of %d bytes exceeds limit", length))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, protoErr("read payload", err)
	}

	if ck := checksum(payload); !bytes.Equal(ck[:], hdr[20:24]) {
		return nil, protoErr("read payload", ErrChecksum)
	}

	return &message{
		command: string(bytes.TrimRight(hdr[4:16], "\x00")),
		payload: payload,
	}, nil
}

// writeVarInt encodes v using the shortest valid prefix class.
func writeVarInt(w io.Writer, v uint64) error {
	var buf []byte
	switch {
	case v < 0xfd:
		buf = []byte{byte(v)}
	case v <= 0xffff:
		buf = make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
	case v <= 0xffffffff:
		buf = make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
	default:
		buf = make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
	}

	_, err := w.Write(buf)
	return err
}

// readVarInt decodes one variable-length integer, consuming exactly the
// bytes its prefix prescribes.
func readVarInt(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, protoErr("read varint", err)
	}

	switch buf[0] {
	case 0xfd:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return 0, protoErr("read varint", err)
		}
		return uint64(binary.LittleEndian.Uint16(buf[:2])), nil
	case 0xfe:
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return 0, protoErr("read varint", err)
		}
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 0xff:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return 0, protoErr("read varint", err)
		}
		return binary.LittleEndian.Uint64(buf[:8]), nil
	default:
		return uint64(buf[0]), nil
	}
}

// netAddress is one wire address record: services, 16 byte IP and big endian
// port, preceded by a last-seen timestamp in addr lists but not in the
// version handshake.
type netAddress struct {
	Timestamp time.Time
	Services  uint64
	IP        net.IP
	Port      uint16
}

func readNetAddress(r io.Reader, withTimestamp bool) (*netAddress, error) {
	size := 26
	if withTimestamp {
		size = 30
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, protoErr("read netaddress", err)
	}

	na := &netAddress{}
	if withTimestamp {
		na.Timestamp = time.Unix(int64(binary.LittleEndian.Uint32(buf[:4])), 0)
		buf = buf[4:]
	}
	na.Services = binary.LittleEndian.Uint64(buf[0:8])
	na.IP = net.IP(append([]byte(nil), buf[8:24]...))
	na.Port = binary.BigEndian.Uint16(buf[24:26])
	return na, nil
}

func writeNetAddress(w io.Writer, na *netAddress, withTimestamp bool) error {
	buf := make([]byte, 0, 30)
	if withTimestamp {
		var ts [4]byte
		binary.LittleEndian.PutUint32(ts[:], uint32(na.Timestamp.Unix()))
		buf = append(buf, ts[:]...)
	}

	var svc [8]byte
	binary.LittleEndian.PutUint64(svc[:], na.Services)
	buf = append(buf, svc[:]...)

	// IPv4 goes out in the v4-in-v6 mapped form
	ip := na.IP.To16()
	if ip == nil {
		ip = make(net.IP, 16)
	}
	buf = append(buf, ip...)

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], na.Port)
	buf = append(buf, port[:]...)

	_, err := w.Write(buf)
	return err
}

// host renders the record's IP for dialing and storage: dotted quad for
// v4-mapped addresses, OnionCat payloads as <base32>.onion, plain IPv6
// otherwise.
func (na *netAddress) host() string {
	if ip4 := na.IP.To4(); ip4 != nil {
		return ip4.String()
	}
	if len(na.IP) == 16 && bytes.HasPrefix(na.IP, onionPrefix) {
		return strings.ToLower(base32.StdEncoding.EncodeToString(na.IP[6:16])) + ".onion"
	}
	return na.IP.String()
}

// readAddrPayload decodes an addr message: a varint count followed by
// exactly that many timestamped address records.
func readAddrPayload(r io.Reader) ([]*netAddress, error) {
	count, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > maxAddrPerMsg {
		return nil, protoErr("read addr", fmt.Errorf("%d addresses exceeds limit of %d", count, maxAddrPerMsg))
	}

	addrs := make([]*netAddress, 0, count)
	for i := uint64(0); i < count; i++ {
		na, err := readNetAddress(r, true)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, na)
	}
	return addrs, nil
}

// versionPayload is the handshake self-description, an immutable snapshot
// once parsed.
type versionPayload struct {
	Version     int32
	Services    uint64
	Timestamp   int64
	AddrRecv    netAddress
	AddrFrom    netAddress
	Nonce       uint64
	UserAgent   string
	StartHeight int32
	Relay       bool
}

func readVersionPayload(r io.Reader) (*versionPayload, error) {
	var fixed [20]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, protoErr("read version", err)
	}

	vp := &versionPayload{
		Version:   int32(binary.LittleEndian.Uint32(fixed[0:4])),
		Services:  binary.LittleEndian.Uint64(fixed[4:12]),
		Timestamp: int64(binary.LittleEndian.Uint64(fixed[12:20])),
	}

	recv, err := readNetAddress(r, false)
	if err != nil {
		return nil, err
	}
	vp.AddrRecv = *recv

	from, err := readNetAddress(r, false)
	if err != nil {
		return nil, err
	}
	vp.AddrFrom = *from

	var nonce [8]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, protoErr("read version", err)
	}
	vp.Nonce = binary.LittleEndian.Uint64(nonce[:])

	ualen, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if ualen > maxUserAgentLen {
		return nil, protoErr("read version", fmt.Errorf("user agent of %d bytes exceeds limit", ualen))
	}
	ua := make([]byte, ualen)
	if _, err := io.ReadFull(r, ua); err != nil {
		return nil, protoErr("read version", err)
	}
	vp.UserAgent = string(ua)

	var height [4]byte
	if _, err := io.ReadFull(r, height[:]); err != nil {
		return nil, protoErr("read version", err)
	}
	vp.StartHeight = int32(binary.LittleEndian.Uint32(height[:]))

	// the relay flag only exists on newer protocol versions; a stream that
	// ends here is fine
	var relay [1]byte
	if _, err := io.ReadFull(r, relay[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return vp, nil
		}
		return nil, protoErr("read version", err)
	}
	vp.Relay = relay[0] != 0

	return vp, nil
}

func (vp *versionPayload) encode() ([]byte, error) {
	var buf bytes.Buffer

	var fixed [20]byte
	binary.LittleEndian.PutUint32(fixed[0:4], uint32(vp.Version))
	binary.LittleEndian.PutUint64(fixed[4:12], vp.Services)
	binary.LittleEndian.PutUint64(fixed[12:20], uint64(vp.Timestamp))
	buf.Write(fixed[:])

	if err := writeNetAddress(&buf, &vp.AddrRecv, false); err != nil {
		return nil, err
	}
	if err := writeNetAddress(&buf, &vp.AddrFrom, false); err != nil {
		return nil, err
	}

	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], vp.Nonce)
	buf.Write(nonce[:])

	if err := writeVarInt(&buf, uint64(len(vp.UserAgent))); err != nil {
		return nil, err
	}
	buf.WriteString(vp.UserAgent)

	var height [4]byte
	binary.LittleEndian.PutUint32(height[:], uint32(vp.StartHeight))
	buf.Write(height[:])

	if vp.Relay {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}
