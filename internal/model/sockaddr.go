package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Address family constants, as defined in linux/socket.h.
const (
	afUnix  = 1
	afInet  = 2
	afInet6 = 10
)

// IPEndpoint is the decoded form of a raw sockaddr captured by the probe.
// For AF_UNIX sockets IP and Port are zero and Path carries the socket path.
type IPEndpoint struct {
	IP   net.IP
	Port int
	Path string
}

// String formats the endpoint for logs and record columns.
func (e IPEndpoint) String() string {
	if e.Path != "" {
		return e.Path
	}
	if e.IP == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// ParseSockAddr decodes a raw struct sockaddr as captured from kernel
// memory. The family field is native-endian; ports are network order.
func ParseSockAddr(raw []byte) (IPEndpoint, error) {
	if len(raw) < 2 {
		return IPEndpoint{}, fmt.Errorf("sockaddr too short: %d bytes", len(raw))
	}

	family := binary.NativeEndian.Uint16(raw[0:2])
	switch family {
	case afInet:
		// struct sockaddr_in: family, port, 4-byte addr
		if len(raw) < 8 {
			return IPEndpoint{}, fmt.Errorf("sockaddr_in too short: %d bytes", len(raw))
		}
		return IPEndpoint{
			IP:   net.IP(append([]byte(nil), raw[4:8]...)),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}, nil
	case afInet6:
		// struct sockaddr_in6: family, port, flowinfo, 16-byte addr
		if len(raw) < 24 {
			return IPEndpoint{}, fmt.Errorf("sockaddr_in6 too short: %d bytes", len(raw))
		}
		return IPEndpoint{
			IP:   net.IP(append([]byte(nil), raw[8:24]...)),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}, nil
	case afUnix:
		// struct sockaddr_un: family, NUL-terminated path
		path := raw[2:]
		if i := bytes.IndexByte(path, 0); i >= 0 {
			path = path[:i]
		}
		return IPEndpoint{Path: string(path)}, nil
	default:
		return IPEndpoint{}, fmt.Errorf("unsupported address family %d", family)
	}
}
