// Package wire implements the on-wire codecs for the protocol's three
// framed exchanges: the local side's SOCKS5 negotiation with its user
// agent, the authenticated handshake between local and server, and the
// ciphered relay frame shared by both.
//
// Grounded on original_source/src/fnet.c's socks5_get_server_reply,
// socks5_request_resolve, fakio_request_resolve, and fakio.h/fcrypt.c for
// the handshake and relay byte layouts restated in spec.md §6.
package wire

import (
	"encoding/binary"
	"fmt"
)

// SOCKS5 constants, restated from spec.md §6's "standard RFC 1928 subset":
// method negotiation accepts only no-authentication, and only CONNECT
// with an IPv4 or domain-name address type is supported.
const (
	Version = 0x05

	MethodNoAuth = 0x00

	CmdConnect = 0x01

	ATYPIPv4   = 0x01
	ATYPDomain = 0x03

	ReplySuccess = 0x00
)

// Target is a parsed CONNECT destination: either an IPv4 address or a
// domain name, never both.
type Target struct {
	ATYP byte
	IPv4 [4]byte
	Name string
	Port uint16
}

// ParseGreeting validates the client's SOCKS5 method-negotiation message
// (S0). The caller is expected to have already read exactly 2+nmethods
// bytes; a shorter slice is rejected as a short method list. Returns an
// error on anything other than version 0x05 (S0: "on any other first
// byte, abort and close").
func ParseGreeting(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("wire: short greeting (%d bytes)", len(b))
	}
	if b[0] != Version {
		return fmt.Errorf("wire: unsupported SOCKS version 0x%02x", b[0])
	}
	nmethods := int(b[1])
	if len(b) < 2+nmethods {
		return fmt.Errorf("wire: short method list")
	}
	return nil
}

// GreetingReply is the fixed 2-byte accept-no-auth response to a
// greeting.
func GreetingReply() []byte {
	return []byte{Version, MethodNoAuth}
}

// ParseConnectRequest parses a SOCKS5 CONNECT request (S1) from b,
// returning the parsed Target and the number of bytes consumed.
// Grounded on original_source/src/fnet.c's socks5_request_resolve.
func ParseConnectRequest(b []byte) (Target, int, error) {
	if len(b) < 4 {
		return Target{}, 0, fmt.Errorf("wire: short connect request")
	}
	if b[0] != Version {
		return Target{}, 0, fmt.Errorf("wire: unsupported SOCKS version 0x%02x", b[0])
	}
	if b[1] != CmdConnect {
		return Target{}, 0, fmt.Errorf("wire: unsupported SOCKS command 0x%02x", b[1])
	}
	// b[2] is RSV, always 0x00.
	atyp := b[3]

	switch atyp {
	case ATYPIPv4:
		if len(b) < 4+4+2 {
			return Target{}, 0, fmt.Errorf("wire: short IPv4 connect request")
		}
		var t Target
		t.ATYP = ATYPIPv4
		copy(t.IPv4[:], b[4:8])
		t.Port = binary.BigEndian.Uint16(b[8:10])
		return t, 10, nil
	case ATYPDomain:
		if len(b) < 5 {
			return Target{}, 0, fmt.Errorf("wire: short domain connect request")
		}
		nameLen := int(b[4])
		end := 5 + nameLen + 2
		if len(b) < end {
			return Target{}, 0, fmt.Errorf("wire: short domain connect request")
		}
		var t Target
		t.ATYP = ATYPDomain
		t.Name = string(b[5 : 5+nameLen])
		t.Port = binary.BigEndian.Uint16(b[5+nameLen : end])
		return t, end, nil
	default:
		return Target{}, 0, fmt.Errorf("wire: unsupported ATYP 0x%02x", atyp)
	}
}

// EncodeConnectRequest is ParseConnectRequest's inverse, used by the
// local side when synthesizing the handshake block's tail (S1) from the
// address it already parsed out of the user agent's own request.
func EncodeConnectRequest(t Target) []byte {
	switch t.ATYP {
	case ATYPIPv4:
		out := make([]byte, 10)
		out[0], out[1], out[2], out[3] = Version, CmdConnect, 0x00, ATYPIPv4
		copy(out[4:8], t.IPv4[:])
		binary.BigEndian.PutUint16(out[8:10], t.Port)
		return out
	default:
		out := make([]byte, 5+len(t.Name)+2)
		out[0], out[1], out[2], out[3] = Version, CmdConnect, 0x00, ATYPDomain
		out[4] = byte(len(t.Name))
		copy(out[5:], t.Name)
		binary.BigEndian.PutUint16(out[5+len(t.Name):], t.Port)
		return out
	}
}

// ConnectReply builds the fixed 10-byte "succeeded" SOCKS5 reply sent
// back to the local user agent as soon as the handshake request to the
// Fakio server is queued (before the server's reply arrives), matching original_source/src/fnet.c's
// socks5_get_server_reply. Real tunnels can't report the remote bound
// address (it never flows back over the wire), so per spec.md §4.4.1
// the reply always carries 0.0.0.0:0 as BND.ADDR/BND.PORT — the value
// every SOCKS5 client is expected to ignore after a CONNECT succeeds.
func ConnectReply() []byte {
	return []byte{Version, ReplySuccess, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
}
