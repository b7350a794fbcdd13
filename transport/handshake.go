package transport

import (
	"encoding/binary"

	"github.com/xrbridge/xrbridge/cmn/nlog"
	"github.com/xrbridge/xrbridge/stream"
)

// Magic identifies the wire protocol at connection setup, before any
// framed message is exchanged. Bytes spell "XRTP".
const Magic uint32 = 0x50545258

// ProtocolVersion is this package's wire-format version. It changes only
// when the frame header or handshake layout changes, independent of the
// XR API version negotiated alongside it.
const ProtocolVersion uint32 = 1

func writeU32(w stream.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return w.WriteAll(b[:])
}

func readU32(r stream.Reader) (uint32, error) {
	var b [4]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(w stream.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return w.WriteAll(b[:])
}

func readU64(r stream.Reader) (uint64, error) {
	var b [8]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ClientHandshake performs the connection-setup exchange described by the
// wire protocol, from the connecting peer's side. xrAPIVersion is the
// local OpenXR runtime's API version; the handshake rejects (and closes s)
// on any mismatch against the server's reported version.
func ClientHandshake(s stream.Stream, xrAPIVersion uint64) error {
	if err := writeU32(s, Magic); err != nil {
		return err
	}
	peerMagic, err := readU32(s)
	if err != nil {
		return err
	}
	if peerMagic != Magic {
		_ = s.Close()
		return ErrHandshakeFailed
	}
	if err := writeU64(s, xrAPIVersion); err != nil {
		return err
	}
	if err := writeU32(s, ProtocolVersion); err != nil {
		return err
	}
	peerAPIVersion, err := readU64(s)
	if err != nil {
		return err
	}
	peerProtoVersion, err := readU32(s)
	if err != nil {
		return err
	}
	accepted := peerAPIVersion == xrAPIVersion && peerProtoVersion == ProtocolVersion
	var clientOK uint32
	if accepted {
		clientOK = 1
	}
	if err := writeU32(s, clientOK); err != nil {
		return err
	}
	serverOK, err := readU32(s)
	if err != nil {
		return err
	}
	if !accepted || serverOK != 1 {
		nlog.Warningf("transport: handshake rejected (accepted=%v serverOK=%d)", accepted, serverOK)
		_ = s.Close()
		return ErrHandshakeFailed
	}
	return nil
}

// ServerHandshake is ClientHandshake's accepting-side counterpart.
func ServerHandshake(s stream.Stream, xrAPIVersion uint64) error {
	peerMagic, err := readU32(s)
	if err != nil {
		return err
	}
	if peerMagic != Magic {
		_ = s.Close()
		return ErrHandshakeFailed
	}
	if err := writeU32(s, Magic); err != nil {
		return err
	}
	peerAPIVersion, err := readU64(s)
	if err != nil {
		return err
	}
	peerProtoVersion, err := readU32(s)
	if err != nil {
		return err
	}
	if err := writeU64(s, xrAPIVersion); err != nil {
		return err
	}
	if err := writeU32(s, ProtocolVersion); err != nil {
		return err
	}
	accepted := peerAPIVersion == xrAPIVersion && peerProtoVersion == ProtocolVersion
	clientOK, err := readU32(s)
	if err != nil {
		return err
	}
	var serverOK uint32
	if accepted && clientOK == 1 {
		serverOK = 1
	}
	if err := writeU32(s, serverOK); err != nil {
		return err
	}
	if serverOK != 1 {
		nlog.Warningf("transport: handshake rejected (accepted=%v clientOK=%d)", accepted, clientOK)
		_ = s.Close()
		return ErrHandshakeFailed
	}
	return nil
}
