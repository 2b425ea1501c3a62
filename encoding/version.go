package encoding

import (
	"bytes"
	"io"
)

// ProtocolVersion identifies the MQTT protocol revision in effect for a
// connection. The wire value is the CONNECT packet's protocol level byte.
type ProtocolVersion byte

const (
	ProtocolVersion30  ProtocolVersion = 3 // MQTT 3.1, protocol name "MQIsdp"
	ProtocolVersion311 ProtocolVersion = 4 // MQTT 3.1.1, protocol name "MQTT"
	ProtocolVersion50  ProtocolVersion = 5 // MQTT 5.0, protocol name "MQTT"
)

// String returns a human-readable protocol version name.
func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolVersion30:
		return "3.1"
	case ProtocolVersion311:
		return "3.1.1"
	case ProtocolVersion50:
		return "5.0"
	default:
		return "unknown"
	}
}

// ProtocolName returns the protocol name field a CONNECT packet of this
// version must carry.
func (v ProtocolVersion) ProtocolName() string {
	if v == ProtocolVersion30 {
		return "MQIsdp"
	}
	return "MQTT"
}

// EncodeFixedHeader writes the fixed header assuming MQTT 5.0 framing
// (all 15 packet types permitted).
func (h *FixedHeader) EncodeFixedHeader(w io.Writer) error {
	return h.EncodeFixedHeaderWithVersion(w, ProtocolVersion50)
}

// EncodeFixedHeaderWithVersion writes the fixed header, rejecting the
// headers ParseFixedHeaderWithVersion rejects: a reserved or unknown type,
// AUTH below MQTT 5.0, PUBLISH with QoS 3, and wrong reserved flags.
func (h *FixedHeader) EncodeFixedHeaderWithVersion(w io.Writer, version ProtocolVersion) error {
	if h.Type == Reserved {
		return ErrInvalidReservedType
	}
	if h.Type > AUTH || (h.Type == AUTH && version != ProtocolVersion50) {
		return ErrInvalidType
	}
	if h.Type == PUBLISH {
		if !QoS((h.Flags & 0x06) >> 1).IsValid() {
			return ErrInvalidQoS
		}
	} else if err := validateFlags(h.Type, h.Flags); err != nil {
		return err
	}

	firstByte := byte(h.Type) << 4
	if h.Type == PUBLISH {
		firstByte |= h.Flags & 0x0F
	} else {
		firstByte |= h.Flags
	}

	if _, err := w.Write([]byte{firstByte}); err != nil {
		return err
	}

	remLen, err := EncodeVariableByteInteger(h.RemainingLength)
	if err != nil {
		return err
	}
	_, err = w.Write(remLen)
	return err
}

// EncodeFixedHeader311 writes the fixed header assuming MQTT 3.1.1 framing.
func (h *FixedHeader) EncodeFixedHeader311(w io.Writer) error {
	return h.EncodeFixedHeaderWithVersion(w, ProtocolVersion311)
}

// EncodeFixedHeaderToBytes writes the fixed header into buf assuming MQTT
// 5.0 framing and returns the number of bytes written.
func (h *FixedHeader) EncodeFixedHeaderToBytes(buf []byte) (int, error) {
	var b bytes.Buffer
	if err := h.EncodeFixedHeader(&b); err != nil {
		return 0, err
	}
	if len(buf) < b.Len() {
		return 0, ErrBufferTooSmall
	}
	return copy(buf, b.Bytes()), nil
}

// EncodeFixedHeaderToBytes311 is EncodeFixedHeaderToBytes with MQTT 3.1.1
// framing: AUTH is rejected.
func (h *FixedHeader) EncodeFixedHeaderToBytes311(buf []byte) (int, error) {
	if h.Type == AUTH {
		return 0, ErrInvalidType
	}
	return h.EncodeFixedHeaderToBytes(buf)
}

// ParseFixedHeaderWithVersion parses a fixed header, rejecting the AUTH
// packet type for protocol versions below 5.0 (it did not exist).
func ParseFixedHeaderWithVersion(r io.Reader, version ProtocolVersion) (*FixedHeader, error) {
	header, err := ParseFixedHeader(r)
	if err != nil {
		return nil, err
	}

	if header.Type == AUTH && version != ProtocolVersion50 {
		return nil, ErrInvalidType
	}

	return header, nil
}
