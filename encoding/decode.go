package encoding

import (
	"bytes"
	"io"
)

// Packet is satisfied by every parsed control packet, MQTT 5 or 3.x.
// It exposes just enough to let the framer and session log/dispatch
// without a type switch on every caller.
type Packet interface {
	Header() *FixedHeader
}

func (p *ConnectPacket) Header() *FixedHeader    { return &p.FixedHeader }
func (p *ConnackPacket) Header() *FixedHeader    { return &p.FixedHeader }
func (p *PublishPacket) Header() *FixedHeader    { return &p.FixedHeader }
func (p *PubackPacket) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubrecPacket) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubrelPacket) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubcompPacket) Header() *FixedHeader    { return &p.FixedHeader }
func (p *SubscribePacket) Header() *FixedHeader  { return &p.FixedHeader }
func (p *SubackPacket) Header() *FixedHeader     { return &p.FixedHeader }
func (p *UnsubscribePacket) Header() *FixedHeader { return &p.FixedHeader }
func (p *UnsubackPacket) Header() *FixedHeader   { return &p.FixedHeader }
func (p *PingreqPacket) Header() *FixedHeader    { return &p.FixedHeader }
func (p *PingrespPacket) Header() *FixedHeader   { return &p.FixedHeader }
func (p *DisconnectPacket) Header() *FixedHeader { return &p.FixedHeader }
func (p *AuthPacket) Header() *FixedHeader       { return &p.FixedHeader }

func (p *ConnectPacket311) Header() *FixedHeader    { return &p.FixedHeader }
func (p *ConnackPacket311) Header() *FixedHeader    { return &p.FixedHeader }
func (p *PublishPacket311) Header() *FixedHeader    { return &p.FixedHeader }
func (p *PubackPacket311) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubrecPacket311) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubrelPacket311) Header() *FixedHeader     { return &p.FixedHeader }
func (p *PubcompPacket311) Header() *FixedHeader    { return &p.FixedHeader }
func (p *SubscribePacket311) Header() *FixedHeader  { return &p.FixedHeader }
func (p *SubackPacket311) Header() *FixedHeader     { return &p.FixedHeader }
func (p *UnsubscribePacket311) Header() *FixedHeader { return &p.FixedHeader }
func (p *UnsubackPacket311) Header() *FixedHeader   { return &p.FixedHeader }
func (p *DisconnectPacket311) Header() *FixedHeader { return &p.FixedHeader }

// DecodePacket reads and decodes one control packet's variable header and
// payload, given a fixed header already parsed off the wire, dispatching
// to the version-appropriate parser. CONNECT is the one packet type a
// caller cannot reliably pre-assign a version to (it's what establishes
// the version in the first place), so it always sniffs regardless of
// what version the caller passes in.
func DecodePacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (Packet, error) {
	if fh.Type == CONNECT {
		return DecodeConnectPacket(r, fh)
	}
	if version == ProtocolVersion50 {
		return decodePacketV5(r, fh)
	}
	return decodePacket311(r, fh)
}

// DecodeConnectPacket reads a CONNECT packet's protocol name and level
// before deciding which packet family parses the rest of it, the way
// ProtocolVersion::from_name_and_level does: the version isn't known
// until these two fields are read, so it can't be assumed up front like
// every other packet type's version is. The bytes it reads to sniff are
// replayed back in front of the remaining body so ParseConnectPacket and
// ParseConnectPacket311 can each read the packet from the start exactly
// as they already do.
func DecodeConnectPacket(r io.Reader, fh *FixedHeader) (Packet, error) {
	var sniffed bytes.Buffer
	tee := io.TeeReader(r, &sniffed)

	protocolName, err := readUTF8String(tee)
	if err != nil {
		return nil, err
	}
	versionByte, err := readByte(tee)
	if err != nil {
		return nil, err
	}

	rest := io.MultiReader(bytes.NewReader(sniffed.Bytes()), r)

	switch {
	case protocolName == "MQTT" && ProtocolVersion(versionByte) == ProtocolVersion50:
		return ParseConnectPacket(rest, fh)
	case protocolName == "MQTT" && ProtocolVersion(versionByte) == ProtocolVersion311:
		return ParseConnectPacket311(rest, fh)
	case protocolName == "MQIsdp" && ProtocolVersion(versionByte) == ProtocolVersion30:
		return ParseConnectPacket311(rest, fh)
	case protocolName != "MQTT" && protocolName != "MQIsdp":
		return nil, ErrInvalidProtocolName
	default:
		return nil, ErrInvalidProtocolVersion
	}
}

func decodePacketV5(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket(r, fh)
	case CONNACK:
		return ParseConnackPacket(r, fh)
	case PUBLISH:
		return ParsePublishPacket(r, fh)
	case PUBACK:
		return ParsePubackPacket(r, fh)
	case PUBREC:
		return ParsePubrecPacket(r, fh)
	case PUBREL:
		return ParsePubrelPacket(r, fh)
	case PUBCOMP:
		return ParsePubcompPacket(r, fh)
	case SUBSCRIBE:
		return ParseSubscribePacket(r, fh)
	case SUBACK:
		return ParseSubackPacket(r, fh)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket(r, fh)
	case UNSUBACK:
		return ParseUnsubackPacket(r, fh)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket(r, fh)
	case AUTH:
		return ParseAuthPacket(r, fh)
	default:
		return nil, ErrInvalidType
	}
}

func decodePacket311(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket311(r, fh)
	case CONNACK:
		return ParseConnackPacket311(r, fh)
	case PUBLISH:
		return ParsePublishPacket311(r, fh)
	case PUBACK:
		return ParsePubackPacket311(r, fh)
	case PUBREC:
		return ParsePubrecPacket311(r, fh)
	case PUBREL:
		return ParsePubrelPacket311(r, fh)
	case PUBCOMP:
		return ParsePubcompPacket311(r, fh)
	case SUBSCRIBE:
		return ParseSubscribePacket311(r, fh)
	case SUBACK:
		return ParseSubackPacket311(r, fh)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket311(r, fh)
	case UNSUBACK:
		return ParseUnsubackPacket311(r, fh)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket311(fh)
	default:
		return nil, ErrInvalidType
	}
}
