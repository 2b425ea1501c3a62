package encoding

import "io"

// MQTT 3.1.1 Packet Decoders
// Mirror the MQTT 5.0 Parse*Packet functions in packets_mqtt5.go, minus
// property tables (3.1.1 has none) and with return codes in place of
// reason codes.

// ParseConnectPacket311 parses an MQTT 3.1.1 (or 3.1) CONNECT packet.
func ParseConnectPacket311(r io.Reader, fh *FixedHeader) (*ConnectPacket311, error) {
	pkt := &ConnectPacket311{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = protocolName

	if protocolName != "MQTT" && protocolName != "MQIsdp" {
		return nil, ErrInvalidProtocolName
	}

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(version)

	if pkt.ProtocolVersion != ProtocolVersion311 && pkt.ProtocolVersion != ProtocolVersion30 {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	pkt.CleanSession = (flags & 0x02) != 0
	pkt.WillFlag = (flags & 0x04) != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = (flags & 0x20) != 0
	pkt.PasswordFlag = (flags & 0x40) != 0
	pkt.UsernameFlag = (flags & 0x80) != 0

	if (flags & 0x01) != 0 {
		return nil, ErrMalformedPacket
	}
	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidQoS
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParseConnackPacket311 parses an MQTT 3.1.1 CONNACK packet.
func ParseConnackPacket311(r io.Reader, fh *FixedHeader) (*ConnackPacket311, error) {
	pkt := &ConnackPacket311{FixedHeader: *fh}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.SessionPresent = (flags & 0x01) != 0
	if (flags & 0xFE) != 0 {
		return nil, ErrMalformedPacket
	}

	returnCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReturnCode = returnCode

	return pkt, nil
}

// ParsePublishPacket311 parses an MQTT 3.1.1 PUBLISH packet.
func ParsePublishPacket311(r io.Reader, fh *FixedHeader) (*PublishPacket311, error) {
	pkt := &PublishPacket311{FixedHeader: *fh}

	topicName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName

	consumed := 2 + len(topicName)

	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		pkt.PacketID = packetID
		consumed += 2
	}

	payloadLen := int(fh.RemainingLength) - consumed
	if payloadLen < 0 {
		return nil, ErrMalformedPacket
	}
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrUnexpectedEOF
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

// ParsePubackPacket311 parses an MQTT 3.1.1 PUBACK packet.
func ParsePubackPacket311(r io.Reader, fh *FixedHeader) (*PubackPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubackPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrecPacket311 parses an MQTT 3.1.1 PUBREC packet.
func ParsePubrecPacket311(r io.Reader, fh *FixedHeader) (*PubrecPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrelPacket311 parses an MQTT 3.1.1 PUBREL packet.
func ParsePubrelPacket311(r io.Reader, fh *FixedHeader) (*PubrelPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubcompPacket311 parses an MQTT 3.1.1 PUBCOMP packet.
func ParsePubcompPacket311(r io.Reader, fh *FixedHeader) (*PubcompPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParseSubscribePacket311 parses an MQTT 3.1.1 SUBSCRIBE packet.
func ParseSubscribePacket311(r io.Reader, fh *FixedHeader) (*SubscribePacket311, error) {
	pkt := &SubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	consumed := 2
	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		qosByte, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if qosByte&0xFC != 0 {
			return nil, ErrMalformedPacket
		}
		qos := QoS(qosByte)
		if !qos.IsValid() {
			return nil, ErrInvalidQoS
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription311{
			TopicFilter: filter,
			QoS:         qos,
		})
		consumed += 2 + len(filter) + 1
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseSubackPacket311 parses an MQTT 3.1.1 SUBACK packet.
func ParseSubackPacket311(r io.Reader, fh *FixedHeader) (*SubackPacket311, error) {
	pkt := &SubackPacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	n := int(fh.RemainingLength) - 2
	if n < 0 {
		return nil, ErrMalformedPacket
	}
	codes := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, codes); err != nil {
			return nil, ErrUnexpectedEOF
		}
	}
	pkt.ReturnCodes = codes

	return pkt, nil
}

// ParseUnsubscribePacket311 parses an MQTT 3.1.1 UNSUBSCRIBE packet.
func ParseUnsubscribePacket311(r io.Reader, fh *FixedHeader) (*UnsubscribePacket311, error) {
	pkt := &UnsubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	consumed := 2
	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
		consumed += 2 + len(filter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseUnsubackPacket311 parses an MQTT 3.1.1 UNSUBACK packet.
func ParseUnsubackPacket311(r io.Reader, fh *FixedHeader) (*UnsubackPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &UnsubackPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParseDisconnectPacket311 parses an MQTT 3.1.1 DISCONNECT packet.
func ParseDisconnectPacket311(fh *FixedHeader) (*DisconnectPacket311, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &DisconnectPacket311{FixedHeader: *fh}, nil
}

// ReasonCodeToReturnCode311 maps an MQTT 5 reason code onto the closest
// MQTT 3.x CONNACK return code, per the mapping in spec §3.
func ReasonCodeToReturnCode311(rc ReasonCode) byte {
	switch rc {
	case ReasonSuccess:
		return ConnectAccepted311
	case ReasonUnsupportedProtocolVersion:
		return ConnectRefusedUnacceptableProtocol311
	case ReasonClientIdentifierNotValid:
		return ConnectRefusedIdentifierRejected311
	case ReasonServerUnavailable:
		return ConnectRefusedServerUnavailable311
	case ReasonBadUsernameOrPassword:
		return ConnectRefusedBadUsernamePassword311
	case ReasonNotAuthorized:
		return ConnectRefusedNotAuthorized311
	default:
		return ConnectRefusedServerUnavailable311
	}
}

// ReturnCode311ToReasonCode maps an MQTT 3.x CONNACK return code onto its
// MQTT 5 reason code equivalent.
func ReturnCode311ToReasonCode(rc byte) ReasonCode {
	switch rc {
	case ConnectAccepted311:
		return ReasonSuccess
	case ConnectRefusedUnacceptableProtocol311:
		return ReasonUnsupportedProtocolVersion
	case ConnectRefusedIdentifierRejected311:
		return ReasonClientIdentifierNotValid
	case ConnectRefusedServerUnavailable311:
		return ReasonServerUnavailable
	case ConnectRefusedBadUsernamePassword311:
		return ReasonBadUsernameOrPassword
	case ConnectRefusedNotAuthorized311:
		return ReasonNotAuthorized
	default:
		return ReasonUnspecifiedError
	}
}

// SubackReturnCode311 maps a SUBACK reason code onto its 3.1.1 return
// code: the granted-QoS codes pass through numerically (0x00/0x01/0x02,
// identical in both versions), and every failure reason collapses to
// the single 3.1.1 SUBACK failure code 0x80.
func SubackReturnCode311(rc ReasonCode) byte {
	switch rc {
	case ReasonGrantedQoS0, ReasonGrantedQoS1, ReasonGrantedQoS2:
		return byte(rc)
	default:
		return 0x80
	}
}
