package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

// ErrNotAuthorized is returned by Accept when a hook rejects the
// CONNECT's credentials.
var ErrNotAuthorized = errors.New("broker: connect not authorized")

// keepAliveGrace matches the 1.5x keep-alive window, the margin MQTT
// gives a client before the broker may treat it as dead.
const keepAliveGrace = 1.5

// ClientConn drives one client's lifetime: the CONNECT handshake, then
// concurrent inbound dispatch, outbound delivery, and keep-alive
// expiry until the connection or session ends.
type ClientConn struct {
	broker *Broker
	conn   *network.Connection
	framer *network.Framer

	sess         *session.Session
	clientID     string
	keepAlive    time.Duration
	cleanStart   bool
	protoVersion encoding.ProtocolVersion

	inboundQoS  *qos.Handler
	outboundQoS *qos.Handler

	mailbox <-chan topic.Delivery

	writeMu sync.Mutex
}

// connectInfo normalizes the fields Accept needs out of either an MQTT
// 5 ConnectPacket or a 3.1/3.1.1 ConnectPacket311, so the rest of the
// handshake doesn't need to know which wire family produced them.
// Fields with no 3.x equivalent (Properties, WillProperties) are simply
// left at their zero value for a 3.x connection.
type connectInfo struct {
	protocolName    string
	protocolVersion encoding.ProtocolVersion
	cleanStart      bool
	willFlag        bool
	willQoS         encoding.QoS
	willRetain      bool
	keepAlive       uint16
	clientID        string
	willTopic       string
	willPayload     []byte
	willProperties  encoding.Properties
	username        string
	password        []byte
	properties      encoding.Properties
}

func newConnectInfo(pkt encoding.Packet) (connectInfo, bool) {
	switch p := pkt.(type) {
	case *encoding.ConnectPacket:
		return connectInfo{
			protocolName:    p.ProtocolName,
			protocolVersion: p.ProtocolVersion,
			cleanStart:      p.CleanStart,
			willFlag:        p.WillFlag,
			willQoS:         p.WillQoS,
			willRetain:      p.WillRetain,
			keepAlive:       p.KeepAlive,
			clientID:        p.ClientID,
			willTopic:       p.WillTopic,
			willPayload:     p.WillPayload,
			willProperties:  p.WillProperties,
			username:        p.Username,
			password:        p.Password,
			properties:      p.Properties,
		}, true
	case *encoding.ConnectPacket311:
		return connectInfo{
			protocolName:    p.ProtocolName,
			protocolVersion: p.ProtocolVersion,
			cleanStart:      p.CleanSession,
			willFlag:        p.WillFlag,
			willQoS:         p.WillQoS,
			willRetain:      p.WillRetain,
			keepAlive:       p.KeepAlive,
			clientID:        p.ClientID,
			willTopic:       p.WillTopic,
			willPayload:     p.WillPayload,
			username:        p.Username,
			password:        p.Password,
		}, true
	default:
		return connectInfo{}, false
	}
}

// Accept performs the CONNECT/CONNACK handshake over conn and, on
// success, returns a ClientConn ready for Run. On failure it sends a
// CONNACK carrying the refusal reason (where the protocol allows one)
// and closes conn itself.
func Accept(ctx context.Context, conn *network.Connection, b *Broker) (*ClientConn, error) {
	framer := network.NewFramer(conn)

	pkt, err := framer.ReadPacket()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: read connect: %w", err)
	}

	info, ok := newConnectInfo(pkt)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("broker: expected CONNECT, got %T", pkt)
	}
	framer.SetVersion(info.protocolVersion)

	clientID := info.clientID
	if clientID == "" {
		clientID, err = b.sessions.GenerateClientID(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	// Enhanced (SASL-style) auth relies on CONNECT properties, which
	// don't exist below MQTT 5 — a 3.x CONNECT skips straight to the
	// simple OnConnectAuthenticate hook below.
	if authMethod, ok := info.properties.String(encoding.PropAuthenticationMethod); ok && b.authManager != nil {
		authData, _ := info.properties.Bytes(encoding.PropAuthenticationData)
		reason, err := runEnhancedAuth(framer, b.authManager, authMethod, authData)
		if err != nil {
			b.log.Warn("enhanced auth exchange failed", "client_id", clientID, "error", err)
			conn.Close()
			return nil, fmt.Errorf("broker: enhanced auth: %w", err)
		}
		if reason != encoding.ReasonSuccess {
			b.log.Warn("enhanced auth rejected", "client_id", clientID, "reason", reason)
			writeConnack(framer, info.protocolVersion, false, reason)
			conn.Close()
			return nil, ErrNotAuthorized
		}
	}

	hookClient := &hook.Client{
		ID:              clientID,
		RemoteAddr:      conn.RemoteAddr(),
		LocalAddr:       conn.LocalAddr(),
		Username:        info.username,
		CleanStart:      info.cleanStart,
		ProtocolVersion: byte(info.protocolVersion),
		KeepAlive:       info.keepAlive,
	}

	hookConnectPkt := &hook.ConnectPacket{
		ProtocolName:    info.protocolName,
		ProtocolVersion: byte(info.protocolVersion),
		CleanStart:      info.cleanStart,
		KeepAlive:       info.keepAlive,
		ClientID:        clientID,
		Username:        info.username,
		Password:        info.password,
	}

	if !b.hooks.OnConnectAuthenticate(hookClient, hookConnectPkt) {
		b.log.Warn("connect rejected by hook", "client_id", clientID)
		writeConnack(framer, info.protocolVersion, false, encoding.ReasonNotAuthorized)
		conn.Close()
		return nil, ErrNotAuthorized
	}

	if err := b.hooks.OnConnect(hookClient, hookConnectPkt); err != nil {
		b.log.Warn("connect rejected by hook", "client_id", clientID, "error", err)
		writeConnack(framer, info.protocolVersion, false, encoding.ReasonNotAuthorized)
		conn.Close()
		return nil, ErrNotAuthorized
	}

	expiryInterval, _ := info.properties.Uint32(encoding.PropSessionExpiryInterval)
	sess, present, err := b.sessions.CreateSession(ctx, clientID, info.cleanStart, expiryInterval, byte(info.protocolVersion))
	if err != nil {
		conn.Close()
		return nil, err
	}

	if info.willFlag {
		willDelay, _ := info.willProperties.Uint32(encoding.PropWillDelayInterval)
		will := b.hooks.OnWill(hookClient, &hook.WillMessage{
			Topic:             info.willTopic,
			Payload:           info.willPayload,
			QoS:               byte(info.willQoS),
			Retain:            info.willRetain,
			WillDelayInterval: willDelay,
		})
		if will != nil {
			sess.SetWillMessage(&session.WillMessage{
				Topic:   will.Topic,
				Payload: will.Payload,
				QoS:     will.QoS,
				Retain:  will.Retain,
			}, will.WillDelayInterval)
		}
	}

	_ = b.hooks.OnSessionEstablished(hookClient, hookConnectPkt)

	if present {
		restoreSubscriptions(b, sess)
	}

	if err := writeConnack(framer, info.protocolVersion, present, encoding.ReasonSuccess); err != nil {
		conn.Close()
		return nil, err
	}

	keepAlive := time.Duration(info.keepAlive) * time.Second

	cc := &ClientConn{
		broker:       b,
		conn:         conn,
		framer:       framer,
		sess:         sess,
		clientID:     clientID,
		keepAlive:    keepAlive,
		cleanStart:   info.cleanStart,
		protoVersion: info.protocolVersion,
		inboundQoS:   qos.NewHandler(qos.DefaultConfig()),
		outboundQoS:  qos.NewHandler(qos.DefaultConfig()),
		mailbox:      b.RegisterMailbox(clientID),
	}
	cc.wireQoS()

	if present {
		resumeOutboundPublishes(cc.outboundQoS, sess)
	}

	b.log.Info("client connected", "client_id", clientID, "session_present", present, "clean_start", info.cleanStart, "protocol_version", info.protocolVersion)

	return cc, nil
}

// resumeOutboundPublishes redelivers a resumed session's not-yet-acked
// outbound QoS 1/2 publishes with dup=true, using their original packet
// IDs so the client's own inflight bookkeeping lines up. A QoS 2 message
// that already reached the PUBREL stage before the disconnect gets its
// PUBREL resent instead of the original PUBLISH.
func resumeOutboundPublishes(outboundQoS *qos.Handler, sess *session.Session) {
	for packetID, pending := range sess.GetAllPendingPublish() {
		_ = outboundQoS.ResumeOutbound(packetID, pending.QoS, pending.Topic, pending.Payload, pending.Retain, pending.Properties)
	}
	for _, packetID := range sess.GetAllPendingPubcomp() {
		_ = outboundQoS.ResumePubrel(packetID)
	}
}

func restoreSubscriptions(b *Broker, sess *session.Session) {
	for _, sub := range sess.GetAllSubscriptions() {
		_, _ = b.Subscribe(context.Background(), &topic.Subscription{
			ClientID:               sess.GetClientID(),
			TopicFilter:            sub.TopicFilter,
			QoS:                    sub.QoS,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         2, // a resumed subscription is not "new"; retained sweep already happened once
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		}, false)
	}
}

// runEnhancedAuth drives the CONNECT-time SASL-style exchange: a
// CONNECT carrying AuthMethod/AuthData starts it, and each
// ContinueAuthentication result requires one more AUTH packet
// round-trip before the handshake completes with a final reason code.
func runEnhancedAuth(framer *network.Framer, manager *hook.AuthManager, method string, data []byte) (encoding.ReasonCode, error) {
	result := manager.StartAuth(method, data)
	for result.Code == encoding.ReasonContinueAuthentication {
		props := encoding.Properties{}
		_ = props.AddProperty(encoding.PropAuthenticationMethod, method)
		_ = props.AddProperty(encoding.PropAuthenticationData, result.Data)
		if err := framer.WritePacket(&encoding.AuthPacket{
			ReasonCode: encoding.ReasonContinueAuthentication,
			Properties: props,
		}); err != nil {
			return 0, err
		}

		pkt, err := framer.ReadPacket()
		if err != nil {
			return 0, err
		}
		authPkt, ok := pkt.(*encoding.AuthPacket)
		if !ok {
			return encoding.ReasonProtocolError, nil
		}
		responseData, _ := authPkt.Properties.Bytes(encoding.PropAuthenticationData)
		result = manager.ContinueAuth(method, responseData)
	}
	return result.Code, nil
}

func writeConnack(framer *network.Framer, version encoding.ProtocolVersion, sessionPresent bool, reason encoding.ReasonCode) error {
	if version == encoding.ProtocolVersion50 {
		return framer.WritePacket(&encoding.ConnackPacket{
			SessionPresent: sessionPresent,
			ReasonCode:     reason,
		})
	}
	return framer.WritePacket(&encoding.ConnackPacket311{
		SessionPresent: sessionPresent,
		ReturnCode:     encoding.ReasonCodeToReturnCode311(reason),
	})
}

// wireQoS connects the inbound handler (acking what the client
// publishes to us) and the outbound handler (tracking what we publish
// to the client) to the wire. Two handlers, not one, because the
// teacher's Handler reuses the same callback slot both to send an ack
// packet and to notify completion of our own send — splitting by
// direction keeps each callback single-purpose.
func (cc *ClientConn) wireQoS() {
	cc.inboundQoS.SetPublishCallback(func(msg *message.Message) error {
		return cc.broker.Publish(context.Background(), cc.clientID, msg)
	})
	cc.inboundQoS.SetPubackCallback(cc.sendPuback)
	cc.inboundQoS.SetPubrecCallback(func(packetID uint16) error {
		// Received-not-yet-released marker: lets a resumed session still
		// expect (and not reprocess) this packet ID's eventual PUBREL.
		cc.sess.AddPendingPubrel(packetID)
		return cc.sendPubrec(packetID)
	})
	cc.inboundQoS.SetPubcompCallback(cc.sendPubcomp)

	cc.outboundQoS.SetPublishCallback(func(msg *message.Message) error {
		cc.sess.AddPendingPublish(&session.PendingMessage{
			PacketID: msg.PacketID, Topic: msg.Topic, Payload: msg.Payload,
			QoS: byte(msg.QoS), Retain: msg.Retain, DUP: msg.DUP, Properties: msg.Properties,
		})
		return cc.sendPublish(msg)
	})
	cc.outboundQoS.SetPubrelCallback(cc.sendPubrel)
}

// sendPublish, sendPuback, sendPubrec, sendPubrel, sendPubcomp, and
// sendSuback/sendUnsuback each pick the wire packet family matching the
// connection's negotiated protocol version; a 3.1.1 peer cannot decode
// the MQTT 5 structs' properties-inclusive framing.
func (cc *ClientConn) sendPublish(msg *message.Message) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
			TopicName:   msg.Topic,
			PacketID:    msg.PacketID,
			Payload:     msg.Payload,
		})
	}
	return cc.send(&encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
		TopicName:   msg.Topic,
		PacketID:    msg.PacketID,
		Payload:     msg.Payload,
	})
}

func (cc *ClientConn) sendPuback(packetID uint16) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.PubackPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	}
	return cc.send(&encoding.PubackPacket311{PacketID: packetID})
}

func (cc *ClientConn) sendPubrec(packetID uint16) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.PubrecPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	}
	return cc.send(&encoding.PubrecPacket311{PacketID: packetID})
}

func (cc *ClientConn) sendPubrel(packetID uint16) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.PubrelPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	}
	return cc.send(&encoding.PubrelPacket311{PacketID: packetID})
}

func (cc *ClientConn) sendPubcomp(packetID uint16) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.PubcompPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	}
	return cc.send(&encoding.PubcompPacket311{PacketID: packetID})
}

func (cc *ClientConn) sendSuback(packetID uint16, reasonCodes []encoding.ReasonCode) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.SubackPacket{PacketID: packetID, ReasonCodes: reasonCodes})
	}
	codes := make([]byte, len(reasonCodes))
	for i, rc := range reasonCodes {
		codes[i] = encoding.SubackReturnCode311(rc)
	}
	return cc.send(&encoding.SubackPacket311{PacketID: packetID, ReturnCodes: codes})
}

func (cc *ClientConn) sendUnsuback(packetID uint16, reasonCodes []encoding.ReasonCode) error {
	if cc.protoVersion == encoding.ProtocolVersion50 {
		return cc.send(&encoding.UnsubackPacket{PacketID: packetID, ReasonCodes: reasonCodes})
	}
	// 3.1.1 UNSUBACK carries no per-filter status at all, just the packet ID.
	return cc.send(&encoding.UnsubackPacket311{PacketID: packetID})
}

// send serializes one outbound packet at a time; the framer's
// underlying writer is not safe for concurrent writers.
func (cc *ClientConn) send(p interface{ Encode(w io.Writer) error }) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.framer.WritePacket(p)
}

// Run drives the connection until the read loop, write loop, or
// keep-alive loop ends it, then tears down session/mailbox state.
func (cc *ClientConn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cc.readLoop(ctx) })
	g.Go(func() error { return cc.writeLoop(ctx) })
	if cc.keepAlive > 0 {
		g.Go(func() error { return cc.keepAliveLoop(ctx) })
	}

	err := g.Wait()
	cc.teardown(err)
	return err
}

func (cc *ClientConn) readLoop(ctx context.Context) error {
	for {
		pkt, err := cc.framer.ReadPacket()
		if err != nil {
			return err
		}
		if err := cc.dispatch(ctx, pkt); err != nil {
			return err
		}
	}
}

func (cc *ClientConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-cc.mailbox:
			if !ok {
				return nil
			}
			if err := cc.deliver(d); err != nil {
				return err
			}
		}
	}
}

func (cc *ClientConn) keepAliveLoop(ctx context.Context) error {
	limit := time.Duration(float64(cc.keepAlive) * keepAliveGrace)
	ticker := time.NewTicker(cc.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cc.conn.IdleDuration() > limit {
				return fmt.Errorf("broker: keep-alive expired after %s idle", cc.conn.IdleDuration())
			}
		}
	}
}

func (cc *ClientConn) deliver(d topic.Delivery) error {
	// Broker.Publish already folded retain-as-published into the message's
	// Retain flag; d.Retain marks the retained sweep on subscribe.
	retain := d.Retain || d.Message.Retain
	switch encoding.QoS(d.Sub.QoS) {
	case encoding.QoS0:
		if cc.protoVersion == encoding.ProtocolVersion50 {
			return cc.send(&encoding.PublishPacket{
				FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
				TopicName:   d.Message.Topic,
				Payload:     d.Message.Payload,
			})
		}
		return cc.send(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   d.Message.Topic,
			Payload:     d.Message.Payload,
		})
	case encoding.QoS2:
		_, err := cc.outboundQoS.PublishQoS2(d.Message.Topic, d.Message.Payload, retain, d.Message.Properties)
		return err
	default:
		_, err := cc.outboundQoS.PublishQoS1(d.Message.Topic, d.Message.Payload, retain, d.Message.Properties)
		return err
	}
}

func (cc *ClientConn) teardown(runErr error) {
	cc.broker.UnregisterMailbox(cc.clientID)

	cleanDisconnect := errors.Is(runErr, errDisconnect)
	if cleanDisconnect {
		cc.broker.log.Info("client disconnected", "client_id", cc.clientID)
	} else {
		cc.broker.log.Warn("client connection lost", "client_id", cc.clientID, "error", runErr)
	}

	disconnectErr := runErr
	if cleanDisconnect {
		disconnectErr = nil
	}
	cc.broker.hooks.OnDisconnect(&hook.Client{ID: cc.clientID}, disconnectErr, !cc.cleanStart)

	ctx := context.Background()
	_ = cc.broker.sessions.DisconnectSession(ctx, cc.clientID, !cleanDisconnect)

	if cc.cleanStart {
		cc.broker.UnsubscribeAll(cc.clientID)
	}

	cc.conn.Close()
}

var errDisconnect = errors.New("broker: client sent DISCONNECT")
