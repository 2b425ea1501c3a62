package broker

import (
	"context"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

// dispatch routes one decoded inbound packet to its handler. A nil
// error keeps the connection open; errDisconnect signals a clean
// client-initiated close. 3.1/3.1.1 packets are normalized to their
// MQTT 5 equivalent first so the handlers below only need to know one
// packet family; outbound replies still go out through cc's
// version-aware send helpers.
func (cc *ClientConn) dispatch(ctx context.Context, pkt encoding.Packet) error {
	switch p := normalizeInbound(pkt).(type) {
	case *encoding.PublishPacket:
		return cc.handlePublish(p)
	case *encoding.PubackPacket:
		if err := cc.outboundQoS.HandlePuback(p.PacketID); err != nil {
			return err
		}
		cc.sess.RemovePendingPublish(p.PacketID)
		return nil
	case *encoding.PubrecPacket:
		if err := cc.outboundQoS.HandlePubrec(p.PacketID); err != nil {
			return err
		}
		// The original PUBLISH no longer needs resending on resume, only
		// the PUBREL the broker sends in response to this PUBREC.
		cc.sess.RemovePendingPublish(p.PacketID)
		cc.sess.AddPendingPubcomp(p.PacketID)
		return nil
	case *encoding.PubrelPacket:
		if err := cc.inboundQoS.HandlePubrel(p.PacketID); err != nil {
			return err
		}
		cc.sess.RemovePendingPubrel(p.PacketID)
		return nil
	case *encoding.PubcompPacket:
		if err := cc.outboundQoS.HandlePubcomp(p.PacketID); err != nil {
			return err
		}
		cc.sess.RemovePendingPubcomp(p.PacketID)
		return nil
	case *encoding.SubscribePacket:
		return cc.handleSubscribe(ctx, p)
	case *encoding.UnsubscribePacket:
		return cc.handleUnsubscribe(p)
	case *encoding.PingreqPacket:
		return cc.send(&encoding.PingrespPacket{})
	case *encoding.DisconnectPacket:
		return errDisconnect
	case *encoding.AuthPacket:
		return cc.handleAuth(p)
	default:
		return nil
	}
}

// normalizeInbound maps a 3.1/3.1.1 packet onto the MQTT 5 struct
// carrying the same information, defaulting fields 3.x has no wire
// representation for (Properties, NoLocal, ReasonCode, ...) to their
// zero value. PINGREQ/PINGRESP have no 3.x variant and pass through
// DecodePacket already sharing the MQTT 5 struct, so they need no case
// here.
func normalizeInbound(pkt encoding.Packet) encoding.Packet {
	switch p := pkt.(type) {
	case *encoding.PublishPacket311:
		return &encoding.PublishPacket{FixedHeader: p.FixedHeader, TopicName: p.TopicName, PacketID: p.PacketID, Payload: p.Payload}
	case *encoding.PubackPacket311:
		return &encoding.PubackPacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
	case *encoding.PubrecPacket311:
		return &encoding.PubrecPacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
	case *encoding.PubrelPacket311:
		return &encoding.PubrelPacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
	case *encoding.PubcompPacket311:
		return &encoding.PubcompPacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}
	case *encoding.SubscribePacket311:
		subs := make([]encoding.Subscription, len(p.Subscriptions))
		for i, s := range p.Subscriptions {
			subs[i] = encoding.Subscription{TopicFilter: s.TopicFilter, QoS: s.QoS}
		}
		return &encoding.SubscribePacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, Subscriptions: subs}
	case *encoding.UnsubscribePacket311:
		return &encoding.UnsubscribePacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, TopicFilters: p.TopicFilters}
	case *encoding.DisconnectPacket311:
		return &encoding.DisconnectPacket{FixedHeader: p.FixedHeader, ReasonCode: encoding.ReasonSuccess}
	default:
		return pkt
	}
}

func (cc *ClientConn) handlePublish(p *encoding.PublishPacket) error {
	hookPkt := &hook.PublishPacket{
		PacketID:   p.PacketID,
		Topic:      p.TopicName,
		Payload:    p.Payload,
		QoS:        byte(p.FixedHeader.QoS),
		Retain:     p.FixedHeader.Retain,
		Duplicate:  p.FixedHeader.DUP,
		Properties: hook.Properties(p.Properties.ToMap()),
	}
	hookClient := &hook.Client{ID: cc.clientID}
	if err := cc.broker.hooks.OnPublish(hookClient, hookPkt); err != nil {
		return nil // hook rejected the publish; drop silently, connection stays up
	}

	msg := message.NewMessage(p.PacketID, p.TopicName, p.Payload, p.FixedHeader.QoS, p.FixedHeader.Retain, p.Properties.ToMap())
	msg.DUP = p.FixedHeader.DUP
	if err := cc.inboundQoS.HandlePublish(msg); err != nil {
		return err
	}
	cc.broker.hooks.OnPublished(hookClient, hookPkt)
	return nil
}

func (cc *ClientConn) handleSubscribe(ctx context.Context, p *encoding.SubscribePacket) error {
	reasonCodes := make([]encoding.ReasonCode, len(p.Subscriptions))

	hookClient := &hook.Client{ID: cc.clientID}

	for i, sub := range p.Subscriptions {
		_, existed := cc.sess.GetSubscription(sub.TopicFilter)

		hookSub := &hook.Subscription{
			ClientID:               cc.clientID,
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(sub.QoS),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		}
		if err := cc.broker.hooks.OnSubscribe(hookClient, hookSub); err != nil {
			reasonCodes[i] = encoding.ReasonNotAuthorized
			continue
		}

		retained, err := cc.broker.Subscribe(ctx, &topic.Subscription{
			ClientID:               cc.clientID,
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(sub.QoS),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		}, !existed)
		if err != nil {
			reasonCodes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}

		cc.sess.AddSubscription(&session.Subscription{
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(sub.QoS),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
			SubscribedAt:           time.Now(),
		})

		cc.broker.hooks.OnSubscribed(hookClient, hookSub)
		reasonCodes[i] = qosGrantedReason(sub.QoS)

		for _, retainedMsg := range retained {
			retainedMsg.Retain = true
			_ = cc.deliver(topic.Delivery{
				Message: retainedMsg,
				Sub: topic.SubscriberInfo{
					ClientID: cc.clientID,
					QoS:      byte(sub.QoS),
				},
				Retain: true,
			})
		}
	}

	return cc.sendSuback(p.PacketID, reasonCodes)
}

func qosGrantedReason(q encoding.QoS) encoding.ReasonCode {
	switch q {
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	case encoding.QoS2:
		return encoding.ReasonGrantedQoS2
	default:
		return encoding.ReasonGrantedQoS0
	}
}

func (cc *ClientConn) handleUnsubscribe(p *encoding.UnsubscribePacket) error {
	reasonCodes := make([]encoding.ReasonCode, len(p.TopicFilters))
	hookClient := &hook.Client{ID: cc.clientID}

	for i, filter := range p.TopicFilters {
		if err := cc.broker.hooks.OnUnsubscribe(hookClient, filter); err != nil {
			reasonCodes[i] = encoding.ReasonNotAuthorized
			continue
		}

		if cc.broker.Unsubscribe(cc.clientID, filter) {
			cc.sess.RemoveSubscription(filter)
			cc.broker.hooks.OnUnsubscribed(hookClient, filter)
			reasonCodes[i] = encoding.ReasonSuccess
		} else {
			reasonCodes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	return cc.sendUnsuback(p.PacketID, reasonCodes)
}

func (cc *ClientConn) handleAuth(p *encoding.AuthPacket) error {
	methodName, _ := p.Properties.String(encoding.PropAuthenticationMethod)
	authData, _ := p.Properties.Bytes(encoding.PropAuthenticationData)

	result := cc.broker.authManager.ContinueAuth(methodName, authData)

	switch result.Code {
	case encoding.ReasonSuccess:
		return cc.send(&encoding.AuthPacket{ReasonCode: encoding.ReasonSuccess})
	case encoding.ReasonContinueAuthentication:
		props := encoding.Properties{}
		_ = props.AddProperty(encoding.PropAuthenticationMethod, methodName)
		_ = props.AddProperty(encoding.PropAuthenticationData, result.Data)
		return cc.send(&encoding.AuthPacket{
			ReasonCode: encoding.ReasonContinueAuthentication,
			Properties: props,
		})
	default:
		return errDisconnect
	}
}
