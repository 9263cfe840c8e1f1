package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/signoff/model"
)

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Status() nats.Status
}

// NATSSink publishes notifications for a downstream notification service.
//
// Subject convention: <prefix>.<variant>.<type>, for example
// notifications.change_order.change_order_approved. The notification ID is
// sent as the Nats-Msg-Id header so JetStream streams drop redeliveries.
type NATSSink struct {
	conn   natsConn
	prefix string
}

// NewNATSSink creates a sink publishing on conn.
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	return newNATSSink(conn, prefix)
}

func newNATSSink(conn natsConn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "notifications"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// natsNotification is the JSON schema published to NATS.
type natsNotification struct {
	model.Notification
	Variant model.Variant `json:"variant"`
}

// Create publishes n.
func (s *NATSSink) Create(_ context.Context, n model.Notification) error {
	variant := variantOf(n.Type)
	data, err := json.Marshal(natsNotification{Notification: n, Variant: variant})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := nats.NewMsg(s.Subject(variant, n.Type))
	msg.Header.Set(nats.MsgIdHdr, n.ID)
	msg.Data = data
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subject returns the NATS subject for a notification type.
func (s *NATSSink) Subject(variant model.Variant, typ string) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, variant, typ)
}

// HealthCheck reports whether the connection is up.
func (s *NATSSink) HealthCheck(context.Context) error {
	if st := s.conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", st)
	}
	return nil
}

// variantOf recovers the variant from a notification type tag.
func variantOf(typ string) model.Variant {
	for _, v := range []model.Variant{model.VariantDocumentApproval, model.VariantChangeOrder, model.VariantProposal} {
		if strings.HasPrefix(typ, string(v)+"_") {
			return v
		}
	}
	return model.Variant("unknown")
}
