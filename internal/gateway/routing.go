package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/push"
)

// Connection ids are "<instance>~<uuid>" so any process can tell which gateway issued one.
const instanceSeparator = "~"

func newConnectionID(instanceID string) string {
	return instanceID + instanceSeparator + uuid.NewString()
}

// ownerOf returns the gateway instance that issued connectionID.
func ownerOf(connectionID string) (string, bool) {
	i := strings.LastIndex(connectionID, instanceSeparator)
	if i <= 0 {
		return "", false
	}
	return connectionID[:i], true
}

// RoutedPusher delivers to sockets held by this instance through the Hub and forwards the
// rest to remote, normally a push.HTTPPusher aimed at the gateway fleet. Only connections
// this instance issued can be confirmed gone locally.
type RoutedPusher struct {
	hub      *Hub
	instance string
	remote   push.Pusher
}

// NewRoutedPusher constructs a RoutedPusher. A nil remote makes foreign connections a
// transient failure.
func NewRoutedPusher(hub *Hub, instanceID string, remote push.Pusher) *RoutedPusher {
	return &RoutedPusher{hub: hub, instance: instanceID, remote: remote}
}

// Push implements push.Pusher.
func (p *RoutedPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	if _, held := p.hub.lookup(connectionID); held || ownedBy(connectionID, p.instance) {
		return p.hub.Push(ctx, connectionID, payload)
	}
	if p.remote == nil {
		owner, _ := ownerOf(connectionID)
		return fmt.Errorf("%w: connection held by gateway %s", domain.ErrTransientDelivery, owner)
	}
	forwardedTotal.Inc()
	return p.remote.Push(ctx, connectionID, payload)
}

// ownedBy reports whether instance is responsible for confirming connectionID closed. Ids
// without an owner were never issued by a gateway and cannot be live anywhere.
func ownedBy(connectionID, instance string) bool {
	owner, ok := ownerOf(connectionID)
	return !ok || owner == instance
}
