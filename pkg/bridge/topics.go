package bridge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meshcore-net/meshbridge/pkg/config"
)

// TopicKind names one of the templated publication topics.
type TopicKind string

const (
	KindPackets TopicKind = "packets"
	KindStatus  TopicKind = "status"
	KindDebug   TopicKind = "debug"
)

// TopicResolver expands topic templates. {IATA} resolves to the broker's
// override when set, else the global code; {PUBLIC_KEY} resolves to the node
// key, or "UNKNOWN" before identity discovery. An empty template suppresses
// that topic entirely.
type TopicResolver struct {
	global    config.Topics
	iata      string
	publicKey string
}

func NewTopicResolver(cfg *config.Config) *TopicResolver {
	return &TopicResolver{
		global: cfg.Topics,
		iata:   cfg.General.IATA,
	}
}

// SetPublicKey records the node key once identity discovery completes.
func (r *TopicResolver) SetPublicKey(pub string) {
	r.publicKey = pub
}

// Resolve returns the expanded topic for one broker, preferring the broker's
// template override, or "" when the topic is suppressed.
func (r *TopicResolver) Resolve(kind TopicKind, broker config.Broker) string {
	template := r.globalTemplate(kind)
	switch kind {
	case KindPackets:
		if broker.Topics.Packets != "" {
			template = broker.Topics.Packets
		}
	case KindStatus:
		if broker.Topics.Status != "" {
			template = broker.Topics.Status
		}
	case KindDebug:
		if broker.Topics.Debug != "" {
			template = broker.Topics.Debug
		}
	}
	if template == "" {
		return ""
	}

	iata := r.iata
	if broker.Topics.IATA != "" {
		iata = broker.Topics.IATA
	}
	return r.expand(template, iata)
}

// ResolveGlobal expands the global template for kind with no broker override.
func (r *TopicResolver) ResolveGlobal(kind TopicKind) string {
	template := r.globalTemplate(kind)
	if template == "" {
		return ""
	}
	return r.expand(template, r.iata)
}

func (r *TopicResolver) globalTemplate(kind TopicKind) string {
	switch kind {
	case KindPackets:
		return r.global.Packets
	case KindStatus:
		return r.global.Status
	case KindDebug:
		return r.global.Debug
	}
	return ""
}

func (r *TopicResolver) expand(template, iata string) string {
	pub := r.publicKey
	if pub == "" {
		pub = "UNKNOWN"
	}
	resolved := strings.ReplaceAll(template, "{IATA}", iata)
	return strings.ReplaceAll(resolved, "{PUBLIC_KEY}", pub)
}

// CommandsTopic is the fixed inbound remote-command topic for this node.
func (r *TopicResolver) CommandsTopic() string {
	return fmt.Sprintf("meshcore/%s/%s/serial/commands", r.iata, r.publicKey)
}

// ResponsesTopic is the fixed outbound remote-command response topic.
func (r *TopicResolver) ResponsesTopic() string {
	return fmt.Sprintf("meshcore/%s/%s/serial/responses", r.iata, r.publicKey)
}

var clientIDStrip = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeClientID derives a broker client identifier from a node name:
// prefixed, spaces to underscores, stripped to the MQTT 3.1 charset, and
// truncated to 23 bytes.
func SanitizeClientID(prefix, name string) string {
	if prefix == "" {
		prefix = "meshcore_"
	}
	id := clientIDStrip.ReplaceAllString(prefix+strings.ReplaceAll(name, " ", "_"), "")
	if len(id) > 23 {
		id = id[:23]
	}
	return id
}
