// Package gossip implements the periodic push-pull and anti-entropy
// propagation of registry deltas between nodes, grounded on the epidemic
// dissemination loop in gossip/pkg/gossiper.go but generalized from a
// toy RPC heartbeat exchange into a vector-clock-aware digest protocol
// carrying registry.Instance snapshots over JSON.
package gossip

import "github.com/mcastellin/p2pmesh/pkg/registry"

// MessageType enumerates the three gossip wire message kinds.
type MessageType string

const (
	TypeDigest MessageType = "DIGEST"
	TypeSync   MessageType = "SYNC"
	TypeAck    MessageType = "ACK"
)

// WireInstance is the JSON wire representation of a registry.Instance.
type WireInstance struct {
	ServiceType  string            `json:"serviceType"`
	ServiceID    string            `json:"serviceId"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Metadata     map[string]string `json:"metadata"`
	OriginNodeID string            `json:"originNodeId"`
	Version      map[string]uint64 `json:"version"`
	TimestampMs  int64             `json:"timestampMs"`
	Tombstone    bool              `json:"tombstone"`
}

func toWire(inst registry.Instance) WireInstance {
	return WireInstance{
		ServiceType:  inst.ServiceType,
		ServiceID:    inst.ServiceID,
		Host:         inst.Host,
		Port:         inst.Port,
		Metadata:     inst.Metadata,
		OriginNodeID: inst.OriginNodeID,
		Version:      map[string]uint64(inst.Version),
		TimestampMs:  inst.TimestampMs,
		Tombstone:    inst.Tombstone,
	}
}

func fromWire(w WireInstance) registry.Instance {
	return registry.New(w.ServiceType, w.ServiceID, w.Host, w.Port, w.Metadata,
		w.OriginNodeID, w.Version, w.TimestampMs, w.Tombstone)
}

// DigestEntry summarizes one identity's version for the digest exchange,
// without shipping the full instance payload.
type DigestEntry struct {
	ServiceType string            `json:"serviceType"`
	ServiceID   string            `json:"serviceId"`
	Version     map[string]uint64 `json:"version"`
}

// Message is the envelope exchanged between gossip peers. The wire format
// matches the specification's JSON schema, with an additive "wants" field
// used by the DIGEST/SYNC exchange to request identities the sender is
// missing; unknown fields are ignored by design so this addition is safe.
type Message struct {
	Type    MessageType    `json:"type"`
	Origin  string         `json:"origin"`
	Seq     uint64         `json:"seq"`
	TTL     int64          `json:"ttl"`
	Digest  []DigestEntry  `json:"digest,omitempty"`
	Entries []WireInstance `json:"entries,omitempty"`
	Wants   []string       `json:"wants,omitempty"`
}

// wantKey builds the identity key used in Wants lists, matching the
// dedup key format "(serviceType, serviceId)".
func wantKey(serviceType, serviceID string) string {
	return serviceType + "/" + serviceID
}
