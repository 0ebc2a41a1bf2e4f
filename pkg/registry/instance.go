// Package registry holds the Service Instance model, the deterministic
// conflict resolver used to reconcile two concurrently-written versions of
// the same identity, and the in-process Local Registry that the gossip
// engine disseminates.
package registry

import "github.com/mcastellin/p2pmesh/pkg/vclock"

// Identity is the (serviceType, serviceId) pair that uniquely names a
// service instance, regardless of how many versions of it are in transit.
type Identity struct {
	ServiceType string
	ServiceID   string
}

// Instance is an immutable snapshot of a service registration. Every
// mutation (register, deregister, merge) produces a new Instance value
// rather than modifying one in place.
type Instance struct {
	ServiceType  string
	ServiceID    string
	Host         string
	Port         int
	Metadata     map[string]string
	OriginNodeID string
	Version      vclock.Clock
	TimestampMs  int64
	Tombstone    bool
}

// New constructs an Instance, defaulting a nil metadata map to an empty one
// so construction is always total.
func New(serviceType, serviceID, host string, port int, metadata map[string]string,
	originNodeID string, version vclock.Clock, timestampMs int64, tombstone bool) Instance {

	md := metadata
	if md == nil {
		md = map[string]string{}
	}
	return Instance{
		ServiceType:  serviceType,
		ServiceID:    serviceID,
		Host:         host,
		Port:         port,
		Metadata:     md,
		OriginNodeID: originNodeID,
		Version:      version,
		TimestampMs:  timestampMs,
		Tombstone:    tombstone,
	}
}

// Identity returns the instance's identity key.
func (i Instance) Identity() Identity {
	return Identity{ServiceType: i.ServiceType, ServiceID: i.ServiceID}
}

// Equal reports identity equality only, per the spec: two instances with
// the same (serviceType, serviceId) are "the same service", independent of
// which version either happens to carry.
func (i Instance) Equal(other Instance) bool {
	return i.Identity() == other.Identity()
}

// sameContent reports whether two instances carry the same user-visible
// fields, ignoring the vector clock. Used by the Local Registry to decide
// whether applying a remote version actually changed what callers observe.
func (i Instance) sameContent(other Instance) bool {
	if i.Host != other.Host || i.Port != other.Port || i.Tombstone != other.Tombstone ||
		i.OriginNodeID != other.OriginNodeID || i.TimestampMs != other.TimestampMs {
		return false
	}
	if len(i.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range i.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// cloneMetadata returns a defensive copy so the registry never hands out a
// map a caller could mutate behind its back.
func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// Copy returns a deep copy of the instance, safe for a caller to mutate.
func (i Instance) Copy() Instance {
	out := i
	out.Metadata = cloneMetadata(i.Metadata)
	out.Version = i.Version.Clone()
	return out
}
