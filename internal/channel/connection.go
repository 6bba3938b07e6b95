package channel

import "github.com/sidekeep/sidekeep/internal/fault"

// Kind distinguishes the connection flavors the sidecar manages.
type Kind string

const (
	KindCloud  Kind = "cloud"
	KindLocal  Kind = "local"
	KindDirect Kind = "direct"
)

// ConnState names a connection's progress toward usability. Cloud connections
// carry one top-level state; direct connections carry one per sub-resource.
type ConnState string

const (
	// ConnUntried is the designated initial state of a cloud connection.
	ConnUntried    ConnState = "untried"
	ConnAttempting ConnState = "attempting"
	ConnSuccess    ConnState = "success"
	ConnExpired    ConnState = "expired"
	ConnFailed     ConnState = "failed"
	// ConnNone is the resting state of an absent direct sub-resource.
	ConnNone ConnState = "none"
)

// Resource is one leg of a direct connection.
type Resource struct {
	State ConnState `json:"state"`
}

// Connection is the sidecar's full snapshot of one connection. The snapshot
// is always replaced wholesale, never merged. Cloud kinds use State; direct
// kinds use Broker and Registry (a missing leg reads as ConnNone).
type Connection struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Kind     Kind      `json:"kind"`
	State    ConnState `json:"state,omitempty"`
	Broker   *Resource `json:"broker,omitempty"`
	Registry *Resource `json:"registry,omitempty"`
}

// BrokerState reads the broker leg, treating a missing one as ConnNone.
func (c Connection) BrokerState() ConnState {
	if c.Broker == nil {
		return ConnNone
	}
	return c.Broker.State
}

// RegistryState reads the registry leg, treating a missing one as ConnNone.
func (c Connection) RegistryState() ConnState {
	if c.Registry == nil {
		return ConnNone
	}
	return c.Registry.State
}

func (c Connection) validate() error {
	if c.ID == "" {
		return fault.New(fault.ProtocolFault, "connection missing id")
	}
	switch c.Kind {
	case KindCloud:
		if !validCloudState(c.State) {
			return fault.Newf(fault.ProtocolFault, "cloud connection %s has state %q", c.ID, c.State)
		}
	case KindDirect:
		if c.Broker != nil && !validResourceState(c.Broker.State) {
			return fault.Newf(fault.ProtocolFault, "direct connection %s has broker state %q", c.ID, c.Broker.State)
		}
		if c.Registry != nil && !validResourceState(c.Registry.State) {
			return fault.Newf(fault.ProtocolFault, "direct connection %s has registry state %q", c.ID, c.Registry.State)
		}
	case KindLocal:
	default:
		return fault.Newf(fault.ProtocolFault, "unknown connection kind %q", c.Kind)
	}
	return nil
}

func validCloudState(s ConnState) bool {
	switch s {
	case ConnUntried, ConnAttempting, ConnSuccess, ConnExpired, ConnFailed:
		return true
	}
	return false
}

func validResourceState(s ConnState) bool {
	return s == ConnNone || validCloudState(s)
}
