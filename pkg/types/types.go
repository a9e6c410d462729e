package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidRole is returned when a configured role is not one of the known roles
var ErrInvalidRole = errors.New("role must be one of '', 'worker', 'control-plane'")

// PeerID identifies a unit in the form "<application>/<number>"
type PeerID string

// App returns the application part of the peer identity
func (p PeerID) App() string {
	if i := strings.LastIndex(string(p), "/"); i >= 0 {
		return string(p)[:i]
	}
	return string(p)
}

// UnitRole defines the role a unit plays in the cluster
type UnitRole string

const (
	RoleUnconfigured UnitRole = ""
	RoleWorker       UnitRole = "worker"
	RoleControlPlane UnitRole = "control-plane"
)

// ParseRole validates a configured role value
func ParseRole(s string) (UnitRole, error) {
	switch UnitRole(s) {
	case RoleUnconfigured, RoleWorker, RoleControlPlane:
		return UnitRole(s), nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidRole, s)
	}
}

// IsWorker reports whether the role joins the cluster as a worker-only node
func (r UnitRole) IsWorker() bool {
	return r == RoleWorker
}

// ClusterState is the per-unit state persisted across event invocations
type ClusterState struct {
	Role          UnitRole          `json:"role"`
	Installed     bool              `json:"installed"`
	Joined        bool              `json:"joined"`
	Leaving       bool              `json:"leaving"`
	JoinURL       string            `json:"join_url"`
	Hostname      string            `json:"hostname"`
	Hostnames     map[PeerID]string `json:"hostnames"`
	EnabledAddons []string          `json:"enabled_addons"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewClusterState returns the default state recorded at first dispatch
func NewClusterState(role UnitRole, hostname string) *ClusterState {
	return &ClusterState{
		Role:      role,
		Hostname:  hostname,
		Hostnames: make(map[PeerID]string),
	}
}

// Clone returns a deep copy of the state
func (s *ClusterState) Clone() *ClusterState {
	c := *s
	c.Hostnames = make(map[PeerID]string, len(s.Hostnames))
	for k, v := range s.Hostnames {
		c.Hostnames[k] = v
	}
	c.EnabledAddons = append([]string(nil), s.EnabledAddons...)
	return &c
}

// Equal reports whether two states carry the same facts, ignoring UpdatedAt
func (s *ClusterState) Equal(o *ClusterState) bool {
	if s.Role != o.Role || s.Installed != o.Installed || s.Joined != o.Joined ||
		s.Leaving != o.Leaving || s.JoinURL != o.JoinURL || s.Hostname != o.Hostname {
		return false
	}
	if len(s.Hostnames) != len(o.Hostnames) || len(s.EnabledAddons) != len(o.EnabledAddons) {
		return false
	}
	for k, v := range s.Hostnames {
		if o.Hostnames[k] != v {
			return false
		}
	}
	a := append([]string(nil), s.EnabledAddons...)
	b := append([]string(nil), o.EnabledAddons...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// JoinOffer is a one-time token-bearing address for exactly one peer
type JoinOffer struct {
	Unit      PeerID    `json:"unit"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	IssuedBy  PeerID    `json:"issued_by"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeCondition is the Ready condition of a Kubernetes node
type NodeCondition string

const (
	NodeReady    NodeCondition = "ready"
	NodeNotReady NodeCondition = "not-ready"
	NodeUnknown  NodeCondition = "unknown"
)

// NodeStatus is the result of a node status query
type NodeStatus struct {
	Condition NodeCondition
	Reason    string // Set when Condition is NodeNotReady
}

// StatusKind is the kind of externally visible unit status
type StatusKind uint8

const (
	StatusUnknown StatusKind = iota
	StatusMaintenance
	StatusWaiting
	StatusActive
	StatusBlocked
)

func (k StatusKind) String() string {
	switch k {
	case StatusMaintenance:
		return "maintenance"
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// UnitStatus is the externally observable status of a unit
type UnitStatus struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message"`
}

func (s UnitStatus) String() string {
	if s.Message == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + ": " + s.Message
}

// Blocked builds a blocked status
func Blocked(reason string) UnitStatus { return UnitStatus{Kind: StatusBlocked, Message: reason} }

// Waiting builds a waiting status
func Waiting(reason string) UnitStatus { return UnitStatus{Kind: StatusWaiting, Message: reason} }

// Maintenance builds a maintenance status
func Maintenance(activity string) UnitStatus {
	return UnitStatus{Kind: StatusMaintenance, Message: activity}
}

// Active builds an active status
func Active(detail string) UnitStatus { return UnitStatus{Kind: StatusActive, Message: detail} }
