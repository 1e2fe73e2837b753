package console

import (
	"errors"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/runtime"
)

// APIVersion is the wire protocol version this build speaks.
const APIVersion = 1

var (
	ErrFrameTooLarge    = errors.New("console: frame exceeds size limit")
	ErrInvalidVersion   = errors.New("console: unsupported protocol version")
	ErrPermissionDenied = errors.New("console: permission denied")
	ErrShutdown         = errors.New("console: server is shutting down")
	ErrStreamTimeout    = errors.New("console: install stream idle timeout")
)

// Permission is the single capability a request variant requires.
type Permission string

const (
	PermContainerStatistics Permission = "container_statistics"
	PermContainers          Permission = "containers"
	PermIdent               Permission = "ident"
	PermInstall             Permission = "install"
	PermKill                Permission = "kill"
	PermMount               Permission = "mount"
	PermRepositories        Permission = "repositories"
	PermShutdown            Permission = "shutdown"
	PermStart               Permission = "start"
	PermToken               Permission = "token"
	PermUmount              Permission = "umount"
	PermUninstall           Permission = "uninstall"
	PermNotifications       Permission = "notifications"
)

// PermissionSet is the set of permissions held by one console connection.
type PermissionSet map[Permission]bool

// Has reports whether p holds perm.
func (p PermissionSet) Has(perm Permission) bool { return p[perm] }

// NewPermissionSet builds a set from a permission list.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = true
	}
	return s
}

// List returns the set's members, for logging and PermissionDenied errors.
func (p PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(p))
	for perm := range p {
		out = append(out, perm)
	}
	return out
}

// Connect is the handshake frame a client must send first.
type Connect struct {
	Version                int
	SubscribeNotifications bool
	// SinceSequence, when SubscribeNotifications is set and nonzero,
	// requests replay of buffered notifications after this sequence
	// before the connection switches to live broadcast. Zero means
	// live-only.
	SinceSequence uint64
}

// ConnectAck acknowledges a successful handshake.
type ConnectAck struct {
	APIVersion int
}

// ConnectNackReason enumerates why a handshake was refused.
type ConnectNackReason string

const (
	NackInvalidVersion   ConnectNackReason = "invalid_protocol_version"
	NackPermissionDenied ConnectNackReason = "permission_denied"
)

// ConnectNack refuses a handshake.
type ConnectNack struct {
	Reason      ConnectNackReason
	WantVersion int
}

// RequestKind tags which request variant a Frame carries.
type RequestKind string

const (
	ReqContainerStats RequestKind = "container_stats"
	ReqContainers     RequestKind = "containers"
	ReqIdent          RequestKind = "ident"
	ReqInstall        RequestKind = "install"
	ReqKill           RequestKind = "kill"
	ReqMount          RequestKind = "mount"
	ReqRepositories   RequestKind = "repositories"
	ReqShutdown       RequestKind = "shutdown"
	ReqStart          RequestKind = "start"
	ReqTokenCreate    RequestKind = "token_create"
	ReqTokenVerify    RequestKind = "token_verify"
	ReqUmount         RequestKind = "umount"
	ReqUninstall      RequestKind = "uninstall"
)

// IdentityRef is one container reference on the wire.
type IdentityRef struct {
	Name    string
	Version string
}

// Frame is the envelope for every post-handshake client->server message.
// Only the fields relevant to Kind are meaningful.
type Frame struct {
	Kind         RequestKind
	Name         string
	Version      string
	RepositoryID string
	Size         int64
	Signal       int

	// Mount / Umount: operate on several containers in one request.
	// When empty, the single Name/Version pair above is used.
	Containers []IdentityRef

	// Start: optional argument and environment overrides.
	Args []string
	Env  map[string]string

	// TokenCreate / TokenVerify
	TokenUser         string
	TokenTarget       string
	TokenValiditySecs int64
	Token             [tokenLen]byte
}

// RepositoryInfo is one entry of a Repositories response.
type RepositoryInfo struct {
	ID      string
	Dir     string
	Count   int
	Skipped int
}

// ContainerStat is one entry of a ContainerStats response: everything
// this core can report about a running container absent the (external,
// out-of-scope) cgroup v2 metrics writer.
type ContainerStat struct {
	Identity  manifest.Identity
	State     string
	Pid       int
	StartedAt int64 // unix seconds, zero if never started
}

// ResponseFrame is the envelope for every server->client reply.
type ResponseFrame struct {
	OK             bool
	Error          string
	ErrorDetail    map[string]string
	Status         *runtime.RuntimeStatus
	Statuses       []runtime.RuntimeStatus
	Repositories   []RepositoryInfo
	Ident          *manifest.Identity
	Token          *[tokenLen]byte
	TokenVerified  bool
	ContainerStats map[string]ContainerStat
}

// NotificationFrame is a pushed fanout event.
type NotificationFrame struct {
	Kind     runtime.NotificationKind
	Name     string
	Version  string
	Sequence uint64
	Exit     *runtime.ExitStatus
}

func permissionFor(kind RequestKind) Permission {
	switch kind {
	case ReqContainerStats:
		return PermContainerStatistics
	case ReqContainers:
		return PermContainers
	case ReqIdent:
		return PermIdent
	case ReqInstall:
		return PermInstall
	case ReqKill:
		return PermKill
	case ReqMount:
		return PermMount
	case ReqRepositories:
		return PermRepositories
	case ReqShutdown:
		return PermShutdown
	case ReqStart:
		return PermStart
	case ReqTokenCreate, ReqTokenVerify:
		return PermToken
	case ReqUmount:
		return PermUmount
	case ReqUninstall:
		return PermUninstall
	default:
		return ""
	}
}

func identityOf(f Frame) (manifest.Identity, error) {
	v, err := manifest.ParseVersion(f.Version)
	if err != nil {
		return manifest.Identity{}, err
	}
	return manifest.Identity{Name: f.Name, Version: v}, nil
}

// identitiesOf resolves a frame's container references: the Containers
// list when present, the single Name/Version pair otherwise.
func identitiesOf(f Frame) ([]manifest.Identity, error) {
	if len(f.Containers) == 0 {
		id, err := identityOf(f)
		if err != nil {
			return nil, err
		}
		return []manifest.Identity{id}, nil
	}
	out := make([]manifest.Identity, 0, len(f.Containers))
	for _, ref := range f.Containers {
		v, err := manifest.ParseVersion(ref.Version)
		if err != nil {
			return nil, err
		}
		out = append(out, manifest.Identity{Name: ref.Name, Version: v})
	}
	return out, nil
}
