package models

// ContainerKind classifies a sandbox container by how long it lives and
// what scopes it.
type ContainerKind string

const (
	// ContainerEphemeral backs a single turn and is discarded after.
	ContainerEphemeral ContainerKind = "ephemeral"
	// ContainerSession is a long-lived container scoped to one session.
	ContainerSession ContainerKind = "session"
	// ContainerNamedEnv is a long-lived container shared across sessions
	// under an operator-chosen slug.
	ContainerNamedEnv ContainerKind = "named-env"
)

// NetworkMode controls what network a sandbox container can reach.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
)

// ContainerLabels is the fixed label schema applied to every sandbox
// container so reconciliation can discover and classify them on startup.
type ContainerLabels struct {
	App        string // always "parachute"
	Type       ContainerKind
	SessionID  string // set when Type == ContainerSession or ContainerEphemeral
	EnvSlug    string // set when Type == ContainerNamedEnv
	ConfigHash string // 12-hex-char digest, see sandbox.ComputeConfigHash
}

// ContainerDescriptor is the logical view of a sandbox container that the
// manager tracks and reconciles against the live backend.
type ContainerDescriptor struct {
	Name        string
	Labels      ContainerLabels
	MountPaths  []string
	NetworkMode NetworkMode
}

// ContainerState is the backend-observed lifecycle state of a container.
type ContainerState string

const (
	ContainerAbsent  ContainerState = "absent"
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerCreated ContainerState = "created"
)
