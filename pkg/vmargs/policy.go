package vmargs

import (
	"maps"
	"slices"
	"strconv"

	"github.com/kballard/go-shellquote"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/redact"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// DefaultMaxHeap is the maximum heap given to a build server when the user sets none
const DefaultMaxHeap = "-Xmx768m"

// Input holds everything the launch arguments are computed from
type Input struct {
	// VMOptions is the user-declared options string, shell-quoted
	VMOptions    string
	JDK          types.JDK
	Distribution types.Distribution
	// DebugPort enables a JDWP agent listening on that port when set
	DebugPort *int
	// BaseDir anchors relative -javaagent paths
	BaseDir string
}

// Policy computes launch arguments. The zero value uses DefaultMaxHeap.
type Policy struct {
	// DefaultMaxHeap replaces the package default when set
	DefaultMaxHeap string
	// MaxHeapOverride, when set, is emitted as the only -Xmx flag
	MaxHeapOverride string
	// RemoveAgents drops every -javaagent flag from the user options
	RemoveAgents bool
	// SystemProperties are appended as -Dkey=value after the computed flags
	SystemProperties map[string]string
}

// ArgumentSet is the ordered, conflict-free list of VM flags for one launch
type ArgumentSet struct {
	args        []string
	maxHeap     string
	initialHeap string
}

// Args returns a copy of the flags
func (a *ArgumentSet) Args() []string {
	out := make([]string, len(a.args))
	copy(out, a.args)
	return out
}

// MaxHeap returns the effective -Xmx flag, or ""
func (a *ArgumentSet) MaxHeap() string { return a.maxHeap }

// InitialHeap returns the effective -Xms flag, or ""
func (a *ArgumentSet) InitialHeap() string { return a.initialHeap }

// String renders the flags as a shell-quoted command line fragment
func (a *ArgumentSet) String() string {
	return shellquote.Join(a.args...)
}

// Redacted renders the flags like String with secret-looking system property
// values masked, for logging
func (a *ArgumentSet) Redacted() string {
	out := make([]string, len(a.args))
	for i, arg := range a.args {
		out[i] = redact.SystemProperty(arg)
	}
	return shellquote.Join(out...)
}

// Build resolves the user options into the final argument set. Heap flags
// are collapsed to one -Xms and one -Xmx, where -Xmx is never smaller than
// -Xms; -javaagent paths are anchored at the base directory.
func (p Policy) Build(in Input) (*ArgumentSet, error) {
	tokens, err := shellquote.Split(in.VMOptions)
	if err != nil {
		return nil, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeArgument, "cannot split vm options")
	}

	var (
		userMax     string
		userInitial string
		args        = make([]string, 0, len(tokens)+8)
	)

	for _, token := range tokens {
		switch {
		case IsHeapFlag(token):
			h, err := ParseHeapFlag(token)
			if err != nil {
				return nil, err
			}
			// The JVM honours the last occurrence, so do we
			if h.Initial {
				userInitial = h.InitialHeapFlag()
			} else {
				userMax = h.MaxHeapFlag()
			}
		case IsAgentFlag(token):
			if p.RemoveAgents {
				continue
			}
			resolved, err := ResolveAgentPath(token, in.BaseDir)
			if err != nil {
				return nil, err
			}
			args = append(args, resolved)
		default:
			args = append(args, token)
		}
	}

	maxHeap, userInitial, err := p.heapFlags(userMax, userInitial)
	if err != nil {
		return nil, err
	}
	if userInitial != "" {
		args = append(args, userInitial)
	}
	if maxHeap != "" {
		args = append(args, maxHeap)
	}

	if in.DebugPort != nil {
		port := *in.DebugPort
		if port <= 0 || port > 65535 {
			return nil, pkgerrors.WrapWithField(
				pkgerrors.Newf(pkgerrors.ErrorCodeArgument, "debug port %d out of range", port),
				"debug_port", port, "invalid debug port")
		}
		args = append(args, "-agentlib:jdwp=transport=dt_socket,server=y,suspend=n,address=*:"+strconv.Itoa(port))
	}

	if in.JDK.MajorVersion() >= 9 {
		args = append(args, "--add-opens=java.base/java.lang=ALL-UNNAMED")
	}

	if in.Distribution.Home != "" {
		args = append(args, "-Dmaven.home="+in.Distribution.Home)
	}
	if in.BaseDir != "" {
		args = append(args, "-Dmaven.multiModuleProjectDirectory="+in.BaseDir)
	}
	for _, key := range slices.Sorted(maps.Keys(p.SystemProperties)) {
		args = append(args, "-D"+key+"="+p.SystemProperties[key])
	}

	return &ArgumentSet{
		args:        args,
		maxHeap:     maxHeap,
		initialHeap: userInitial,
	}, nil
}

// heapFlags returns the -Xmx and -Xms flags to emit. A forced maximum is kept
// as is and an initial size above it is lowered to match, since the JVM
// refuses to start when -Xms exceeds -Xmx.
func (p Policy) heapFlags(userMax, userInitial string) (string, string, error) {
	if p.MaxHeapOverride != "" {
		forced, err := ParseHeapFlag(p.MaxHeapOverride)
		if err != nil {
			return "", "", err
		}
		if userInitial != "" {
			initial, err := ParseHeapFlag(userInitial)
			if err != nil {
				return "", "", err
			}
			if initial.Bytes() > forced.Bytes() {
				userInitial = forced.InitialHeapFlag()
			}
		}
		return forced.MaxHeapFlag(), userInitial, nil
	}

	if userMax == "" {
		userMax = p.DefaultMaxHeap
		if userMax == "" {
			userMax = DefaultMaxHeap
		}
	}
	maxHeap, err := ResolveMaxHeap(userMax, userInitial)
	return maxHeap, userInitial, err
}
