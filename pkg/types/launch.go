package types

import (
	"encoding/json"
	"strconv"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/socialgouv/buildsrv/pkg/hash"
)

// JDK identifies the Java runtime used to run a build server
type JDK struct {
	// Name is a display name such as "temurin-17"
	Name string `json:"name,omitempty"`
	// Home is the JDK installation directory
	Home string `json:"home"`
	// Version is the runtime version string, e.g. "17.0.9" or "1.8.0_392"
	Version string `json:"version,omitempty"`
}

// MajorVersion returns the feature release number of the JDK, or 0 when the
// version string cannot be read. Legacy "1.x" versions map to x.
func (j JDK) MajorVersion() int {
	v := strings.TrimSpace(j.Version)
	if v == "" {
		return 0
	}
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return 0
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	if major == 1 && len(parts) > 1 {
		if minor, err := strconv.Atoi(parts[1]); err == nil {
			return minor
		}
	}
	return major
}

// Distribution identifies the build-tool installation the server runs from
type Distribution struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	// Home is the distribution root; its lib/ and boot/ directories form the classpath
	Home string `json:"home"`
	// MainClass is the entry point of the remote server inside the distribution
	MainClass string `json:"mainClass"`
}

// Project is the host-side project a build server is requested for
type Project struct {
	Name     string            `json:"name"`
	BasePath string            `json:"basePath"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// ID returns the project identity used in launch keys
func (p Project) ID() string {
	if p.BasePath != "" {
		return p.BasePath
	}
	return p.Name
}

// LaunchKey identifies one logical remote server instance. Requests with
// equal keys share one process; unequal keys never do.
type LaunchKey struct {
	jdk          JDK
	vmOptions    string
	distribution Distribution
	project      string
	debugPort    *int
	baseDir      string
	id           string
}

// canonicalKey is the serialised form hashed into the key ID
type canonicalKey struct {
	JDK          JDK          `json:"jdk"`
	VMOptions    string       `json:"vmOptions"`
	Distribution Distribution `json:"distribution"`
	Project      string       `json:"project"`
	DebugPort    *int         `json:"debugPort,omitempty"`
	BaseDir      string       `json:"baseDir"`
}

// NewLaunchKey builds an immutable launch key
func NewLaunchKey(jdk JDK, vmOptions string, distribution Distribution, project string, debugPort *int, baseDir string) LaunchKey {
	var port *int
	if debugPort != nil {
		port = ptr.To(*debugPort)
	}
	k := LaunchKey{
		jdk:          jdk,
		vmOptions:    vmOptions,
		distribution: distribution,
		project:      project,
		debugPort:    port,
		baseDir:      baseDir,
	}
	// Marshalling plain strings and ints cannot fail
	data, _ := json.Marshal(canonicalKey{
		JDK:          jdk,
		VMOptions:    vmOptions,
		Distribution: distribution,
		Project:      project,
		DebugPort:    port,
		BaseDir:      baseDir,
	})
	k.id = hash.GenerateKeyID(data)
	return k
}

// ID returns a stable identifier derived from every field of the key
func (k LaunchKey) ID() string { return k.id }

// ShortID returns an abbreviated identifier for log lines
func (k LaunchKey) ShortID() string {
	if len(k.id) > 12 {
		return k.id[:12]
	}
	return k.id
}

// Equal reports whether two keys identify the same server
func (k LaunchKey) Equal(other LaunchKey) bool { return k.id == other.id }

// JDK returns the runtime the server runs on
func (k LaunchKey) JDK() JDK { return k.jdk }

// VMOptions returns the user VM options string as declared, before policy
func (k LaunchKey) VMOptions() string { return k.vmOptions }

// Distribution returns the Maven distribution the server loads
func (k LaunchKey) Distribution() Distribution { return k.distribution }

// Project returns the project name the server was started for
func (k LaunchKey) Project() string { return k.project }

// BaseDir returns the multi-module root directory
func (k LaunchKey) BaseDir() string { return k.baseDir }

// DebugPort returns a copy of the debug port, nil when debugging is off
func (k LaunchKey) DebugPort() *int {
	if k.debugPort == nil {
		return nil
	}
	return ptr.To(*k.debugPort)
}

// ToFields converts the key to a map of logger fields
func (k LaunchKey) ToFields() map[string]interface{} {
	fields := map[string]interface{}{
		"launch_key": k.ShortID(),
		"project":    k.project,
	}
	if k.jdk.Name != "" {
		fields["jdk"] = k.jdk.Name
	}
	if k.distribution.Version != "" {
		fields["distribution"] = k.distribution.Version
	}
	if k.debugPort != nil {
		fields["debug_port"] = *k.debugPort
	}
	return fields
}
