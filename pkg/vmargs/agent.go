package vmargs

import (
	"path/filepath"
	"strings"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
)

// AgentPrefix is the prefix of agent-path flags
const AgentPrefix = "-javaagent:"

// IsAgentFlag reports whether token loads a Java agent
func IsAgentFlag(token string) bool {
	return strings.HasPrefix(token, AgentPrefix)
}

// ResolveAgentPath anchors a relative -javaagent path at baseDir. Absolute
// paths, tokens that are not -javaagent flags, and an empty baseDir leave
// the token unchanged. The "=options" suffix is kept verbatim.
func ResolveAgentPath(token, baseDir string) (string, error) {
	if !IsAgentFlag(token) {
		return token, nil
	}

	spec := strings.TrimPrefix(token, AgentPrefix)
	path, options, hasOptions := strings.Cut(spec, "=")
	if path == "" {
		return "", pkgerrors.WrapWithField(
			pkgerrors.Newf(pkgerrors.ErrorCodeArgument, "malformed agent flag %q: empty agent path", token),
			"flag", token, "invalid agent path")
	}

	if baseDir == "" || filepath.IsAbs(path) {
		return token, nil
	}

	resolved := AgentPrefix + filepath.Join(baseDir, path)
	if hasOptions {
		resolved += "=" + options
	}
	return resolved, nil
}
