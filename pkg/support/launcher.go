package support

import (
	"path"
	"path/filepath"
	"strconv"

	"github.com/socialgouv/buildsrv/pkg/channel"
	"github.com/socialgouv/buildsrv/pkg/hash"
	"github.com/socialgouv/buildsrv/pkg/spawn"
	"github.com/socialgouv/buildsrv/pkg/types"
	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

// DefaultMainClass boots Maven through its classworlds launcher
const DefaultMainClass = "org.codehaus.plexus.classworlds.launcher.Launcher"

// javaArgs returns the java command line after the executable
func javaArgs(args *vmargs.ArgumentSet, dist types.Distribution, join func(...string) string, extra ...string) []string {
	out := args.Args()
	out = append(out, extra...)
	if dist.Home != "" {
		out = append(out,
			"-Dclassworlds.conf="+join(dist.Home, "bin", "m2.conf"),
			"-cp", join(dist.Home, "boot", "*"))
	}
	mainClass := dist.MainClass
	if mainClass == "" {
		mainClass = DefaultMainClass
	}
	return append(out, mainClass)
}

// Local runs the server as a child of this process and talks over stdio
type Local struct{}

// Translate implements Launcher
func (l *Local) Translate(req Request) Request { return req }

// Launch implements Launcher
func (l *Local) Launch(t Target) (spawn.Command, channel.Establisher, error) {
	java := "java"
	if t.Request.JDK.Home != "" {
		java = filepath.Join(t.Request.JDK.Home, "bin", "java")
	}

	cmd := spawn.Command{
		Path: java,
		Args: javaArgs(t.Args, t.Request.Distribution, filepath.Join),
		Dir:  t.Request.BaseDir,
	}
	establisher := &channel.StdioEstablisher{
		Logger:    t.Logger,
		Handshake: channel.HandshakeParams{LaunchKey: t.Key.ID()},
		LogIO:     t.LogIO,
	}
	return cmd, establisher, nil
}

// Container runs the server in a container with the base directory
// bind-mounted, talking over the attached stdio
type Container struct {
	// Runtime is the container CLI, "docker" when empty
	Runtime string
	Image   string
	// MountPath is where the base directory appears, "/workspace" when empty
	MountPath string
	// JavaHome and MavenHome locate the tools inside the image
	JavaHome  string
	MavenHome string
	// ExtraArgs are passed to "run" before the image
	ExtraArgs []string
}

func (c *Container) mountPath() string {
	if c.MountPath == "" {
		return "/workspace"
	}
	return c.MountPath
}

// Translate implements Launcher
func (c *Container) Translate(req Request) Request {
	out := req
	out.JDK.Home = c.JavaHome
	if c.MavenHome != "" {
		out.Distribution.Home = c.MavenHome
	}
	if req.BaseDir != "" {
		out.BaseDir = c.mountPath()
	}
	return out
}

// Launch implements Launcher
func (c *Container) Launch(t Target) (spawn.Command, channel.Establisher, error) {
	runtime := c.Runtime
	if runtime == "" {
		runtime = "docker"
	}

	name := hash.GenerateContainerName(t.Key.ID())
	args := []string{"run", "-i", "--rm", "--name", name, "--label", "buildsrv.launch-key=" + t.Key.ID()}
	if base := t.Key.BaseDir(); base != "" {
		args = append(args, "-v", base+":"+c.mountPath(), "-w", c.mountPath())
	}
	if port := t.Key.DebugPort(); port != nil {
		p := strconv.Itoa(*port)
		args = append(args, "-p", p+":"+p)
	}
	args = append(args, c.ExtraArgs...)
	args = append(args, c.Image)

	java := "java"
	if t.Request.JDK.Home != "" {
		java = path.Join(t.Request.JDK.Home, "bin", "java")
	}
	args = append(args, java)
	args = append(args, javaArgs(t.Args, t.Request.Distribution, path.Join)...)

	cmd := spawn.Command{Path: runtime, Args: args, Name: name}
	establisher := &channel.StdioEstablisher{
		Logger:    t.Logger,
		Handshake: channel.HandshakeParams{LaunchKey: t.Key.ID()},
		LogIO:     t.LogIO,
	}
	return cmd, establisher, nil
}
