package main

import (
	"path/filepath"

	"github.com/spf13/pflag"
	"k8s.io/utils/ptr"

	"github.com/socialgouv/buildsrv/pkg/support"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// requestFlags describe one build server request on the command line
type requestFlags struct {
	jdkName      string
	jdkHome      string
	jdkVersion   string
	mavenHome    string
	mavenVersion string
	vmOptions    string
	debugPort    int
	baseDir      string
	project      string
	labels       map[string]string
}

func (r *requestFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&r.jdkName, "jdk-name", "", "JDK name")
	flags.StringVar(&r.jdkHome, "jdk-home", "", "JDK home; java from PATH when empty")
	flags.StringVar(&r.jdkVersion, "jdk-version", "", "JDK version, e.g. 21.0.2 or 1.8.0_392")
	flags.StringVar(&r.mavenHome, "maven-home", "", "Maven distribution home")
	flags.StringVar(&r.mavenVersion, "maven-version", "", "Maven distribution version")
	flags.StringVar(&r.vmOptions, "vm-options", "", "User VM options, shell-quoted")
	flags.IntVar(&r.debugPort, "debug-port", 0, "Enable a JDWP agent on this port")
	flags.StringVar(&r.baseDir, "base-dir", "", "Project base directory")
	flags.StringVar(&r.project, "project", "", "Project name; the base directory name when empty")
	flags.StringToStringVar(&r.labels, "label", nil, "Project label used to select a strategy (key=value)")
}

func (r *requestFlags) request() support.Request {
	name := r.project
	if name == "" && r.baseDir != "" {
		name = filepath.Base(r.baseDir)
	}

	req := support.Request{
		JDK:          types.JDK{Name: r.jdkName, Home: r.jdkHome, Version: r.jdkVersion},
		VMOptions:    r.vmOptions,
		Distribution: types.Distribution{Home: r.mavenHome, Version: r.mavenVersion},
		Project:      types.Project{Name: name, BasePath: r.baseDir, Labels: r.labels},
		BaseDir:      r.baseDir,
	}
	if r.debugPort != 0 {
		req.DebugPort = ptr.To(r.debugPort)
	}
	return req
}
