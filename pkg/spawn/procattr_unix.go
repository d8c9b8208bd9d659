//go:build !windows

package spawn

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the child in its own process group so a terminal
// interrupt aimed at the host does not reach the server first
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
