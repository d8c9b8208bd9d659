//go:build windows

package spawn

import "os/exec"

func configureProcAttr(cmd *exec.Cmd) {}
