//go:build !unix

package sandbox

import "os/exec"

func SetProcessGroup(cmd *exec.Cmd) {}
