//go:build !unix

package sandbox

import "os/exec"

func isolate(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}
