package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Rsync transfers batches with the rsync binary over ssh. rsync gives us
// the delivery semantics the pipeline needs for free: files are written
// remotely under temp names and renamed into place, and with
// --remove-source-files a source is deleted only after its transfer is
// acknowledged. A killed or failed run leaves sources in staging, where
// the next batch picks them up again.
type Rsync struct {
	// Remote is an rsync destination such as "archive@host:/srv/blobs/".
	Remote string

	// SSHPort is the ssh port on the remote host.
	SSHPort int

	// Timeout bounds a single batch transfer. Zero means no bound beyond
	// the caller's context.
	Timeout time.Duration
}

// Send transfers relPaths from stagingDir to the remote, removing each
// source file once its transfer is confirmed. The batch is described with
// a manifest file so argv length never limits batch size.
func (r *Rsync) Send(ctx context.Context, stagingDir string, relPaths []string) error {
	if len(relPaths) == 0 {
		return nil
	}

	mf, err := os.CreateTemp("", "n2s-manifest-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer os.Remove(mf.Name())

	for _, p := range relPaths {
		if _, err := mf.WriteString(p + "\n"); err != nil {
			mf.Close()
			return fmt.Errorf("write manifest: %w", err)
		}
	}
	if err := mf.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	sshCmd := fmt.Sprintf("ssh -p %d -o BatchMode=yes -o ConnectTimeout=5 -o ServerAliveInterval=60", r.sshPort())
	args := []string{
		"-a",
		"--relative",
		"--files-from", mf.Name(),
		"--remove-source-files",
		"-e", sshCmd,
		stagingDir + "/",
		r.Remote,
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "rsync", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("rsync batch of %d timed out after %s", len(relPaths), r.Timeout)
		}
		return fmt.Errorf("rsync batch of %d failed: %w: %s", len(relPaths), err, firstLines(out, 5))
	}

	slog.Debug("rsync batch sent",
		"files", len(relPaths),
		"remote", r.Remote,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Rsync) sshPort() int {
	if r.SSHPort > 0 {
		return r.SSHPort
	}
	return 22
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "; ")
}
