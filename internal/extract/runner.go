package extract

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type ExecRunner struct {
	Logger logrus.FieldLogger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if r.Logger != nil {
		entry := r.Logger.WithFields(logrus.Fields{
			"cmd":         name,
			"args":        strings.Join(redactArgs(args), " "),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).WithField("stderr", truncate(errb.String(), 8<<10)).Error("exec failed")
		} else {
			entry.WithField("stdout_bytes", out.Len()).Debug("exec ok")
		}
	}
	return out.Bytes(), errb.Bytes(), err
}

// redactArgs hides the value following a password flag.
func redactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "-upw" || out[i] == "-opw" {
			out[i+1] = "***"
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
