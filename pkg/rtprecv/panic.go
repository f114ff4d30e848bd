package rtprecv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/util"
)

const (
	crashlogFilename        = "rtprecv-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        rtprecv crashlog
-----------------------------------------------------------------
Unfortunately, rtprecv has crashed.
To help diagnose the issue, a crashlog has been generated.
Please attach this file when reporting the problem.
-----------------------------------------------------------------
Time: %s
Sessions: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// writeCrashlog dumps a panic into the log directory and returns the file's path
func writeCrashlog(dir string, now time.Time, sessions fmt.Stringer, r interface{}, stack []byte) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage,
		now.Format(crashlogTimestampFormat), sessions, r, stack))
	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog file contents: %w", err)
	}

	return crashlogPath, nil
}

func (r *Receiver) recoverFromPanic() {
	p := recover()

	if p == nil {
		return
	}

	crashlogPath, err := writeCrashlog(logDirectory, time.Now(), r.registry, p, debug.Stack())
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog: %w", err))
	}

	r.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", p)

	r.logger.Errorw("Quitting", "exitCode", 1)
	_ = r.logger.Sync()
	os.Exit(1)
}
