package runicorn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// consoleCapture replaces the process's os.Stdout/os.Stderr with a tee that
// forwards every byte to the original stream (so a human watching the
// terminal sees nothing different) and, line-framed, to logs.txt.
//
// Three modes govern how progress bars (lines separated by '\r' rather than
// '\n') are handled:
//
//	"all"   — every carriage-return update is written to logs.txt as its own
//	          timestamped line, producing a large but complete record.
//	"smart" — only the final state of a '\r'-delimited run is written, so a
//	          tqdm-style bar collapses to one line instead of thousands.
//	"none"  — capture is not started at all; callers skip consoleCapture.
//
// Instances are reference-counted by resolved logs.txt path: two Run values
// pointed at the same file (a restarted run reusing a directory within the
// same process) share one os.Stdout/os.Stderr swap rather than racing each
// other to restore the originals.
type consoleCapture struct {
	path       string
	origStdout *os.File
	origStderr *os.File
	stdoutW    *os.File
	stderrW    *os.File
	file       *os.File
	done       chan struct{}
	wg         sync.WaitGroup
	log        *zap.Logger

	barMu      sync.Mutex
	pendingBar string // last unterminated '\r'-delimited line, not yet flushed to logs.txt
}

var (
	captureMu     sync.Mutex
	captureByPath = map[string]*consoleCapture{}
	captureRefs   = map[string]int{}

	installFlushHookOnce sync.Once
)

// installEmergencyFlushHook registers a process-wide SIGINT/SIGTERM handler
// that flushes every active consoleCapture's pending progress-bar line before
// the signal's default disposition runs, so a training script killed (rather
// than calling Finish) doesn't lose its last buffered console line. Installed
// once regardless of how many Run values start console capture.
func installEmergencyFlushHook() {
	installFlushHookOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			flushAllConsoleCaptures()
			signal.Stop(ch)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		}()
	})
}

func flushAllConsoleCaptures() {
	captureMu.Lock()
	caps := make([]*consoleCapture, 0, len(captureByPath))
	for _, c := range captureByPath {
		caps = append(caps, c)
	}
	captureMu.Unlock()

	for _, c := range caps {
		c.flushPendingBar()
		_ = c.file.Sync()
	}
}

// startConsoleCapture begins tee-ing the process's stdout/stderr into path.
// mode is "smart" or "all"; any other non-empty value behaves as "smart".
func startConsoleCapture(path, mode string, log *zap.Logger) (*consoleCapture, error) {
	captureMu.Lock()
	defer captureMu.Unlock()

	if existing, ok := captureByPath[path]; ok {
		captureRefs[path]++
		return existing, nil
	}

	if mode == "" {
		mode = "smart"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runicorn: open logs.txt: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		f.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		f.Close()
		return nil, err
	}

	cc := &consoleCapture{
		path:       path,
		origStdout: os.Stdout,
		origStderr: os.Stderr,
		stdoutW:    outW,
		stderrW:    errW,
		file:       f,
		done:       make(chan struct{}),
		log:        log,
	}

	os.Stdout = outW
	os.Stderr = errW

	cc.wg.Add(2)
	go cc.pump(outR, cc.origStdout, mode)
	go cc.pump(errR, cc.origStderr, mode)

	captureByPath[path] = cc
	captureRefs[path] = 1
	installEmergencyFlushHook()
	return cc, nil
}

// pump copies everything read from r to both passthrough and logs.txt,
// applying mode's line-framing rule to the logs.txt side only.
func (c *consoleCapture) pump(r *os.File, passthrough *os.File, mode string) {
	defer c.wg.Done()
	defer r.Close()

	tee := io.TeeReader(r, passthrough)
	reader := bufio.NewReader(tee)

	for {
		chunk, err := reader.ReadString('\n')
		lines := splitCR(chunk)
		for i, ln := range lines {
			isFinal := i == len(lines)-1
			if ln == "" {
				continue
			}
			if !isFinal {
				// This segment was terminated by '\r': a progress-bar update.
				if mode == "all" {
					c.writeLine(ln)
				} else {
					c.setPendingBar(ln)
				}
				continue
			}
			text := trimNewline(ln)
			if text != "" {
				// The line that ends a '\r' run is its final state; the
				// pending intermediate update is dropped.
				c.setPendingBar("")
			}
			c.flushPendingBar()
			c.writeLine(text)
		}
		if err != nil {
			c.flushPendingBar()
			return
		}
	}
}

func (c *consoleCapture) setPendingBar(line string) {
	c.barMu.Lock()
	c.pendingBar = line
	c.barMu.Unlock()
}

// flushPendingBar writes out and clears whatever progress-bar line is
// waiting for its terminating '\n'. Safe to call concurrently with pump (the
// emergency-flush signal handler does exactly that).
func (c *consoleCapture) flushPendingBar() {
	c.barMu.Lock()
	line := c.pendingBar
	c.pendingBar = ""
	c.barMu.Unlock()
	if line != "" {
		c.writeLine(line)
	}
}

func splitCR(s string) []string {
	out := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

func (c *consoleCapture) writeLine(line string) {
	if line == "" {
		return
	}
	ts := time.Now().Format("15:04:05")
	if err := appendTextLocked(c.path, fmt.Sprintf("%s | %s\n", ts, line)); err != nil {
		c.log.Warn("console capture write failed", zap.Error(err))
	}
}

// stop restores the original stdout/stderr (once the last reference drops)
// and closes logs.txt.
func (c *consoleCapture) stop() error {
	captureMu.Lock()
	captureRefs[c.path]--
	remaining := captureRefs[c.path]
	if remaining > 0 {
		captureMu.Unlock()
		return nil
	}
	delete(captureByPath, c.path)
	delete(captureRefs, c.path)
	captureMu.Unlock()

	os.Stdout = c.origStdout
	os.Stderr = c.origStderr

	if err := c.stdoutW.Close(); err != nil {
		return err
	}
	if err := c.stderrW.Close(); err != nil {
		return err
	}
	c.wg.Wait()
	return c.file.Close()
}
