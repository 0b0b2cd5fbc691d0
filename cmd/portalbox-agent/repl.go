//go:build linux

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/portalbox/portalbox/internal/portal"
)

// Evaluation framing between the agent and the interpreter driver. The code
// block is terminated by an EOT line; the driver replies with all produced
// output followed by one DONE line carrying the exit code.
const (
	replEOT  = "<<<portalbox:eot>>>"
	replDone = "<<<portalbox:done>>> "
)

// pythonDriver keeps one exec namespace alive across evaluations. Tracebacks
// go to the merged output stream and yield exit code 1.
const pythonDriver = `
import sys, traceback

ns = {}
buf = []
for line in sys.stdin:
    if line.rstrip("\n") == "<<<portalbox:eot>>>":
        code = "".join(buf)
        buf = []
        rc = 0
        try:
            exec(compile(code, "<repl>", "exec"), ns)
        except SystemExit as e:
            rc = int(e.code or 0)
        except BaseException:
            traceback.print_exc()
            rc = 1
        sys.stdout.flush()
        sys.stderr.flush()
        print("<<<portalbox:done>>> %d" % rc, flush=True)
    else:
        buf.append(line)
`

// nodeDriver mirrors the python one. Indirect eval runs code in the global
// scope so top-level bindings survive between calls.
const nodeDriver = `
const readline = require("readline");
const rl = readline.createInterface({ input: process.stdin, terminal: false });
let buf = [];
rl.on("line", (line) => {
  if (line !== "<<<portalbox:eot>>>") {
    buf.push(line);
    return;
  }
  const code = buf.join("\n");
  buf = [];
  let rc = 0;
  try {
    (0, eval)(code);
  } catch (err) {
    console.error(err);
    rc = 1;
  }
  console.log("<<<portalbox:done>>> " + rc);
});
`

// replSession is one long-lived interpreter subprocess. Evaluations are
// serialized: interleaving writes from concurrent callers would corrupt the
// framing.
type replSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *bufio.Reader
	closer io.Closer
}

func startREPL(language portal.Language, workdir string) (*replSession, error) {
	var cmd *exec.Cmd
	switch language {
	case portal.LanguagePython:
		cmd = exec.Command("python3", "-u", "-c", pythonDriver)
	case portal.LanguageNode:
		cmd = exec.Command("node", "-e", nodeDriver)
	default:
		return nil, fmt.Errorf("no interpreter for language %q", language)
	}
	cmd.Env = buildCommandEnv()
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open interpreter stdin: %w", err)
	}

	// Stdout and stderr share one pipe so output keeps emission order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open interpreter output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s interpreter: %w", language, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	return &replSession{
		cmd:    cmd,
		stdin:  stdin,
		output: bufio.NewReader(pr),
		closer: pr,
	}, nil
}

// Eval runs one code block and returns its combined output and exit code.
// Interpreter state persists across calls within the session.
func (s *replSession) Eval(ctx context.Context, code string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	if _, err := io.WriteString(s.stdin, code+replEOT+"\n"); err != nil {
		return "", 0, fmt.Errorf("write to interpreter: %w", err)
	}

	var output strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		line, err := s.output.ReadString('\n')
		if err != nil {
			return "", 0, fmt.Errorf("interpreter exited: %w", err)
		}
		trimmed := strings.TrimSuffix(line, "\n")
		if strings.HasPrefix(trimmed, replDone) {
			exitCode, err := strconv.Atoi(strings.TrimPrefix(trimmed, replDone))
			if err != nil {
				return "", 0, fmt.Errorf("malformed interpreter reply %q", trimmed)
			}
			return output.String(), exitCode, nil
		}
		output.WriteString(line)
	}
}

func (s *replSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.stdin.Close()
	_ = s.closer.Close()
	_ = s.cmd.Wait()
}
