package supervisor

import (
	"bufio"
	"bytes"
	"io"
	"time"
)

const maxDiagnosticLine = 64 * 1024

// readDiagnostics forwards every stderr line of a process until EOF. Lines
// end at '\n' or '\r'; longer ones are cut at maxDiagnosticLine. The pipe is
// only closed once the writer side is gone.
func (s *Supervisor) readDiagnostics(name string, r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxDiagnosticLine)
	scanner.Split(scanDiagnosticLines)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("Process output", "process", name, "line", line)
		s.publish(Diagnostic{Process: name, Line: line, Time: time.Now()})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("Diagnostics reader stopped", "process", name, "error", err)
		// keep the pipe open so the process never sees EPIPE
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanDiagnosticLines is a bufio.SplitFunc that splits on '\n' or '\r' and
// cuts a line that fills the scanner's buffer instead of failing.
func scanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF || len(data) >= maxDiagnosticLine {
		return len(data), data, nil
	}
	return 0, nil, nil
}
