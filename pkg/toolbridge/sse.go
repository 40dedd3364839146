package toolbridge

import (
	"bufio"
	"io"
	"strings"
)

const maxSSELine = 4 * 1024 * 1024

// readSSEMessage returns the data of the first event in an SSE stream.
// Consecutive data lines are joined with newlines; the event ends at the
// first blank line after data or at end of stream.
func readSSEMessage(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimPrefix(data, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyResponse
	}
	return []byte(strings.Join(lines, "\n")), nil
}
