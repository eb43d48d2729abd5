package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseDone is the sentinel payload ending an OpenAI-style event stream.
const sseDone = "[DONE]"

// scanSSE reads Server-Sent-Events-style framing ("data: <json>" lines) and
// invokes fn with each data payload. It stops at EOF, at the [DONE] sentinel,
// or when fn returns a non-nil error.
func scanSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == sseDone {
			return nil
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
