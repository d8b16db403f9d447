package providers

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var errStopSSE = errors.New("providers: stop sse")

// readSSE feeds every data frame to onData and reports whether the upstream
// sent the `[DONE]` sentinel. Without it, and without a finish_reason, the
// caller treats the reply as truncated. onData may return errStopSSE to end
// the read early without error.
func readSSE(reader io.Reader, onData func([]byte) error) (bool, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		dataLines [][]byte
		sawDone   bool
	)
	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := bytes.Join(dataLines, []byte("\n"))
		dataLines = dataLines[:0]
		chunk := strings.TrimSpace(string(payload))
		if chunk == "" {
			return nil
		}
		if chunk == "[DONE]" {
			sawDone = true
			return errStopSSE
		}
		return onData([]byte(chunk))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				if errors.Is(err, errStopSSE) {
					return sawDone, nil
				}
				return sawDone, err
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			dataLines = append(dataLines, []byte(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return sawDone, errors.Wrap(err, "providers: sse scanner")
	}
	if err := flush(); err != nil && !errors.Is(err, errStopSSE) {
		return sawDone, err
	}
	return sawDone, nil
}
