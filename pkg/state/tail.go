package state

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// tailReadLimit caps how much of a service log one status call reads;
// a runaway stderr must not balloon the diagnostic output.
const tailReadLimit = 256 << 10

// TailLines returns up to n trailing lines of a service log file. Only
// the last tailReadLimit bytes are ever read; when the file is larger,
// the partial leading line of the window is discarded.
func TailLines(path string, n int) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing log path")
	}
	if n <= 0 {
		n = 20
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}

	offset := info.Size() - tailReadLimit
	clipped := offset > 0
	if !clipped {
		offset = 0
	}

	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read log")
	}
	if clipped {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = append([]string{}, lines[len(lines)-n:]...)
	}
	return lines, nil
}
