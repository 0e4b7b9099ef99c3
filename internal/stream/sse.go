package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// ErrFrameTooLarge is returned when a single event exceeds the configured limit.
var ErrFrameTooLarge = errors.New("sse frame too large")

// frame is one dispatched text/event-stream event.
type frame struct {
	Event string
	ID    string
	Data  []byte
	// HasID is true when the event carried an id field (possibly empty,
	// which resets the last event id).
	HasID bool
}

// frameReader parses the text/event-stream format:
// fields are "name: value" lines, a blank line dispatches, ":" starts a comment.
type frameReader struct {
	r   *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = 1 << 20
	}
	return &frameReader{r: bufio.NewReaderSize(r, 16<<10), max: max}
}

// Next blocks until a complete event is available. An event cut off by EOF
// is discarded and io.EOF returned.
func (fr *frameReader) Next() (frame, error) {
	var (
		f       frame
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := fr.readLine()
		if err != nil {
			return frame{}, err
		}

		if len(line) == 0 {
			if !hasData {
				// Events without data are not dispatched; id still sticks.
				if f.HasID {
					return frame{ID: f.ID, HasID: true}, nil
				}
				f = frame{}
				continue
			}
			f.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			return f, nil
		}
		if line[0] == ':' {
			continue
		}

		name, value := string(line), ""
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			name = string(line[:i])
			value = strings.TrimPrefix(string(line[i+1:]), " ")
		}

		switch name {
		case "data":
			if data.Len()+len(value)+1 > fr.max {
				return frame{}, ErrFrameTooLarge
			}
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			f.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
				f.HasID = true
			}
		case "retry":
			// Reconnect timing is fixed by configuration; server hints are ignored.
		}
	}
}

func (fr *frameReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		if len(buf)+len(chunk) > fr.max+2 {
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			buf = bytes.TrimSuffix(buf, []byte("\n"))
			return bytes.TrimSuffix(buf, []byte("\r")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}
