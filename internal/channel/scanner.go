package channel

import (
	"bufio"
	"io"
	"strings"
)

// Scanner reads Server-Sent Events frames from a stream. Blank lines end a
// frame, comment lines are skipped, and multiple data lines are joined with
// newlines.
type Scanner struct {
	reader  *bufio.Reader
	current Event
	lastID  string
	err     error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next frame. After it returns false, Err separates a
// clean end of stream from a read failure.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = Event{}

	var (
		dataLines []string
		eventType string
		hasData   bool
	)
	emit := func() {
		s.current = Event{Type: eventType, ID: s.lastID, Data: strings.Join(dataLines, "\n")}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		}
	}
}

func (s *Scanner) Event() Event {
	return s.current
}

func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
