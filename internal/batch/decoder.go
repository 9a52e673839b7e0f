package batch

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ResponseBoundaryPrefix starts every part boundary of a batch response
const ResponseBoundaryPrefix = "--batchresponse_"

var statusLinePattern = regexp.MustCompile(`(?i)^HTTP/[0-9.]+ +([0-9]+)(?: +(.*))?$`)

type decodeState int

const (
	stateBatch decodeState = iota
	stateBatchHeaders
	stateStatus
	stateStatusHeaders
	stateBody
)

func (s decodeState) String() string {
	switch s {
	case stateBatch:
		return "batch"
	case stateBatchHeaders:
		return "batchHeaders"
	case stateStatus:
		return "status"
	case stateStatusHeaders:
		return "statusHeaders"
	case stateBody:
		return "body"
	default:
		return "unknown"
	}
}

// decoder walks a batch response line by line
type decoder struct {
	state      decodeState
	status     int
	statusText string
	closed     bool // closing boundary seen, the rest is epilogue
	parts      []ParsedPart
}

// Decode splits a batch response body into parts, in order. It is a pure
// function of body.
func Decode(body string) ([]ParsedPart, error) {
	d := &decoder{state: stateBatch, parts: make([]ParsedPart, 0)}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if err := d.step(i, strings.TrimSuffix(line, "\r")); err != nil {
			return nil, err
		}
	}

	if !d.closed && d.state != stateStatus {
		return nil, &BatchParseError{
			Line:   len(lines) - 1,
			Reason: "unexpected end of input in state " + d.state.String(),
		}
	}
	return d.parts, nil
}

func (d *decoder) step(index int, line string) error {
	if d.closed {
		return nil
	}

	switch d.state {
	case stateBatch:
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, ResponseBoundaryPrefix) {
			if strings.HasSuffix(trimmed, "--") {
				d.closed = true
				d.state = stateStatus
				return nil
			}
			d.state = stateBatchHeaders
			return nil
		}
		return &BatchParseError{Line: index, Reason: "expected batch boundary, got '" + line + "'"}

	case stateBatchHeaders:
		if strings.TrimSpace(line) == "" {
			d.state = stateStatus
		}
		return nil

	case stateStatus:
		m := statusLinePattern.FindStringSubmatch(line)
		if m == nil {
			return &BatchParseError{Line: index, Reason: "invalid status line '" + line + "'"}
		}
		code, err := strconv.Atoi(m[1])
		if err != nil {
			return &BatchParseError{Line: index, Reason: "invalid status code '" + m[1] + "'"}
		}
		d.status = code
		d.statusText = m[2]
		d.state = stateStatusHeaders
		return nil

	case stateStatusHeaders:
		if strings.TrimSpace(line) == "" {
			d.state = stateBody
		}
		return nil

	case stateBody:
		part := ParsedPart{Status: d.status, StatusText: d.statusText}
		if d.status != http.StatusNoContent {
			part.Body = line
		}
		d.parts = append(d.parts, part)
		d.state = stateBatch
		return nil
	}

	return &BatchParseError{Line: index, Reason: "unknown decoder state"}
}
