// Package protocol implements the RFC 959 control-channel wire format: command
// line parsing, reply formatting and the small set of typed argument parsers
// (PORT, TYPE, MODE, STRU) that the session needs.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadSyntax is returned when a command line cannot be parsed at all.
var ErrBadSyntax = errors.New("bad command syntax")

// Command is a parsed, uppercased control-channel command line.
type Command struct {
	Verb        string
	Argument    string
	HasArgument bool
}

// maxVerbLen is the longest verb we accept, per spec.md 4.5.
const maxVerbLen = 8

// ParseCommand parses a single CRLF- or LF-terminated command line.
func ParseCommand(line string) (Command, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	trimmed = strings.TrimSpace(trimmed)

	if trimmed == "" {
		return Command{}, ErrBadSyntax
	}

	verb := trimmed
	arg := ""
	hasArg := false

	if idx := strings.IndexByte(trimmed, ' '); idx >= 0 {
		verb = trimmed[:idx]
		arg = strings.TrimSpace(trimmed[idx+1:])
		hasArg = true
	}

	if verb == "" || len(verb) > maxVerbLen || !isASCIIAlpha(verb) {
		return Command{}, ErrBadSyntax
	}

	return Command{
		Verb:        strings.ToUpper(verb),
		Argument:    arg,
		HasArgument: hasArg,
	}, nil
}

func isASCIIAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}

	return true
}

// FormatReply formats a single-line final reply: "CCC msg\r\n".
func FormatReply(code int, msg string) string {
	return fmt.Sprintf("%d %s\r\n", code, msg)
}

// FormatReplyContinuation formats a continuation line of a multi-line reply:
// "CCC-msg\r\n".
func FormatReplyContinuation(code int, msg string) string {
	return fmt.Sprintf("%d-%s\r\n", code, msg)
}

// PASVReply formats the literal 227 response body from spec.md 4.5.
func PASVReply(ip [4]byte, port int) string {
	p1 := port / 256
	p2 := port % 256

	return fmt.Sprintf(
		"227 Entering Passive Mode (%d,%d,%d,%d,%d,%d)\r\n",
		ip[0], ip[1], ip[2], ip[3], p1, p2,
	)
}

// PortArg is a decoded PORT/EPRT-style "h1,h2,h3,h4,p1,p2" argument.
type PortArg struct {
	IP   [4]byte
	Port int
}

// ParsePort decodes the PORT command argument.
func ParsePort(arg string) (PortArg, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return PortArg{}, ErrBadSyntax
	}

	var nums [6]int

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return PortArg{}, ErrBadSyntax
		}

		nums[i] = n
	}

	return PortArg{
		IP:   [4]byte{byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3])},
		Port: nums[4]*256 + nums[5],
	}, nil
}

// TransferType is the TYPE command's outcome.
type TransferType int

const (
	TypeASCII TransferType = iota
	TypeBinary
	TypeEBCDIC
)

// ParseType decodes the TYPE command argument ("A", "A N", "I", "E", "E N").
func ParseType(arg string) (TransferType, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return 0, ErrBadSyntax
	}

	switch strings.ToUpper(fields[0]) {
	case "A":
		return TypeASCII, nil
	case "I":
		return TypeBinary, nil
	case "E":
		return TypeEBCDIC, nil
	default:
		return 0, ErrBadSyntax
	}
}

// ParseMode decodes the MODE command argument; only "S" (stream) is accepted.
func ParseMode(arg string) error {
	if strings.ToUpper(strings.TrimSpace(arg)) != "S" {
		return ErrBadSyntax
	}

	return nil
}

// ParseStru decodes the STRU command argument; only "F" (file) is accepted.
func ParseStru(arg string) error {
	if strings.ToUpper(strings.TrimSpace(arg)) != "F" {
		return ErrBadSyntax
	}

	return nil
}
