package server

import (
	"fmt"

	"github.com/fclairamb/goftpkernel/auth"
)

// handleCWD implements spec.md §4.7's CWD contract. Authentication is
// already guaranteed by the command loop's state gate before any handler
// other than USER/PASS/QUIT/NOOP is ever dispatched.
func handleCWD(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "CWD requires a path")
	}

	if _, err := s.ChangeDirectory(arg); err != nil {
		return s.Reply(codeActionNotTaken, "Failed to change directory")
	}

	return s.Reply(codeFileActionOK, "Directory changed")
}

// handleCDUP implements spec.md §4.7's CDUP contract: no argument;
// equivalent to CWD "..".
func handleCDUP(s *Session, arg string) error {
	if _, err := s.CDUp(); err != nil {
		return s.Reply(codeActionNotTaken, "Failed to change directory")
	}

	return s.Reply(codeFileActionOK, "Directory changed")
}

// handlePWD replies with the current virtual working directory.
func handlePWD(s *Session, arg string) error {
	return s.Reply(codePathCreated, fmt.Sprintf("%q is current directory", s.CurrentVirtualDir()))
}

// handleMKD implements spec.md §4.7's MKD contract.
func handleMKD(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "MKD requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermMkdir) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if err := s.FS().CreateDir(r.PhysicalAbs); err != nil {
		return s.Reply(codeActionNotTaken, fmt.Sprintf("Could not create %q: %v", r.VirtualAbs, err))
	}

	return s.Reply(codePathCreated, fmt.Sprintf("%q created", r.VirtualAbs))
}

// handleRMD implements spec.md §4.7's RMD contract.
func handleRMD(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "RMD requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRmdir) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if err := s.FS().DeleteDir(r.PhysicalAbs, false); err != nil {
		return s.Reply(codeActionNotTaken, fmt.Sprintf("Could not delete %q: %v", r.VirtualAbs, err))
	}

	return s.Reply(codeFileActionOK, fmt.Sprintf("Deleted %q", r.VirtualAbs))
}
