package server

import "fmt"

// handleUSER implements spec.md §4.7's USER contract.
func handleUSER(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "USER requires a username")
	}

	if arg != "anonymous" {
		if _, ok := s.cfg.Store.Lookup(arg); !ok {
			return s.Reply(codeNotLoggedIn, "Not logged in")
		}
	} else if _, ok := s.cfg.Store.Lookup("anonymous"); !ok {
		return s.Reply(codeNotLoggedIn, "Anonymous login disabled")
	}

	s.SetUser(arg)

	if arg == "anonymous" {
		return s.Reply(codeNeedPassword, "Anonymous login OK, send your email as password")
	}

	return s.Reply(codeNeedPassword, "User name okay, need password")
}

// handlePASS implements spec.md §4.7's PASS contract.
func handlePASS(s *Session, arg string) error {
	if s.State() != StateAwaitingPassword {
		return s.Reply(codeBadSequence, "Login with USER first")
	}

	if s.Authenticate(arg) {
		return s.Reply(codeLoggedIn, "User logged in, proceed")
	}

	return s.Reply(codeNotLoggedIn, "Authentication failed")
}

// handleACCT rejects account semantics cleanly, per spec.md §6.1 ("ACCT, SMNT return 502").
func handleACCT(s *Session, arg string) error {
	return s.Reply(codeNotImplemented, "ACCT not implemented")
}

// handleSMNT rejects structure mount cleanly, per spec.md §6.1.
func handleSMNT(s *Session, arg string) error {
	return s.Reply(codeNotImplemented, "SMNT not implemented")
}

// handleQUIT implements spec.md §4.7's QUIT contract: any argument is a
// syntax error; otherwise emit a multi-line stats reply if authenticated,
// then the final 221, then close after flush.
func handleQUIT(s *Session, arg string) error {
	if arg != "" {
		return s.Reply(codeSyntaxErrorArgs, "QUIT takes no argument")
	}

	if s.State() == StateAuthenticated {
		stats := s.StatsSnapshot()
		_ = s.ReplyContinuation(codeClosing, fmt.Sprintf("Commands: %d", stats.Commands))
		_ = s.ReplyContinuation(codeClosing, fmt.Sprintf("Bytes up: %d, down: %d", stats.BytesUp, stats.BytesDown))
		_ = s.ReplyContinuation(codeClosing, fmt.Sprintf("Files up: %d, down: %d", stats.FilesUp, stats.FilesDown))
	}

	s.MarkClosing()

	return s.Reply(codeClosing, "Closing connection")
}

// handleREIN implements spec.md §4.7's REIN contract.
func handleREIN(s *Session, arg string) error {
	if arg != "" {
		return s.Reply(codeSyntaxErrorArgs, "REIN takes no argument")
	}

	s.Reinitialize()

	return s.Reply(codeReady, "Ready for new user")
}
