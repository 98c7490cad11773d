package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fclairamb/goftpkernel/internal/protocol"
)

// handlePORT implements spec.md §4.7's PORT contract.
func handlePORT(s *Session, arg string) error {
	if s.cfg.DisableActiveMode {
		return s.Reply(codeServiceNotAvailable, "PORT command is disabled")
	}

	p, err := protocol.ParsePort(arg)
	if err != nil {
		return s.Reply(codeSyntaxError, fmt.Sprintf("Problem parsing PORT: %v", err))
	}

	ip := fmt.Sprintf("%d.%d.%d.%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3])
	s.SetActive(ip, p.Port)

	return s.Reply(codeOK, "PORT command successful")
}

// handlePASV implements spec.md §4.7's PASV contract.
func handlePASV(s *Session, arg string) error {
	advertiseIP, port, err := s.SetPassive()
	if err != nil {
		return s.Reply(codeServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))
	}

	var octets [4]byte

	parts := strings.Split(advertiseIP, ".")
	for i := 0; i < 4 && i < len(parts); i++ {
		v, _ := strconv.Atoi(parts[i])
		octets[i] = byte(v)
	}

	return s.ReplyRaw(protocol.PASVReply(octets, port))
}

// handleTYPE implements spec.md §4.5/§4.7's TYPE contract.
func handleTYPE(s *Session, arg string) error {
	t, err := protocol.ParseType(arg)
	if err != nil || t == protocol.TypeEBCDIC {
		return s.Reply(codeNotImplementedParam, fmt.Sprintf("Unsupported TYPE %q", arg))
	}

	s.SetTransferType(t)

	return s.Reply(codeOK, "OK")
}

// handleSTRU implements spec.md's STRU contract (F accepted, else 504).
func handleSTRU(s *Session, arg string) error {
	if err := protocol.ParseStru(arg); err != nil {
		return s.Reply(codeNotImplementedParam, "Only F structure is supported")
	}

	return s.Reply(codeOK, "OK")
}

// handleMODE implements spec.md's MODE contract (S accepted, else 504).
func handleMODE(s *Session, arg string) error {
	if err := protocol.ParseMode(arg); err != nil {
		return s.Reply(codeNotImplementedParam, "Only S mode is supported")
	}

	return s.Reply(codeOK, "OK")
}

// handleSYST replies with a fixed UNIX system identification.
func handleSYST(s *Session, arg string) error {
	return s.Reply(codeSystemType, "UNIX Type: L8")
}

// handleNOOP does nothing but reply.
func handleNOOP(s *Session, arg string) error {
	return s.Reply(codeOK, "OK")
}

// handleCLNT is a harmless client-identification command carried from the
// teacher, per SPEC_FULL.md §4.10.
func handleCLNT(s *Session, arg string) error {
	return s.Reply(codeOK, "OK")
}

// handleOPTS answers OPTS UTF8 as a no-op 200, per SPEC_FULL.md §4.10; it
// deliberately is not reflected as an extra FEAT line.
func handleOPTS(s *Session, arg string) error {
	return s.Reply(codeOK, "OK")
}

// handleFEAT implements spec.md §4.7/§6.1's FEAT contract.
func handleFEAT(s *Session, arg string) error {
	_ = s.ReplyContinuation(codeFeatBody, "Features:")
	_ = s.ReplyContinuation(codeFeatBody, " SIZE")
	_ = s.ReplyContinuation(codeFeatBody, " MDTM")
	_ = s.ReplyContinuation(codeFeatBody, " REST STREAM")

	return s.Reply(codeFeatBody, "End")
}

// handleABOR implements spec.md §4.7's ABOR contract.
func handleABOR(s *Session, arg string) error {
	if s.TransferStateValue() != TransferRunning {
		s.CloseDataChannel()

		return s.Reply(225, "No transfer in progress")
	}

	s.RequestAbort()

	return nil
}
