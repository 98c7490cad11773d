package server

import (
	"fmt"
	"strconv"

	"github.com/fclairamb/goftpkernel/auth"
)

// handleREST implements spec.md §4.7's REST contract.
func handleREST(s *Session, arg string) error {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		return s.Reply(codeSyntaxErrorArgs, "REST requires a non-negative integer")
	}

	s.SetRest(n)

	return s.Reply(codeNeedMoreInfo, "Restarting at given offset")
}

// transferVerb is the shared RETR/STOR implementation from spec.md §4.7:
// permission check, resolve, lock-contention preflight, revalidate under
// lock, 150 preliminary, open data channel, hand over to the worker.
func transferVerb(s *Session, arg string, kind TransferKind, exclusive bool) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "missing file name")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, requiredPermFor(kind)) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if kind == KindSendFile {
		if !s.FS().Exists(r.PhysicalAbs) || s.FS().IsDir(r.PhysicalAbs) {
			return s.Reply(codeActionNotTaken, "File not found")
		}
	}

	locks := s.Locks()
	lockKind := LockShared

	if exclusive {
		lockKind = LockExclusive

		if locks.IsExclusiveLocked(r.PhysicalAbs) || locks.SharedCount(r.PhysicalAbs) > 0 {
			return s.Reply(codeFileBusy, "File is currently being used, please try again later")
		}

		locks.AcquireExclusive(r.PhysicalAbs)
	} else {
		if locks.IsExclusiveLocked(r.PhysicalAbs) {
			return s.Reply(codeFileBusy, "File is currently being written to, please try again later")
		}

		locks.AcquireShared(r.PhysicalAbs)
	}

	release := func() {
		if exclusive {
			locks.ReleaseExclusive(r.PhysicalAbs)
		} else {
			locks.ReleaseShared(r.PhysicalAbs)
		}
	}

	offset := s.TakeRest()

	if kind == KindSendFile {
		size, sizeErr := s.FS().Size(r.PhysicalAbs)
		if sizeErr != nil || offset > size {
			release()
			return s.Reply(codeActionNotTaken, "Invalid restart offset")
		}
	}

	if !s.BeginTransfer() {
		release()
		return s.Reply(codeFileBusy, "Another transfer is already in progress")
	}

	if err := s.Reply(codePreliminary, "Opening data connection"); err != nil {
		release()
		s.EndTransfer()

		return err
	}

	dataConn, err := s.OpenDataChannel(s.DataConnTimeout())
	if err != nil {
		release()
		s.EndTransfer()

		return s.Reply(codeCantOpenData, "Could not open data connection")
	}

	s.RunTransfer(TransferTask{
		Kind:        kind,
		VirtualAbs:  r.VirtualAbs,
		PhysicalAbs: r.PhysicalAbs,
		Offset:      offset,
		Type:        s.TransferType(),
		HoldsLock:   true,
		LockKind:    lockKind,
	}, dataConn)

	return nil
}

// handleRETR implements spec.md §4.7's RETR contract.
func handleRETR(s *Session, arg string) error {
	return transferVerb(s, arg, KindSendFile, false)
}

// handleSTOR implements spec.md §4.7's STOR contract.
func handleSTOR(s *Session, arg string) error {
	return transferVerb(s, arg, KindRecvFile, true)
}

// handleAPPE implements spec.md §4.7's APPE contract: always appends at the
// file's current size, ignoring any pending REST offset.
func handleAPPE(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "missing file name")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermWrite) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	locks := s.Locks()

	if locks.IsExclusiveLocked(r.PhysicalAbs) || locks.SharedCount(r.PhysicalAbs) > 0 {
		return s.Reply(codeFileBusy, "File is currently being used, please try again later")
	}

	locks.AcquireExclusive(r.PhysicalAbs)

	s.TakeRest()
	size, _ := s.FS().Size(r.PhysicalAbs)

	if !s.BeginTransfer() {
		locks.ReleaseExclusive(r.PhysicalAbs)
		return s.Reply(codeFileBusy, "Another transfer is already in progress")
	}

	if err := s.Reply(codePreliminary, "Opening data connection"); err != nil {
		locks.ReleaseExclusive(r.PhysicalAbs)
		s.EndTransfer()

		return err
	}

	dataConn, err := s.OpenDataChannel(s.DataConnTimeout())
	if err != nil {
		locks.ReleaseExclusive(r.PhysicalAbs)
		s.EndTransfer()

		return s.Reply(codeCantOpenData, "Could not open data connection")
	}

	s.RunTransfer(TransferTask{
		Kind:        KindRecvFile,
		VirtualAbs:  r.VirtualAbs,
		PhysicalAbs: r.PhysicalAbs,
		Offset:      size,
		Type:        s.TransferType(),
		HoldsLock:   true,
		LockKind:    LockExclusive,
	}, dataConn)

	return nil
}

// listVerb is shared by LIST/NLST: default to the current virtual
// directory, require READ, emit 150, open the data channel, and start the
// worker. No file lock is held for listings.
func listVerb(s *Session, arg string, kind TransferKind) error {
	target := arg
	if target == "" {
		target = s.CurrentVirtualDir()
	}

	r, err := s.ResolvePath(target)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRead) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.BeginTransfer() {
		return s.Reply(codeFileBusy, "Another transfer is already in progress")
	}

	if err := s.Reply(codePreliminary, "Here comes the directory listing"); err != nil {
		s.EndTransfer()
		return err
	}

	dataConn, err := s.OpenDataChannel(s.DataConnTimeout())
	if err != nil {
		s.EndTransfer()
		return s.Reply(codeCantOpenData, "Could not open data connection")
	}

	s.RunTransfer(TransferTask{
		Kind:        kind,
		VirtualAbs:  r.VirtualAbs,
		PhysicalAbs: r.PhysicalAbs,
		Type:        s.TransferType(),
	}, dataConn)

	return nil
}

// handleLIST implements spec.md §4.7's LIST contract.
func handleLIST(s *Session, arg string) error {
	return listVerb(s, arg, KindSendList)
}

// handleNLST implements spec.md §4.7's NLST contract.
func handleNLST(s *Session, arg string) error {
	return listVerb(s, arg, KindSendNlst)
}

// handleDELE implements spec.md §4.7's DELE contract.
func handleDELE(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "DELE requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermDelete) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.FS().Exists(r.PhysicalAbs) || s.FS().IsDir(r.PhysicalAbs) {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	locks := s.Locks()

	if locks.IsExclusiveLocked(r.PhysicalAbs) || locks.SharedCount(r.PhysicalAbs) > 0 {
		return s.Reply(codeFileBusy, "File is currently being used, please try again later")
	}

	locks.AcquireExclusive(r.PhysicalAbs)
	defer locks.ReleaseExclusive(r.PhysicalAbs)

	if !s.FS().Exists(r.PhysicalAbs) {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	if err := s.FS().DeleteFile(r.PhysicalAbs); err != nil {
		return s.Reply(codeActionNotTaken, fmt.Sprintf("Could not delete %q: %v", r.VirtualAbs, err))
	}

	return s.Reply(codeFileActionOK, fmt.Sprintf("Deleted %q", r.VirtualAbs))
}

// handleRNFR implements spec.md §4.7's RNFR contract.
func handleRNFR(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "RNFR requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRename) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.FS().Exists(r.PhysicalAbs) {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	locks := s.Locks()

	if locks.IsExclusiveLocked(r.PhysicalAbs) || locks.SharedCount(r.PhysicalAbs) > 0 {
		return s.Reply(codeFileBusy, "File is currently being used, please try again later")
	}

	s.SetRenameFrom(r.PhysicalAbs)

	return s.Reply(codeNeedMoreInfo, "Ready for RNTO")
}

// handleRNTO implements spec.md §4.7's RNTO contract.
func handleRNTO(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "RNTO requires a path")
	}

	from, ok := s.TakeRenameFrom()
	if !ok {
		return s.Reply(codeBadSequence, "Bad sequence of commands (use RNFR first)")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRename) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if s.FS().Exists(r.PhysicalAbs) {
		return s.Reply(codeActionNotTaken, "Destination already exists")
	}

	locks := s.Locks()
	locks.AcquireExclusive(from)
	defer locks.ReleaseExclusive(from)

	if err := s.FS().Rename(from, r.PhysicalAbs); err != nil {
		return s.Reply(codeActionNotTaken, fmt.Sprintf("Could not rename: %v", err))
	}

	return s.Reply(codeFileActionOK, "Rename successful")
}

// handleSIZE implements spec.md §4.7's SIZE contract.
func handleSIZE(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "SIZE requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRead) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.FS().Exists(r.PhysicalAbs) || s.FS().IsDir(r.PhysicalAbs) {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	locks := s.Locks()
	locks.AcquireShared(r.PhysicalAbs)
	size, err := s.FS().Size(r.PhysicalAbs)
	locks.ReleaseShared(r.PhysicalAbs)

	if err != nil {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	return s.Reply(codeFileStatus, strconv.FormatInt(size, 10))
}

// handleMDTM implements spec.md §4.7's MDTM contract.
func handleMDTM(s *Session, arg string) error {
	if arg == "" {
		return s.Reply(codeSyntaxErrorArgs, "MDTM requires a path")
	}

	r, err := s.ResolvePath(arg)
	if err != nil {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRead) {
		return s.Reply(codeActionNotTaken, "Permission denied")
	}

	mtime, err := s.FS().Mtime(r.PhysicalAbs)
	if err != nil {
		return s.Reply(codeActionNotTaken, "File not found")
	}

	return s.Reply(codeFileStatus, mtime.UTC().Format("20060102150405"))
}
