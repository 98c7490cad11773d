package server

import (
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/fclairamb/goftpkernel/auth"
	"github.com/fclairamb/goftpkernel/internal/protocol"
	"github.com/fclairamb/goftpkernel/internal/transport"
	"github.com/fclairamb/goftpkernel/internal/vfs"
)

// TransferKind enumerates the four transfer-worker dispatch targets from
// spec.md §3/§4.9.
type TransferKind int

const (
	KindSendFile TransferKind = iota
	KindRecvFile
	KindSendList
	KindSendNlst
)

// LockKind records which lock discipline a TransferTask requires, if any.
type LockKind int

const (
	LockNone LockKind = iota
	LockShared
	LockExclusive
)

// TransferTask is the unit of work handed from a handler to the worker,
// per spec.md §3's TransferTask entity.
type TransferTask struct {
	Kind       TransferKind
	VirtualAbs string
	PhysicalAbs string
	Offset     int64
	Type       protocol.TransferType
	HoldsLock  bool
	LockKind   LockKind
}

// transferStatus is the worker's internal outcome classification, mapped
// to a final reply code in finalReplyFor.
type transferStatus int

const (
	statusOK transferStatus = iota
	statusAborted
	statusConnError
	statusIOError
	statusInternalError
)

// RunTransfer spawns the background worker goroutine described in
// spec.md §4.9: it owns the data connection handed to it, performs the
// copy, emits the final control reply, and releases any held lock.
func (s *Session) RunTransfer(task TransferTask, dataConn *transport.Conn) {
	s.SetTransferRunning()
	s.TrackWorker()

	go func() {
		defer s.WorkerDone()
		defer s.CloseDataChannel()

		status := s.runTransferBody(task, dataConn)

		if task.HoldsLock {
			switch task.LockKind {
			case LockShared:
				s.Locks().ReleaseShared(task.PhysicalAbs)
			case LockExclusive:
				s.Locks().ReleaseExclusive(task.PhysicalAbs)
			}
		}

		if status == statusAborted {
			// spec.md §5: ABOR's handler emits no immediate reply; the
			// worker emits the 426/226 pair once it observes the abort.
			_ = s.Reply(codeConnClosedAborted, "Data connection closed; transfer aborted")
			_ = s.Reply(codeTransferComplete, "ABOR command successful")
		} else {
			code, msg := finalReplyFor(status)
			_ = s.Reply(code, msg)
		}

		s.EndTransfer()
	}()
}

func (s *Session) runTransferBody(task TransferTask, dataConn *transport.Conn) transferStatus {
	switch task.Kind {
	case KindSendFile:
		return s.sendFile(task, dataConn)
	case KindRecvFile:
		return s.recvFile(task, dataConn)
	case KindSendList:
		return s.sendListing(task, dataConn, false)
	case KindSendNlst:
		return s.sendListing(task, dataConn, true)
	default:
		return statusInternalError
	}
}

const copyBufSize = 64 * 1024

func (s *Session) sendFile(task TransferTask, dataConn *transport.Conn) transferStatus {
	file, err := s.FS().OpenReader(task.PhysicalAbs, task.Offset)
	if err != nil {
		s.Logger().Warn("could not open file for reading", "err", NewFileAccessError(task.PhysicalAbs, err))
		return statusIOError
	}
	defer file.Close()

	var in io.Reader = file
	if task.Type == protocol.TypeASCII {
		in = newASCIIConverter(file, convertModeToCRLF)
	}

	written, status := s.abortableCopy(dataConn, in)
	if status == statusOK {
		s.addBytesDown(written)
		s.addFileDown()
	}

	return status
}

func (s *Session) recvFile(task TransferTask, dataConn *transport.Conn) transferStatus {
	truncate := task.Offset == 0

	file, err := s.FS().OpenWriter(task.PhysicalAbs, task.Offset, truncate)
	if err != nil {
		s.Logger().Warn("could not open file for writing", "err", NewFileAccessError(task.PhysicalAbs, err))
		return statusIOError
	}
	defer file.Close()

	var in io.Reader = dataConn

	convMode := convertModeToLF
	if runtime.GOOS == "windows" {
		// Windows' native newline convention is already CRLF; bytes pass
		// through unmodified, per spec.md §6.2.
		convMode = convertModeToCRLF
	}

	if task.Type == protocol.TypeASCII && runtime.GOOS != "windows" {
		in = newASCIIConverter(dataConn, convMode)
	}

	written, status := s.abortableCopy(file, in)
	if status == statusOK {
		s.addBytesUp(written)
		s.addFileUp()
	}

	return status
}

// abortableCopy streams src to dst in copyBufSize chunks, testing
// AbortRequested before every iteration so cancellation is prompt even
// mid-copy, per spec.md §4.9 step 2.
func (s *Session) abortableCopy(dst io.Writer, src io.Reader) (int64, transferStatus) {
	buf := make([]byte, copyBufSize)

	var total int64

	for {
		if s.AbortRequested() {
			return total, statusAborted
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			total += int64(written)

			if writeErr != nil {
				if s.AbortRequested() {
					return total, statusAborted
				}

				return total, classifyError(writeErr)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, statusOK
			}

			if s.AbortRequested() {
				return total, statusAborted
			}

			return total, classifyError(readErr)
		}
	}
}

func classifyError(err error) transferStatus {
	if errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, transport.ErrTimeout) {
		return statusConnError
	}

	return statusIOError
}

func (s *Session) sendListing(task TransferTask, dataConn *transport.Conn, nlst bool) transferStatus {
	entries, err := s.FS().List(task.PhysicalAbs)
	if err != nil {
		if info, statErr := s.singleFileEntry(task.PhysicalAbs); statErr == nil {
			entries = []vfs.FileInfo{info}
		} else {
			return statusIOError
		}
	}

	now := time.Now()

	for _, e := range entries {
		if s.AbortRequested() {
			return statusAborted
		}

		var line string
		if nlst {
			line = formatNlstLine(e)
		} else {
			line = formatListLine(e, now)
		}

		if _, err := dataConn.Write([]byte(line)); err != nil {
			if s.AbortRequested() {
				return statusAborted
			}

			return classifyError(err)
		}
	}

	return statusOK
}

func (s *Session) singleFileEntry(physicalAbs string) (vfs.FileInfo, error) {
	size, err := s.FS().Size(physicalAbs)
	if err != nil {
		return vfs.FileInfo{}, err
	}

	mtime, _ := s.FS().Mtime(physicalAbs)

	return vfs.FileInfo{
		Name:    s.FS().FilenameOf(physicalAbs),
		Kind:    vfs.KindFile,
		Size:    size,
		ModTime: mtime,
	}, nil
}

// finalReplyFor maps every status except statusAborted, which RunTransfer
// handles as a 426/226 pair (see spec.md §5 and §4.9 step 5).
func finalReplyFor(status transferStatus) (int, string) {
	switch status {
	case statusOK:
		return codeTransferComplete, "Transfer complete"
	case statusConnError:
		return codeConnClosedAborted, "Connection closed; transfer aborted"
	case statusIOError, statusInternalError:
		return codeLocalError, "Local error in processing"
	default:
		return codeLocalError, "Local error in processing"
	}
}

// requiredPermFor returns the permission bit a TransferKind requires, used
// by handlers before building a TransferTask.
func requiredPermFor(kind TransferKind) auth.Permission {
	switch kind {
	case KindSendFile, KindSendList, KindSendNlst:
		return auth.PermRead
	case KindRecvFile:
		return auth.PermWrite
	default:
		return auth.PermRead
	}
}
