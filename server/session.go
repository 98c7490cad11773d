package server

import (
	"fmt"
	"sync"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/fclairamb/goftpkernel/auth"
	"github.com/fclairamb/goftpkernel/internal/filelock"
	"github.com/fclairamb/goftpkernel/internal/pathsec"
	"github.com/fclairamb/goftpkernel/internal/protocol"
	"github.com/fclairamb/goftpkernel/internal/transport"
	"github.com/fclairamb/goftpkernel/internal/vfs"
)

// State is the control-side state machine from spec.md §4.7.
type State int

const (
	StateConnected State = iota
	StateAwaitingPassword
	StateAuthenticated
	StateClosing
)

// TransferState tracks the session's single transfer slot, spec.md §3.
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferStarting
	TransferRunning
	TransferCompleting
	TransferAborted
)

// DataMode records which of PORT/PASV (if either) is currently armed.
type DataMode int

const (
	DataModeNone DataMode = iota
	DataModeActive
	DataModePassive
)

// Stats holds the monotonically increasing counters spec.md §3 requires.
type Stats struct {
	BytesUp   int64
	BytesDown int64
	FilesUp   int64
	FilesDown int64
	Commands  int64
}

// Config bundles the process-wide collaborators and tunables a Session needs.
type Config struct {
	FS                *vfs.FS
	Locks             *filelock.Table
	Store             *auth.Store
	Logger            log.Logger
	RootAbs           string
	IdleTimeout       time.Duration
	DataConnTimeout   time.Duration
	PassivePortMin    int
	PassivePortMax    int
	DisableActiveMode bool
}

// Session is one client's control-connection state, per spec.md §3/§4.7.
// Every field mutation and control-channel write happens under mu, so
// replies are serialized the way the teacher's clientHandler serializes
// writeMessage calls.
type Session struct {
	mu sync.Mutex

	cfg  Config
	conn *transport.Conn

	peerIP   string
	peerPort int

	state         State
	user          string
	authenticated *auth.User

	currentVirtualDir string
	connectedAt       time.Time
	lastActivity      time.Time

	transferType protocol.TransferType

	restOffset int64
	renameFrom string // "" means unset

	dataMode       DataMode
	activePeerIP   string
	activePeerPort int
	pasvListener   *transport.Listener

	transferState   TransferState
	abortRequested  bool
	transferWG      sync.WaitGroup
	dataConn        *transport.Conn

	stats Stats

	shouldQuit bool
}

// NewSession creates a session bound to an already-accepted control connection.
func NewSession(cfg Config, conn *transport.Conn, peerIP string, peerPort int) *Session {
	now := time.Now()

	return &Session{
		cfg:               cfg,
		conn:              conn,
		peerIP:            peerIP,
		peerPort:          peerPort,
		state:             StateConnected,
		currentVirtualDir: "/",
		connectedAt:       now,
		lastActivity:      now,
		transferType:      protocol.TypeASCII,
	}
}

// Reply sends a single-line final reply, serialized under the session mutex.
func (s *Session) Reply(code int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replyLocked(code, msg)
}

func (s *Session) replyLocked(code int, msg string) error {
	return s.conn.SendAll([]byte(protocol.FormatReply(code, msg)))
}

// ReplyRaw sends a pre-formatted reply line verbatim, serialized under the
// session mutex. Used for replies like PASV's whose body format is produced
// by internal/protocol directly.
func (s *Session) ReplyRaw(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.SendAll([]byte(line))
}

// ReplyContinuation sends one line of a multi-line reply.
func (s *Session) ReplyContinuation(code int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.SendAll([]byte(protocol.FormatReplyContinuation(code, msg)))
}

// ReadCommand blocks for the next CRLF-terminated command line.
func (s *Session) ReadCommand(timeout time.Duration) (protocol.Command, error) {
	line, err := s.conn.RecvLine(8192, timeout)
	if err != nil {
		return protocol.Command{}, err
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.stats.Commands++
	s.mu.Unlock()

	return protocol.ParseCommand(string(line))
}

// State returns the current control-side state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SetUser records the USER argument and moves Connected -> AwaitingPassword.
func (s *Session) SetUser(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = name
	s.state = StateAwaitingPassword
}

// Authenticate verifies password against the credential store. On success
// it loads the user's permissions/home, sets state = Authenticated, and if
// the home exists on disk, seeds current_virtual_dir with it.
func (s *Session) Authenticate(password string) bool {
	s.mu.Lock()
	name := s.user
	s.mu.Unlock()

	if s.State() != StateAwaitingPassword {
		return false
	}

	if !s.cfg.Store.Verify(name, password) {
		s.mu.Lock()
		s.state = StateConnected
		s.mu.Unlock()

		return false
	}

	u, ok := s.cfg.Store.Lookup(name)
	if !ok {
		s.mu.Lock()
		s.state = StateConnected
		s.mu.Unlock()

		return false
	}

	s.mu.Lock()
	s.authenticated = &u
	s.state = StateAuthenticated

	physicalHome := s.cfg.FS.Join(s.cfg.RootAbs, u.Home)
	if s.cfg.FS.IsDir(physicalHome) {
		s.currentVirtualDir = u.Home
	}
	s.mu.Unlock()

	return true
}

// User returns the authenticated user, or nil if not yet authenticated.
func (s *Session) User() *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.authenticated
}

// CurrentVirtualDir returns the session's current virtual working directory.
func (s *Session) CurrentVirtualDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentVirtualDir
}

// ResolvePath maps a client-supplied path onto the sandbox, per spec.md 4.3.
func (s *Session) ResolvePath(raw string) (pathsec.Resolved, error) {
	s.mu.Lock()
	cur := s.currentVirtualDir
	home := "/"
	admin := false

	if s.authenticated != nil {
		home = s.authenticated.Home
		admin = s.authenticated.Permissions.Has(auth.PermAdmin)
	}

	root := s.cfg.RootAbs
	s.mu.Unlock()

	return pathsec.Resolve(cur, raw, root, home, admin)
}

// ChangeDirectory resolves path, verifies it is an existing directory with
// READ permission, and updates current_virtual_dir on success.
func (s *Session) ChangeDirectory(raw string) (string, error) {
	r, err := s.ResolvePath(raw)
	if err != nil {
		return "", err
	}

	if !s.CheckAccess(r.VirtualAbs, auth.PermRead) {
		return "", pathsec.ErrForbidden
	}

	if !s.cfg.FS.IsDir(r.PhysicalAbs) {
		return "", fmt.Errorf("not a directory: %s", r.VirtualAbs)
	}

	s.mu.Lock()
	s.currentVirtualDir = r.VirtualAbs
	s.mu.Unlock()

	return r.VirtualAbs, nil
}

// CDUp moves to the parent of current_virtual_dir, bypassing Resolve's
// literal ".." rejection the way pathsec.Parent is designed to.
func (s *Session) CDUp() (string, error) {
	cur := s.CurrentVirtualDir()
	parent := pathsec.Parent(cur)

	return s.ChangeDirectory(parent)
}

// CheckAccess enforces spec.md 4.7's check_access: non-ADMIN users must be
// within their home subtree and hold every bit of required.
func (s *Session) CheckAccess(virtualAbs string, required auth.Permission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authenticated == nil {
		return false
	}

	if s.authenticated.Permissions.Has(auth.PermAdmin) {
		return true
	}

	if !withinSubtree(virtualAbs, s.authenticated.Home) {
		return false
	}

	return s.authenticated.Permissions.Has(required)
}

func withinSubtree(virtualAbs, home string) bool {
	if home == "/" || virtualAbs == home {
		return true
	}

	return len(virtualAbs) > len(home) && virtualAbs[:len(home)] == home && virtualAbs[len(home)] == '/'
}

// SetRest stores the REST offset.
func (s *Session) SetRest(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restOffset = offset
}

// TakeRest returns and clears the REST offset.
func (s *Session) TakeRest() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.restOffset
	s.restOffset = 0

	return v
}

// SetRenameFrom stores the RNFR source path.
func (s *Session) SetRenameFrom(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.renameFrom = path
}

// TakeRenameFrom returns and clears the RNFR source path, if any was set.
func (s *Session) TakeRenameFrom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.renameFrom
	s.renameFrom = ""

	return v, v != ""
}

// ClearRestartOffset is the "clear_restart_offset" preflight variant.
func (s *Session) ClearRestartOffset() {
	s.mu.Lock()
	s.restOffset = 0
	s.mu.Unlock()
}

// ClearRenameFrom is the "clear_rename_from" preflight variant.
func (s *Session) ClearRenameFrom() {
	s.mu.Lock()
	s.renameFrom = ""
	s.mu.Unlock()
}

// ClearBoth is the "clear_both" preflight variant.
func (s *Session) ClearBoth() {
	s.mu.Lock()
	s.restOffset = 0
	s.renameFrom = ""
	s.mu.Unlock()
}

// SetTransferType sets the session's ASCII/BINARY transfer type.
func (s *Session) SetTransferType(t protocol.TransferType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transferType = t
}

// TransferType returns the session's current ASCII/BINARY transfer type.
func (s *Session) TransferType() protocol.TransferType {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transferType
}

// SetActive records PORT-negotiated active mode, closing any residual
// data-channel resource first.
func (s *Session) SetActive(peerIP string, peerPort int) {
	s.closeDataChannelLocked()

	s.mu.Lock()
	s.dataMode = DataModeActive
	s.activePeerIP = peerIP
	s.activePeerPort = peerPort
	s.mu.Unlock()
}

// SetPassive binds a listener within the configured passive port range and
// records passive mode, closing any residual data-channel resource first.
func (s *Session) SetPassive() (string, int, error) {
	s.closeDataChannelLocked()

	ln, port, err := transport.ListenRange("0.0.0.0", s.cfg.PassivePortMin, s.cfg.PassivePortMax, 16)
	if err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	s.dataMode = DataModePassive
	s.pasvListener = ln
	advertiseIP, _ := s.conn.LocalAddrParts()
	s.mu.Unlock()

	return advertiseIP, port, nil
}

// errNoDataMode is returned by OpenDataChannel when neither PORT nor PASV
// has been negotiated.
var errNoDataMode = fmt.Errorf("no data connection mode negotiated")

// OpenDataChannel establishes the negotiated data connection, per spec.md 4.8.
func (s *Session) OpenDataChannel(timeout time.Duration) (*transport.Conn, error) {
	s.mu.Lock()
	mode := s.dataMode
	peerIP := s.activePeerIP
	peerPort := s.activePeerPort
	ln := s.pasvListener
	s.mu.Unlock()

	switch mode {
	case DataModeActive:
		conn, err := transport.Connect(peerIP, peerPort)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.dataConn = conn
		s.mu.Unlock()

		return conn, nil
	case DataModePassive:
		if ln == nil {
			return nil, errNoDataMode
		}

		// Not every net.Listener exposes SetDeadline; ignore if unsupported.
		if dl, ok := ln.Listener.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now().Add(timeout))
		}

		conn, _, _, err := ln.Accept()

		s.mu.Lock()
		if s.pasvListener == ln {
			ln.Close()
			s.pasvListener = nil
		}
		s.mu.Unlock()

		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.dataConn = conn
		s.mu.Unlock()

		return conn, nil
	default:
		return nil, errNoDataMode
	}
}

// CloseDataChannel closes the active data connection and any residual
// passive listener.
func (s *Session) CloseDataChannel() {
	s.closeDataChannelLocked()
}

func (s *Session) closeDataChannelLocked() {
	s.mu.Lock()
	conn := s.dataConn
	ln := s.pasvListener
	s.dataConn = nil
	s.pasvListener = nil
	s.dataMode = DataModeNone
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if ln != nil {
		_ = ln.Close()
	}
}

// TransferStateValue returns the current transfer state.
func (s *Session) TransferStateValue() TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transferState
}

// AbortRequested reports whether an abort has been requested for the
// current transfer.
func (s *Session) AbortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.abortRequested
}

// RequestAbort sets abort_requested and closes the data channel to unblock
// the worker's blocking I/O, per spec.md §5.
func (s *Session) RequestAbort() {
	s.mu.Lock()
	s.abortRequested = true
	s.mu.Unlock()

	s.closeDataChannelLocked()
}

// ClearAbort resets abort_requested and transitions the transfer state to Idle.
func (s *Session) ClearAbort() {
	s.mu.Lock()
	s.abortRequested = false
	s.transferState = TransferIdle
	s.mu.Unlock()
}

// BeginTransfer transitions Idle -> Starting, failing if a transfer is
// already in flight (exactly one transfer at a time, per spec.md §3).
func (s *Session) BeginTransfer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transferState != TransferIdle {
		return false
	}

	s.transferState = TransferStarting
	s.abortRequested = false

	return true
}

// SetTransferRunning transitions Starting -> Running.
func (s *Session) SetTransferRunning() {
	s.mu.Lock()
	s.transferState = TransferRunning
	s.mu.Unlock()
}

// EndTransfer transitions the transfer state back to Idle and clears
// abort_requested. It does not touch the WaitGroup QUIT drains; WorkerDone
// releases that.
func (s *Session) EndTransfer() {
	s.mu.Lock()
	s.transferState = TransferIdle
	s.abortRequested = false
	s.mu.Unlock()
}

// TrackWorker registers a running worker goroutine so QUIT can wait for it.
func (s *Session) TrackWorker() {
	s.transferWG.Add(1)
}

// WorkerDone marks a tracked worker goroutine finished.
func (s *Session) WorkerDone() {
	s.transferWG.Done()
}

// WaitForTransfer blocks until any in-flight transfer worker has finished.
func (s *Session) WaitForTransfer() {
	s.transferWG.Wait()
}

// StatsSnapshot returns a copy of the session's statistics counters.
func (s *Session) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

func (s *Session) addBytesUp(n int64)   { s.mu.Lock(); s.stats.BytesUp += n; s.mu.Unlock() }
func (s *Session) addBytesDown(n int64) { s.mu.Lock(); s.stats.BytesDown += n; s.mu.Unlock() }
func (s *Session) addFileUp()           { s.mu.Lock(); s.stats.FilesUp++; s.mu.Unlock() }
func (s *Session) addFileDown()         { s.mu.Lock(); s.stats.FilesDown++; s.mu.Unlock() }

// MarkClosing transitions the session into Closing, as QUIT requires.
func (s *Session) MarkClosing() {
	s.mu.Lock()
	s.state = StateClosing
	s.shouldQuit = true
	s.mu.Unlock()
}

// ShouldQuit reports whether the session loop should exit after this command.
func (s *Session) ShouldQuit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shouldQuit
}

// Reinitialize implements REIN: resets authentication, permissions, home,
// current directory, transfer parameters, data mode, REST/RNFR state and
// cancels any in-flight transfer, but preserves statistics (spec.md §4.7).
func (s *Session) Reinitialize() {
	if s.TransferStateValue() == TransferRunning {
		s.RequestAbort()
		s.WaitForTransfer()
	}

	s.closeDataChannelLocked()

	s.mu.Lock()
	s.state = StateConnected
	s.user = ""
	s.authenticated = nil
	s.currentVirtualDir = "/"
	s.transferType = protocol.TypeASCII
	s.restOffset = 0
	s.renameFrom = ""
	s.transferState = TransferIdle
	s.abortRequested = false
	s.mu.Unlock()
}

// Close tears down the control connection and any residual data resources.
func (s *Session) Close() error {
	s.closeDataChannelLocked()

	return s.conn.Close()
}

// PeerAddr returns the control connection's peer address.
func (s *Session) PeerAddr() (string, int) {
	return s.peerIP, s.peerPort
}

// Logger returns the session's logger.
func (s *Session) Logger() log.Logger {
	return s.cfg.Logger
}

// FS returns the session's filesystem façade.
func (s *Session) FS() *vfs.FS {
	return s.cfg.FS
}

// Locks returns the process-wide file-lock table.
func (s *Session) Locks() *filelock.Table {
	return s.cfg.Locks
}

// DataConnTimeout returns the configured data-channel establishment timeout.
func (s *Session) DataConnTimeout() time.Duration {
	return s.cfg.DataConnTimeout
}
