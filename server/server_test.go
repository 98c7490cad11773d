package server

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	lognoop "github.com/fclairamb/go-log/noop"
	"github.com/secsy/goftp"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/goftpkernel/auth"
)

const (
	testUser = "test"
	testPass = "test"
)

// newTestServer boots a Server rooted at a fresh temp directory, bound to
// 127.0.0.1 on an ephemeral port, and registers its shutdown for cleanup.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	root := t.TempDir()

	store := auth.NewStore(auth.AnonymousPolicy{Enabled: true, Home: "/", Permissions: auth.PermRead})
	require.NoError(t, store.Load(strings.NewReader(auth.EncodeRecord(testUser, testPass, "/", auth.PermAll, nil))))

	srv := New(ServerConfig{
		Addr:            "127.0.0.1",
		Port:            0,
		RootAbs:         root,
		MaxConnections:  50,
		IdleTimeout:     5 * time.Second,
		DataConnTimeout: 3 * time.Second,
		PassivePortMin:  30100,
		PassivePortMax:  30999,
		Logger:          lognoop.NewNoOpLogger(),
		Store:           store,
	})

	go func() { _ = srv.ListenAndServe() }()
	waitUntilListening(t, srv)

	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv
}

func waitUntilListening(t *testing.T, srv *Server) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func dialTestClient(t *testing.T, srv *Server, user, pass string) *goftp.Client {
	t.Helper()

	client, err := goftp.DialConfig(goftp.Config{User: user, Password: pass}, srv.Addr())
	require.NoError(t, err, "couldn't connect")

	t.Cleanup(func() { _ = client.Close() })

	return client
}

// rawControlConn is a bare control connection the command-loop state gate
// can be driven against directly, without goftp's client-side login flow
// getting in the way.
type rawControlConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRawControl(t *testing.T, srv *Server) *rawControlConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	rc := &rawControlConn{conn: conn, r: bufio.NewReader(conn)}
	_, _, err = rc.readLine(t) // banner
	require.NoError(t, err)

	return rc
}

func (rc *rawControlConn) send(t *testing.T, line string) {
	t.Helper()

	_, err := rc.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func (rc *rawControlConn) readLine(t *testing.T) (int, string, error) {
	t.Helper()

	line, err := rc.r.ReadString('\n')
	if err != nil {
		return 0, "", err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return 0, line, nil
	}

	code, convErr := strconv.Atoi(line[:3])
	if convErr != nil {
		return 0, line, nil
	}

	return code, line, nil
}

func (rc *rawControlConn) sendAndRead(t *testing.T, line string) (int, string) {
	t.Helper()

	rc.send(t, line)

	code, resp, err := rc.readLine(t)
	require.NoError(t, err)

	return code, resp
}

func TestConnectedStateRejectsCommandsOtherThanUserQuitNoop(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRawControl(t, srv)

	code, resp := rc.sendAndRead(t, "NOOP")
	require.Equal(t, codeOK, code, resp)

	code, resp = rc.sendAndRead(t, "PASV")
	require.Equal(t, codeNotLoggedIn, code, resp)

	code, resp = rc.sendAndRead(t, "TYPE I")
	require.Equal(t, codeNotLoggedIn, code, resp)

	code, resp = rc.sendAndRead(t, "SYST")
	require.Equal(t, codeNotLoggedIn, code, resp)

	code, resp = rc.sendAndRead(t, "CWD /")
	require.Equal(t, codeNotLoggedIn, code, resp)
}

func TestAwaitingPasswordStateRejectsCommandsOtherThanAllowList(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRawControl(t, srv)

	code, resp := rc.sendAndRead(t, fmt.Sprintf("USER %s", testUser))
	require.Equal(t, codeNeedPassword, code, resp)

	code, resp = rc.sendAndRead(t, "NOOP")
	require.Equal(t, codeOK, code, resp)

	code, resp = rc.sendAndRead(t, "PASV")
	require.Equal(t, codeBadSequence, code, resp)

	code, resp = rc.sendAndRead(t, "FEAT")
	require.Equal(t, codeBadSequence, code, resp)

	code, resp = rc.sendAndRead(t, fmt.Sprintf("PASS %s", testPass))
	require.Equal(t, codeLoggedIn, code, resp)
}

func TestAnonymousLoginAndListing(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, "anonymous", "guest@example.com")

	_, err := client.ReadDir("/")
	require.NoError(t, err)
}

func TestAuthenticatedLoginFailureWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass+"_wrong")

	_, err := client.ReadDir("/")
	require.Error(t, err)
}

func TestUnknownUserLoginFailure(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, "nobody", "whatever")

	_, err := client.ReadDir("/")
	require.Error(t, err)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 500)

	require.NoError(t, client.Store("sample.bin", bytes.NewReader(payload)))

	hasher := sha256.New()
	require.NoError(t, client.Retrieve("sample.bin", hasher))

	want := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(want[:]), hex.EncodeToString(hasher.Sum(nil)))
}

func TestRestartOffsetResumesTransfer(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	content := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, client.Store("resume.bin", bytes.NewReader(content)))

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	const offset = 4096

	// PASV clears any pending REST offset, so the data connection is
	// prepared before REST is sent.
	dcGetter, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, resp, err := raw.SendCommand(fmt.Sprintf("REST %d", offset))
	require.NoError(t, err)
	require.Equal(t, codeNeedMoreInfo, code, resp)

	code, resp, err = raw.SendCommand("RETR resume.bin")
	require.NoError(t, err)
	require.Equal(t, codePreliminary, code, resp)

	dc, err := dcGetter()
	require.NoError(t, err)

	got, err := io.ReadAll(dc)
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	code, resp, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, codeTransferComplete, code, resp)

	require.Equal(t, content[offset:], got)
}

func TestConcurrentStorRetrContentionReturns450(t *testing.T) {
	srv := newTestServer(t)

	owner := dialTestClient(t, srv, testUser, testPass)
	require.NoError(t, owner.Store("race.bin", bytes.NewReader([]byte("seed data"))))

	raw1, err := owner.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw1.Close() })

	dcGetter, err := raw1.PrepareDataConn()
	require.NoError(t, err)

	code, resp, err := raw1.SendCommand("STOR race.bin")
	require.NoError(t, err)
	require.Equal(t, codePreliminary, code, resp)

	other := dialTestClient(t, srv, testUser, testPass)

	raw2, err := other.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw2.Close() })

	code, resp, err = raw2.SendCommand("RETR race.bin")
	require.NoError(t, err)
	require.Equal(t, codeFileBusy, code, resp)

	dc, err := dcGetter()
	require.NoError(t, err)
	_, err = dc.Write([]byte("new content"))
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	code, resp, err = raw1.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, codeTransferComplete, code, resp)
}

func TestAborWithoutActiveTransferReturns225(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	code, resp, err := raw.SendCommand("ABOR")
	require.NoError(t, err)
	require.Equal(t, 225, code, resp)
}

// TestAborDuringActiveTransferReturns426Then226 drives the real S4 path:
// ABOR arrives while the worker is blocked reading the data connection, so
// RequestAbort closes that connection out from under it. The blocked Read
// must still be classified as statusAborted rather than an ordinary
// connection error, producing the mandated 426-then-226 reply pair. The
// partial write below with no close is what reliably puts the worker in a
// blocking Read, so no sleep is needed to win the race.
func TestAborDuringActiveTransferReturns426Then226(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	dcGetter, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, resp, err := raw.SendCommand("STOR abort.bin")
	require.NoError(t, err)
	require.Equal(t, codePreliminary, code, resp)

	dc, err := dcGetter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dc.Close() })

	_, err = dc.Write([]byte("partial"))
	require.NoError(t, err)

	require.NoError(t, raw.SendCommandNoWaitResponse("ABOR"))

	code, resp, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, codeConnClosedAborted, code, resp)

	code, resp, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, codeTransferComplete, code, resp)
}

func TestPathTraversalRejected(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	code, resp, err := raw.SendCommand("CWD ../../../../etc")
	require.NoError(t, err)
	require.Equal(t, codeActionNotTaken, code, resp)
}

func TestRenameSequenceAndMissingRnfr(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	require.NoError(t, client.Store("old.bin", bytes.NewReader([]byte("payload"))))

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	code, resp, err := raw.SendCommand("RNTO new.bin")
	require.NoError(t, err)
	require.Equal(t, codeBadSequence, code, resp)

	code, resp, err = raw.SendCommand("RNFR old.bin")
	require.NoError(t, err)
	require.Equal(t, codeNeedMoreInfo, code, resp)

	code, resp, err = raw.SendCommand("RNTO new.bin")
	require.NoError(t, err)
	require.Equal(t, codeFileActionOK, code, resp)

	entries, err := client.ReadDir("/")
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.Name() == "new.bin" {
			found = true
		}
	}
	require.True(t, found, "expected new.bin after rename")
}

func TestMkdirRmdirAndPwd(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	wd, err := client.Getwd()
	require.NoError(t, err)
	require.Equal(t, "/", wd)

	_, err = client.Mkdir("uploads")
	require.NoError(t, err)

	entries, err := client.ReadDir("/")
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.Name() == "uploads" {
			found = true
		}
	}
	require.True(t, found, "expected uploads in directory listing")

	require.NoError(t, client.Rmdir("uploads"))
}

func TestDeleteMissingFileReturnsError(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	require.Error(t, client.Delete("does-not-exist.bin"))
}

func TestQuitEndsSession(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	code, resp, err := raw.SendCommand("QUIT")
	require.NoError(t, err)
	require.Equal(t, codeClosing, code, resp)

	_ = raw.Close()
}

func TestSizeAndMdtm(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	payload := []byte("twelve bytes")
	require.NoError(t, client.Store("meta.bin", bytes.NewReader(payload)))

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	code, resp, err := raw.SendCommand("SIZE meta.bin")
	require.NoError(t, err)
	require.Equal(t, codeFileStatus, code, resp)
	require.Equal(t, strconv.Itoa(len(payload)), resp)

	code, resp, err = raw.SendCommand("MDTM meta.bin")
	require.NoError(t, err)
	require.Equal(t, codeFileStatus, code, resp)
	require.Len(t, resp, 14)
}

func TestTypeStruModeSyst(t *testing.T) {
	srv := newTestServer(t)
	client := dialTestClient(t, srv, testUser, testPass)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	code, _, err := raw.SendCommand("TYPE I")
	require.NoError(t, err)
	require.Equal(t, codeOK, code)

	code, _, err = raw.SendCommand("STRU F")
	require.NoError(t, err)
	require.Equal(t, codeOK, code)

	code, _, err = raw.SendCommand("MODE S")
	require.NoError(t, err)
	require.Equal(t, codeOK, code)

	code, resp, err := raw.SendCommand("SYST")
	require.NoError(t, err)
	require.Equal(t, codeSystemType, code)
	require.Equal(t, "UNIX Type: L8", resp)

	code, _, err = raw.SendCommand("STRU X")
	require.NoError(t, err)
	require.Equal(t, codeNotImplementedParam, code)
}

func TestMaxConnectionsEnforced(t *testing.T) {
	root := t.TempDir()
	store := auth.NewStore(auth.AnonymousPolicy{Enabled: true, Home: "/", Permissions: auth.PermRead})

	srv := New(ServerConfig{
		Addr:           "127.0.0.1",
		Port:           0,
		RootAbs:        root,
		MaxConnections: 1,
		Logger:         lognoop.NewNoOpLogger(),
		Store:          store,
	})

	go func() { _ = srv.ListenAndServe() }()
	waitUntilListening(t, srv)

	t.Cleanup(func() { _ = srv.Shutdown() })

	first, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	buf := make([]byte, 256)
	n, err := first.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "220")

	second, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer second.Close()

	n, err = second.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "421")
}

func TestShutdownClosesListener(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	require.NoError(t, srv.Shutdown())

	_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	require.Error(t, err)
}
