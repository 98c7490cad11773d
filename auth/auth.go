// Package auth is the credential store collaborator spec.md treats as an
// external dependency (needs only lookup/verify/an anonymous policy). It
// is grounded on the teacher's driver.go ClientDriver.CheckUserPassword
// contract, generalized into a standalone users.db-backed store with the
// permission bitset from spec.md §3.
package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Permission is a bitset over the operations spec.md §3 names.
type Permission uint8

const (
	PermRead   Permission = 0x01
	PermWrite  Permission = 0x02
	PermDelete Permission = 0x04
	PermRename Permission = 0x08
	PermMkdir  Permission = 0x10
	PermRmdir  Permission = 0x20
	PermAdmin  Permission = 0x40
	PermAll    Permission = 0xFF
)

// Has reports whether p contains every bit of required.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// ParsePermissions accepts either a hex ("0x1F"), decimal, or comma-joined
// symbolic form ("READ,WRITE") per spec.md §6.4.
func ParsePermissions(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty permissions field")
	}

	if strings.Contains(s, ",") || isSymbolic(s) {
		var p Permission

		for _, tok := range strings.Split(s, ",") {
			bit, ok := symbolicBits[strings.ToUpper(strings.TrimSpace(tok))]
			if !ok {
				return 0, fmt.Errorf("unknown permission token %q", tok)
			}

			p |= bit
		}

		return p, nil
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}

	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("bad permissions value %q: %w", s, err)
	}

	return Permission(v), nil
}

var symbolicBits = map[string]Permission{
	"READ":   PermRead,
	"WRITE":  PermWrite,
	"DELETE": PermDelete,
	"RENAME": PermRename,
	"MKDIR":  PermMkdir,
	"RMDIR":  PermRmdir,
	"ADMIN":  PermAdmin,
	"ALL":    PermAll,
}

func isSymbolic(s string) bool {
	_, ok := symbolicBits[strings.ToUpper(s)]
	return ok
}

// User is the immutable identity/authorization record from spec.md §3.
type User struct {
	Name        string
	Home        string
	Permissions Permission
}

// AnonymousPolicy configures the built-in "anonymous" pseudo-user.
type AnonymousPolicy struct {
	Enabled     bool
	Home        string
	Permissions Permission
}

// DefaultAnonymousPolicy mirrors spec.md §3's default: READ-only, rooted
// at "/".
func DefaultAnonymousPolicy() AnonymousPolicy {
	return AnonymousPolicy{Enabled: true, Home: "/", Permissions: PermRead}
}

type record struct {
	digest []byte // 32 bytes, from the 64-hex field
	salt   []byte // nil for the base 4-field record
	user   User
}

// errMalformedRow is wrapped by parseRecord with per-field context.
var errMalformedRow = errors.New("malformed credential record")

// Store is the process-wide, mutex-guarded credential table, loaded once
// from a users.db-style text file. Reads dominate, per spec.md §5.
type Store struct {
	mu        sync.RWMutex
	users     map[string]record
	anonymous AnonymousPolicy
}

// NewStore creates an empty store with the given anonymous policy.
func NewStore(policy AnonymousPolicy) *Store {
	return &Store{users: make(map[string]record), anonymous: policy}
}

// LoadFile parses a users.db file, one record per line, blank lines and
// lines starting with "#" ignored. Each line is either the base 4-field
// form `username:digest64hex:home_dir:permissions` or the extended
// 5-field form `username:digest64hex:home_dir:permissions:saltHex`.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()

	return s.Load(f)
}

// Load parses credential records from r, replacing the store's contents.
func (s *Store) Load(r io.Reader) error {
	users := make(map[string]record)

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		users[rec.user.Name] = rec
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()

	return nil
}

func parseRecord(line string) (record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 && len(fields) != 5 {
		return record{}, errMalformedRow
	}

	name := fields[0]

	digest, err := hex.DecodeString(fields[1])
	if err != nil || len(digest) != sha256.Size {
		return record{}, fmt.Errorf("%w: bad digest field", errMalformedRow)
	}

	home := fields[2]
	if !strings.HasPrefix(home, "/") {
		return record{}, fmt.Errorf("%w: home must be absolute", errMalformedRow)
	}

	perms, err := ParsePermissions(fields[3])
	if err != nil {
		return record{}, fmt.Errorf("%w: %v", errMalformedRow, err)
	}

	var salt []byte

	if len(fields) == 5 && fields[4] != "" {
		salt, err = hex.DecodeString(fields[4])
		if err != nil {
			return record{}, fmt.Errorf("%w: bad salt field", errMalformedRow)
		}
	}

	return record{
		digest: digest,
		salt:   salt,
		user:   User{Name: name, Home: home, Permissions: perms},
	}, nil
}

// pbkdf2Iterations and pbkdf2KeyLen implement the extended digest formula
// from SPEC_FULL.md §3.1: hex(pbkdf2.Key(password, salt, 100_000, 32, sha256.New)).
const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
)

func digestFor(password string, salt []byte) []byte {
	if salt != nil {
		return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	}

	sum := sha256.Sum256([]byte(password))

	return sum[:]
}

// Lookup returns the User record for name, without verifying a password.
func (s *Store) Lookup(name string) (User, bool) {
	if name == "anonymous" && s.anonymous.Enabled {
		return User{Name: "anonymous", Home: s.anonymous.Home, Permissions: s.anonymous.Permissions}, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[name]
	if !ok {
		return User{}, false
	}

	return rec.user, true
}

// Verify reports whether password is correct for name. The anonymous user
// accepts any password, per convention (the password is treated as an
// email address by the session, never checked here).
func (s *Store) Verify(name, password string) bool {
	if name == "anonymous" && s.anonymous.Enabled {
		return true
	}

	s.mu.RLock()
	rec, ok := s.users[name]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	got := digestFor(password, rec.salt)

	return subtle.ConstantTimeCompare(got, rec.digest) == 1
}

// EncodeRecord renders a credential line for tools that provision users.db
// files: the base 4-field format when salt is nil, otherwise the extended
// 5-field format.
func EncodeRecord(name, password, home string, perms Permission, salt []byte) string {
	digest := digestFor(password, salt)

	if salt == nil {
		return fmt.Sprintf("%s:%s:%s:0x%02X", name, hex.EncodeToString(digest), home, uint8(perms))
	}

	return fmt.Sprintf("%s:%s:%s:0x%02X:%s", name, hex.EncodeToString(digest), home, uint8(perms), hex.EncodeToString(salt))
}
