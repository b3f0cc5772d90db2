// Package userdir implements the server-side user directory (C6): an
// immutable-after-load name-to-credential table consulted once per
// handshake.
//
// Grounded on original_source/src/fuser.c's fuser_userdict_create/
// fuser_add_user/fuser_find_user, generalized from that file's flat
// 16-byte key to the 32-byte SHA-256 digest spec.md's data model calls
// for (see pkg/fcrypto.DeriveUserKey/AESKey for the digest-to-AES-key
// split).
package userdir

import "github.com/fakio/fakio/pkg/fcrypto"

// MaxUsernameLen is the largest accepted username, matching
// original_source/src/fuser.h's MAX_USERNAME bound restated by spec.md §6.
const MaxUsernameLen = 255

// User is one directory record: a name and the SHA-256 digest of its
// password. Only the digest's first 16 bytes (fcrypto.AESKey) serve as
// the actual AES-128 key; the full digest is retained for parity with
// the credential format.
type User struct {
	Name string
	Key  [32]byte
}

// Directory is a name-indexed, read-mostly user table. The zero value is
// an empty directory ready to use. Per spec.md §5 it is built once during
// configuration load and never mutated after the reactor starts; callers
// must not call Add concurrently with Find.
type Directory struct {
	users map[string]User
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{users: make(map[string]User)}
}

// Add hashes password and stores the resulting record under name,
// overwriting any existing entry for that name.
func (d *Directory) Add(name, password string) error {
	if len(name) == 0 || len(name) > MaxUsernameLen {
		return errInvalidUsername(name)
	}
	if d.users == nil {
		d.users = make(map[string]User)
	}
	d.users[name] = User{Name: name, Key: fcrypto.DeriveUserKey(password)}
	return nil
}

// Find looks up name, returning the record and true, or the zero value
// and false if no such user exists.
func (d *Directory) Find(name string) (User, bool) {
	u, ok := d.users[name]
	return u, ok
}

// Len reports the number of users currently in the directory.
func (d *Directory) Len() int {
	return len(d.users)
}

type errInvalidUsername string

func (e errInvalidUsername) Error() string {
	return "userdir: invalid username length: " + string(e)
}
