// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"strings"

	"golang.org/x/crypto/md4"

	"kadnode/internal/kad"
)

// -----------------------------------------------------------------------------
// MD4 identifiers
//
// Kademlia keys in the eDonkey family are MD4 digests. Node and keyword IDs
// given as plain strings are hashed; strings starting with '#' are literal
// hex identifiers.
// -----------------------------------------------------------------------------

func MD4(msg []byte) kad.ID {
	h := md4.New()
	_, _ = h.Write(msg)
	var id kad.ID
	copy(id[:], h.Sum(nil))
	return id
}

func HashID(s string) (kad.ID, error) {
	if strings.HasPrefix(s, "#") {
		return kad.ParseID(s)
	}
	return MD4([]byte(s)), nil
}

// -----------------------------------------------------------------------------
// Random identifiers
// -----------------------------------------------------------------------------

func RandomID() (kad.ID, error) {
	var id kad.ID
	if _, err := rand.Read(id[:]); err != nil {
		return kad.ID{}, err
	}
	return id, nil
}

func LocalID(id kad.ID) (kad.ID, error) {
	if !id.IsZero() {
		return id, nil
	}
	return RandomID()
}
