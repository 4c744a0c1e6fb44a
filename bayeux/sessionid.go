package bayeux

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// SecureSessionId generates an opaque session id. The id embeds the
// network connection name for log correlation; the unguessable part is
// a ulid drawn from crypto/rand plus eight more random bytes. An
// attacker who does not hold an id cannot guess one.
func SecureSessionId(connectionName string) string {
	id := ulid.MustNew(ulid.Now(), rand.Reader)

	var tail [8]byte
	if _, err := rand.Read(tail[:]); err != nil {
		panic(err)
	}

	return fmt.Sprintf("%s/%s%s", connectionName, id.String(), hex.EncodeToString(tail[:]))
}
