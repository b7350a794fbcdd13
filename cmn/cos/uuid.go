package cos

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// alphabet for generated IDs; chosen, as upstream shortid recommends, to avoid
// characters that read ambiguously in logs (0/O, 1/l, etc.)
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid  *shortid.Shortid
	tie  uint32
	once sync.Once
)

func initSID() {
	sid = shortid.MustNew(1, idABC, uint64(time.Now().UnixNano()))
}

// GenID returns a short, log-friendly identifier for a session, transport,
// or swapchain, guaranteed to start and end with a letter.
func GenID() string {
	once.Do(initSID)
	id := sid.MustGenerate()
	var head, tail string
	if c := id[0]; !isAlpha(c) {
		head = string(rune('A' + int(atomic.AddUint32(&tie, 1))%26))
	}
	if c := id[len(id)-1]; !isAlpha(c) {
		tail = string(rune('a' + int(atomic.AddUint32(&tie, 1))%26))
	}
	return head + id + tail
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ChecksumPayload returns a fast, non-cryptographic digest of a byte blob,
// for log lines that need to identify content without printing it (the
// registry logs one per stored snapshot).
func ChecksumPayload(b []byte) uint64 {
	return xxhash.Checksum64(b)
}

// ShortChecksum formats ChecksumPayload for a log line.
func ShortChecksum(b []byte) string {
	return strconv.FormatUint(ChecksumPayload(b), 36)
}
