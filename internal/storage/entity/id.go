package entity

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

// suffixLen is the number of base36 digits after the dash.
const suffixLen = 6

// suffixSpace is 36^suffixLen.
const suffixSpace = 36 * 36 * 36 * 36 * 36 * 36

// NewID returns an identifier made of the base36 encoded unix milliseconds of
// now, a dash, and six base36 digits drawn from a 48-bit random value.
//
// The format is compatible with identifiers generated by the browser client,
// so records created by either side sort and compare the same way.
func NewID(now time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[2:])
	r := binary.BigEndian.Uint64(b[:]) % suffixSpace
	s := strconv.FormatUint(r, 36)
	if n := suffixLen - len(s); n > 0 {
		s = strings.Repeat("0", n) + s
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + s
}

// FormatTime formats t the way CreatedAt is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
