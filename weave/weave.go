package weave

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

/*
Coordinates concurrent edits on a shared visual graph with properties:
- edits are gated by best-effort per-resource and per-area locks
- every accepted mutation is appended to a replayable history log
- presence and selection are broadcast to all connected editors
- session lifecycle and versions are mirrored to a durable event log

The exclusion provided here is best effort, not linearizable: the
underlying store propagates asynchronously, so two clients can both
observe a resource as free and both acquire it before convergence.
Callers that need strong consistency must arbitrate elsewhere.
*/

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session exists")
	ErrLogClosed       = errors.New("event log closed")
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

// value receiver so ids embedded in structs marshal as uuid text even
// when the enclosing struct is marshaled by value
func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// timestamps throughout are unix milliseconds from the local wall clock.
// cross-client ordering is reconstructed at read time by timestamp sort,
// which is vulnerable to clock skew. no logical clock is used.
type Millis = int64

func NowMillis() Millis {
	return time.Now().UnixMilli()
}
