package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ID is a parsed stream entry ID.
type ID struct {
	Ms  uint64
	Seq uint64
}

// String formats the ID as "<ms>-<seq>".
func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Time returns the wall-clock time encoded in the ID.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.Ms)).UTC()
}

// ParseID parses "<ms>-<seq>" or a bare "<ms>" (sequence 0).
func ParseID(s string) (ID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if !hasSeq {
		return ID{Ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// IDFromTime returns the lowest ID at or after t.
func IDFromTime(t time.Time) string {
	return ID{Ms: uint64(t.UnixMilli())}.String()
}

// EndIDFromTime returns the highest ID within t's millisecond.
func EndIDFromTime(t time.Time) string {
	return ID{Ms: uint64(t.UnixMilli()), Seq: math.MaxUint64}.String()
}

// TimeFromID returns the time an entry was appended.
func TimeFromID(s string) (time.Time, error) {
	id, err := ParseID(s)
	if err != nil {
		return time.Time{}, err
	}
	return id.Time(), nil
}

// NextID returns the smallest ID greater than s, for exclusive range scans.
func NextID(s string) (string, error) {
	id, err := ParseID(s)
	if err != nil {
		return "", err
	}
	if id.Seq == math.MaxUint64 {
		return ID{Ms: id.Ms + 1}.String(), nil
	}
	return ID{Ms: id.Ms, Seq: id.Seq + 1}.String(), nil
}

// CompareIDs returns -1, 0 or 1. Unparseable IDs sort first.
func CompareIDs(a, b string) int {
	ia, errA := ParseID(a)
	ib, errB := ParseID(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case ia.Less(ib):
		return -1
	case ib.Less(ia):
		return 1
	}
	return 0
}
