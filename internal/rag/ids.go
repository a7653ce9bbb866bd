package rag

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// gregorianOffset is the number of 100ns intervals between the UUID epoch
// (1582-10-15) and the Unix epoch.
const gregorianOffset = 122192928000000000

// IDResolution is the clock resolution of a version 1 UUID. Timestamps read
// back with TimeFromID are t truncated to this step.
const IDResolution = 100 * time.Nanosecond

// MinPartitionInterval is the narrowest time bucket a backend accepts.
const MinPartitionInterval = time.Second

// NewID returns a version 1 UUID whose timestamp is t. The clock sequence and
// node are random so IDs minted for the same instant do not collide.
func NewID(t time.Time) string {
	var id uuid.UUID
	if _, err := rand.Read(id[8:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("rag: read random bytes: %v", err))
	}

	ticks := uint64(t.UnixNano()/int64(IDResolution)) + gregorianOffset
	binary.BigEndian.PutUint32(id[0:4], uint32(ticks))
	binary.BigEndian.PutUint16(id[4:6], uint16(ticks>>32))
	binary.BigEndian.PutUint16(id[6:8], uint16(ticks>>48)&0x0fff|0x1000)
	id[8] = id[8]&0x3f | 0x80

	return id.String()
}

// TimeFromID returns the timestamp embedded in a version 1 UUID.
func TimeFromID(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: id %q: %v", ErrInvalidArgument, id, err)
	}
	if u.Version() != 1 {
		return time.Time{}, fmt.Errorf("%w: id %q is not a time-based (v1) uuid", ErrInvalidArgument, id)
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}

// Normalize validates a record against the index dimension and returns a copy
// with normalized metadata.
func (r Record) Normalize(dimensions int) (Record, error) {
	if _, err := TimeFromID(r.ID); err != nil {
		return Record{}, err
	}
	if len(r.Embedding) != dimensions {
		return Record{}, fmt.Errorf("%w: record %s has %d dimensions, index expects %d",
			ErrInvalidArgument, r.ID, len(r.Embedding), dimensions)
	}
	md, err := NormalizeMetadata(r.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Metadata = md
	return r, nil
}

// PartitionOf returns the index of the time bucket of width interval that
// holds t. Backends use it to prune time-range scans. Intervals below one
// microsecond collapse every instant into bucket 0.
func PartitionOf(t time.Time, interval time.Duration) int64 {
	us := t.UnixMicro()
	step := interval.Microseconds()
	if step <= 0 {
		return 0
	}
	if us < 0 {
		return (us - step + 1) / step
	}
	return us / step
}

// CheckPartitionInterval rejects a partition interval narrower than
// MinPartitionInterval. Zero and negative values mean "use the default" and
// pass.
func CheckPartitionInterval(interval time.Duration) error {
	if interval > 0 && interval < MinPartitionInterval {
		return fmt.Errorf("%w: partition interval %s is below %s",
			ErrInvalidArgument, interval, MinPartitionInterval)
	}
	return nil
}
