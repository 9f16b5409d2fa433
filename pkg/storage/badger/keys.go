package badger

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key layout, one prefix per table:
//
//	r/<device hash:8><recorded_at:8><id:8>  raw reading
//	m/<device hash:8><recorded_at:8>        metric row, unique per instant
//	s/<device id>                           snapshot
//
// recorded_at is Unix microseconds with the sign bit flipped so keys sort by time.
// Records are truncated to microseconds, and the range covers every accepted reading time.
var (
	prefixRaw      = []byte("r/")
	prefixMetric   = []byte("m/")
	prefixSnapshot = []byte("s/")

	seqRaw    = []byte("seq/raw")
	seqMetric = []byte("seq/metric")
)

const (
	hashLen = 8
	tsLen   = 8
	idLen   = 8
)

func deviceHash(deviceID string) uint64 {
	return xxhash.Sum64String(deviceID)
}

// devicePrefix returns prefix + device hash, the scan prefix for one device.
func devicePrefix(prefix []byte, deviceID string) []byte {
	key := make([]byte, len(prefix)+hashLen)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], deviceHash(deviceID))
	return key
}

func encodeTime(ts time.Time) uint64 {
	return uint64(ts.UnixMicro()) ^ (1 << 63)
}

func decodeTime(v uint64) time.Time {
	return time.UnixMicro(int64(v ^ (1 << 63))).UTC()
}

func metricKey(deviceID string, ts time.Time) []byte {
	key := devicePrefix(prefixMetric, deviceID)
	return binary.BigEndian.AppendUint64(key, encodeTime(ts))
}

func rawKey(deviceID string, ts time.Time, id uint64) []byte {
	key := devicePrefix(prefixRaw, deviceID)
	key = binary.BigEndian.AppendUint64(key, encodeTime(ts))
	return binary.BigEndian.AppendUint64(key, id)
}

func snapshotKey(deviceID string) []byte {
	key := make([]byte, 0, len(prefixSnapshot)+len(deviceID))
	key = append(key, prefixSnapshot...)
	return append(key, deviceID...)
}

// keyTime extracts the recorded time of a raw or metric key.
func keyTime(key []byte) (time.Time, bool) {
	start := 2 + hashLen
	if len(key) < start+tsLen {
		return time.Time{}, false
	}
	return decodeTime(binary.BigEndian.Uint64(key[start : start+tsLen])), true
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// the seek target of a reverse scan.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
