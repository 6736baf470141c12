package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// magic starts every entry. The trailing digit is the format version.
var magic = [4]byte{'T', 'C', 'E', '1'}

// ErrBadMagic is returned when an entry does not start with the expected
// magic bytes, usually because it was written by an incompatible version.
var ErrBadMagic = errors.New("not a build cache entry")

// header precedes the compressed body of every entry:
//
//	magic [4]byte | codec uint8 | outputID len uint16 | outputID | size uint64 | put time int64
//
// All integers are big-endian. Size is the uncompressed body size and put
// time is in unix seconds.
type header struct {
	Codec    Codec
	OutputID []byte
	Size     int64
	PutTime  time.Time
}

func (h header) writeTo(w io.Writer) error {
	if len(h.OutputID) > math.MaxUint16 {
		return fmt.Errorf("output ID too long: %d bytes", len(h.OutputID))
	}
	if h.Size < 0 {
		return fmt.Errorf("invalid body size %d", h.Size)
	}

	buf := make([]byte, 0, len(magic)+1+2+len(h.OutputID)+8+8)
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(h.Codec))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.OutputID)))
	buf = append(buf, h.OutputID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Size))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.PutTime.Unix()))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (header, error) {
	var fixed [len(magic) + 1 + 2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return header{}, fmt.Errorf("failed to read entry header: %w", err)
	}
	if [4]byte(fixed[:4]) != magic {
		return header{}, ErrBadMagic
	}

	h := header{Codec: Codec(fixed[4])}
	switch h.Codec {
	case CodecNone, CodecLZ4, CodecZstd:
	default:
		return header{}, fmt.Errorf("unknown entry codec %d", fixed[4])
	}

	h.OutputID = make([]byte, binary.BigEndian.Uint16(fixed[5:7]))
	if _, err := io.ReadFull(r, h.OutputID); err != nil {
		return header{}, fmt.Errorf("failed to read output ID: %w", err)
	}

	var tail [16]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return header{}, fmt.Errorf("failed to read entry header: %w", err)
	}
	size := binary.BigEndian.Uint64(tail[:8])
	if size > math.MaxInt64 {
		return header{}, fmt.Errorf("invalid body size %d", size)
	}
	h.Size = int64(size)
	h.PutTime = time.Unix(int64(binary.BigEndian.Uint64(tail[8:])), 0)
	return h, nil
}
