// Package mp4 provides minimal ISO-BMFF box inspection.
//
// The scanner only walks top-level boxes; locating moov and mdat is enough
// to decide whether a file is already optimized for streaming.
package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Well-known top-level box types.
const (
	AtomMoov = "moov"
	AtomMdat = "mdat"
)

const (
	headerSize         = 8
	extendedHeaderSize = 16
)

// ScanTopLevelAtoms walks the top-level boxes of the file at path and
// returns the byte offset of the first moov and mdat boxes seen.
// The scan stops early once both are known.
//
// Box headers are 4-byte big-endian size + 4-byte ASCII type. A size of 1
// means an 8-byte extended size follows the type; a size of 0 means the box
// extends to end of file. A declared size smaller than its own header is
// malformed and terminates the scan with whatever was found so far.
func ScanTopLevelAtoms(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	return scanAtoms(f, info.Size())
}

// scanAtoms implements the walk against any ReadSeeker; split out for tests.
func scanAtoms(r io.ReadSeeker, fileSize int64) (map[string]int64, error) {
	offsets := make(map[string]int64)

	var header [headerSize]byte
	var offset int64

	for offset+headerSize <= fileSize {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return offsets, fmt.Errorf("reading box header at %d: %w", offset, err)
		}

		atomSize := int64(binary.BigEndian.Uint32(header[:4]))
		atomType := string(header[4:8])
		hdrSize := int64(headerSize)

		switch atomSize {
		case 1:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return offsets, nil
			}
			atomSize = int64(binary.BigEndian.Uint64(ext[:]))
			hdrSize = extendedHeaderSize
		case 0:
			atomSize = fileSize - offset
		}

		if atomType == AtomMoov || atomType == AtomMdat {
			if _, seen := offsets[atomType]; !seen {
				offsets[atomType] = offset
				if len(offsets) == 2 {
					return offsets, nil
				}
			}
		}

		if atomSize < hdrSize {
			// Malformed header; stop with whatever we have.
			return offsets, nil
		}

		if _, err := r.Seek(atomSize-hdrSize, io.SeekCurrent); err != nil {
			return offsets, fmt.Errorf("seeking past box at %d: %w", offset, err)
		}
		offset += atomSize
	}

	return offsets, nil
}

// NeedsFaststart reports whether the scanned offsets indicate the moov index
// follows the media data. It returns false when either box is missing: a file
// we cannot interpret is left alone.
func NeedsFaststart(offsets map[string]int64) bool {
	moov, haveMoov := offsets[AtomMoov]
	mdat, haveMdat := offsets[AtomMdat]
	if !haveMoov || !haveMdat {
		return false
	}
	return moov > mdat
}
