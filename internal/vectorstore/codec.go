package vectorstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

var vectorMagic = [4]byte{'Q', 'A', 'V', 'X'}

const vectorFormatVersion = 1

type vectorHeader struct {
	Magic     [4]byte
	Version   uint32
	Count     uint32
	Dimension uint32
}

// encodeVectors writes a fixed header followed by row-major little-endian
// float32 values.
func encodeVectors(w io.Writer, dim int, vectors [][]float32) error {
	bw := bufio.NewWriter(w)
	hdr := vectorHeader{
		Magic:     vectorMagic,
		Version:   vectorFormatVersion,
		Count:     uint32(len(vectors)),
		Dimension: uint32(dim),
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, 4*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		for j, f := range v {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(f))
		}
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("write vector %d: %w", i, err)
		}
	}
	return bw.Flush()
}

func decodeVectors(r io.Reader) (int, [][]float32, error) {
	br := bufio.NewReader(r)
	var hdr vectorHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return 0, nil, fmt.Errorf("%w: read header: %v", ErrIndexCorrupt, err)
	}
	if hdr.Magic != vectorMagic || hdr.Version != vectorFormatVersion {
		return 0, nil, fmt.Errorf("%w: unknown vector format", ErrIndexCorrupt)
	}
	if hdr.Count > 0 && hdr.Dimension == 0 {
		return 0, nil, fmt.Errorf("%w: zero dimension", ErrIndexCorrupt)
	}

	dim := int(hdr.Dimension)
	vectors := make([][]float32, 0, min(int(hdr.Count), 1<<16))
	buf := make([]byte, 4*dim)
	for i := range int(hdr.Count) {
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, nil, fmt.Errorf("%w: vector %d truncated", ErrIndexCorrupt, i)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors = append(vectors, v)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return 0, nil, fmt.Errorf("%w: trailing bytes after %d vectors", ErrIndexCorrupt, hdr.Count)
	}
	return dim, vectors, nil
}
