package gallery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf8"
)

const (
	artifactMagic   = "FGMA"
	artifactVersion = uint16(1)

	// Obergrenzen schützen vor absurden Längenfeldern in beschädigten Dateien
	maxLabelLen   = 4096
	maxAdapterLen = 255
)

// Artifact ist das trainierte Erkennungsmodell zusammen mit seiner Label-Tabelle.
// Labels[i] ist die Identität hinter dem internen Label-Index i des Modells.
type Artifact struct {
	Adapter string
	Labels  []string
	Model   []byte
}

// MarshalBinary kodiert das Artefakt im versionierten Dateiformat:
//
//	"FGMA" | version u16 | adapter (u16 len + bytes) | labels (u32 count, je u32 len + bytes)
//	| model (u32 len + bytes) | crc32 (IEEE) über alle vorherigen Bytes
//
// Alle Zahlen sind little-endian.
func (a *Artifact) MarshalBinary() ([]byte, error) {
	if len(a.Adapter) == 0 || len(a.Adapter) > maxAdapterLen {
		return nil, fmt.Errorf("adapter name length %d out of range", len(a.Adapter))
	}

	var buf bytes.Buffer
	buf.WriteString(artifactMagic)
	le := binary.LittleEndian

	buf.Write(le.AppendUint16(nil, artifactVersion))
	buf.Write(le.AppendUint16(nil, uint16(len(a.Adapter))))
	buf.WriteString(a.Adapter)

	buf.Write(le.AppendUint32(nil, uint32(len(a.Labels))))
	for _, label := range a.Labels {
		if len(label) > maxLabelLen || !utf8.ValidString(label) {
			return nil, fmt.Errorf("label %q is not encodable", label)
		}
		buf.Write(le.AppendUint32(nil, uint32(len(label))))
		buf.WriteString(label)
	}

	buf.Write(le.AppendUint32(nil, uint32(len(a.Model))))
	buf.Write(a.Model)

	sum := crc32.ChecksumIEEE(buf.Bytes())
	buf.Write(le.AppendUint32(nil, sum))
	return buf.Bytes(), nil
}

// UnmarshalArtifact dekodiert ein Artefakt. Jede Abweichung vom Format
// liefert ErrModelInconsistency.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	if len(data) < len(artifactMagic)+2+4 {
		return nil, fmt.Errorf("artifact truncated (%d bytes): %w", len(data), ErrModelInconsistency)
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("artifact checksum mismatch: %w", ErrModelInconsistency)
	}

	r := &artifactReader{buf: body}
	if string(r.next(len(artifactMagic))) != artifactMagic {
		return nil, fmt.Errorf("artifact magic mismatch: %w", ErrModelInconsistency)
	}
	if v := r.u16(); r.err == nil && v != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d: %w", v, ErrModelInconsistency)
	}

	a := &Artifact{}
	a.Adapter = string(r.next(int(r.u16())))

	count := r.u32()
	if r.err == nil && uint64(count) > uint64(len(body)) {
		return nil, fmt.Errorf("artifact label count %d exceeds payload: %w", count, ErrModelInconsistency)
	}
	a.Labels = make([]string, 0, count)
	for i := uint32(0); i < count && r.err == nil; i++ {
		n := r.u32()
		if n > maxLabelLen {
			r.err = fmt.Errorf("label %d too long (%d bytes)", i, n)
			break
		}
		a.Labels = append(a.Labels, string(r.next(int(n))))
	}

	a.Model = append([]byte(nil), r.next(int(r.u32()))...)

	if r.err != nil {
		return nil, fmt.Errorf("artifact malformed: %v: %w", r.err, ErrModelInconsistency)
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("artifact has %d trailing bytes: %w", len(body)-r.off, ErrModelInconsistency)
	}
	return a, nil
}

type artifactReader struct {
	buf []byte
	off int
	err error
}

func (r *artifactReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("unexpected end of data at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *artifactReader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *artifactReader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
