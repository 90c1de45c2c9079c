package gallery

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifact_EmptyLabels(t *testing.T) {
	in := &Artifact{Adapter: "lbph", Labels: []string{}, Model: []byte{}}
	data, err := in.MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, "lbph", out.Adapter)
	assert.Empty(t, out.Labels)
	assert.Empty(t, out.Model)
}

func TestArtifact_RejectsMalformed(t *testing.T) {
	valid, err := (&Artifact{Adapter: "lbph", Labels: []string{"alice", "bob"}, Model: []byte("model")}).MarshalBinary()
	require.NoError(t, err)

	// reseal berechnet die Prüfsumme neu, damit der Strukturfehler und nicht die CRC greift
	reseal := func(body []byte) []byte {
		out := append([]byte(nil), body...)
		return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
	}
	body := valid[:len(valid)-4]

	badMagic := append([]byte("XXXX"), body[4:]...)
	badVersion := append([]byte(nil), body...)
	binary.LittleEndian.PutUint16(badVersion[4:], 42)
	truncated := body[:len(body)-3]
	hugeCount := append([]byte(nil), body...)
	// Offset: magic(4) + version(2) + adapterLen(2) + "lbph"(4)
	binary.LittleEndian.PutUint32(hugeCount[12:], 1<<30)

	cases := map[string][]byte{
		"empty":       nil,
		"short":       []byte("FGMA"),
		"crc":         append(append([]byte(nil), body...), 0, 0, 0, 0),
		"magic":       reseal(badMagic),
		"version":     reseal(badVersion),
		"truncated":   reseal(truncated),
		"label count": reseal(hugeCount),
		"trailing":    reseal(append(append([]byte(nil), body...), 1, 2, 3)),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalArtifact(data)
			assert.ErrorIs(t, err, ErrModelInconsistency)
		})
	}
}

func TestArtifact_RequiresAdapterName(t *testing.T) {
	_, err := (&Artifact{Labels: []string{"a"}}).MarshalBinary()
	assert.Error(t, err)
}
