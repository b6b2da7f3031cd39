package peer

import (
	"bytes"
	"testing"

	"kadnode/internal/testutil"
)

func FuzzReadNodesDat(f *testing.F) {
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{1, 0, 0, 0, 0xff})
	f.Add(append([]byte{1, 0, 0, 0}, make([]byte, 25)...))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			peers, err := ReadNodesDat(bytes.NewReader(data))
			if err != nil {
				return
			}
			var buf bytes.Buffer
			if err := WriteNodesDat(&buf, peers); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		})
	})
}
