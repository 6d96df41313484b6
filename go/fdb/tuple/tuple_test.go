package tuple

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var cases = []Tuple{
		{nil},
		{false, true},
		{int64(0), int64(1), int64(-1), int64(1 << 40), int64(-(1 << 40))},
		{"", "a", "ab", string([]byte{0x00, 0x01})},
		{[]byte{0x00, 0xff}},
		{float64(0), float64(-1.5), float64(1.5)},
		{Tuple{int64(1), "nested"}, int64(2)},
		{Tuple{nil, int64(1)}, int64(2)},
		{Tuple{Tuple{nil, nil}, "x"}},
	}
	for _, tc := range cases {
		var packed = Pack(tc)
		unpacked, err := Unpack(packed)
		require.NoError(t, err)
		require.EqualValues(t, tc, unpacked)
	}
}

func TestOrderPreserving(t *testing.T) {
	var ints = []int64{-1 << 40, -256, -1, 0, 1, 255, 256, 1 << 40}
	var packed = make([][]byte, len(ints))
	for i, v := range ints {
		packed[i] = Pack(Tuple{v})
	}
	require.True(t, sort.SliceIsSorted(packed, func(i, j int) bool {
		return bytes.Compare(packed[i], packed[j]) < 0
	}))

	var strs = []string{"", "a", "aa", "ab", "b"}
	packed = make([][]byte, len(strs))
	for i, v := range strs {
		packed[i] = Pack(Tuple{v})
	}
	require.True(t, sort.SliceIsSorted(packed, func(i, j int) bool {
		return bytes.Compare(packed[i], packed[j]) < 0
	}))

	var floats = []float64{-2.5, -1.5, -0.5, 0, 0.5, 1.5, 2.5}
	packed = make([][]byte, len(floats))
	for i, v := range floats {
		packed[i] = Pack(Tuple{v})
	}
	require.True(t, sort.SliceIsSorted(packed, func(i, j int) bool {
		return bytes.Compare(packed[i], packed[j]) < 0
	}))
}

func TestToInterface(t *testing.T) {
	var tup = Tuple{int64(1), "two"}
	require.Equal(t, []interface{}{int64(1), "two"}, tup.ToInterface())
}
