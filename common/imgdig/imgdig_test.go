package imgdig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := []byte("not a real firmware image")
	d := FromData(data)
	require.NotEqual(t, Zero, d)
	require.NoError(t, d.Check(data))
	require.Error(t, d.Check(data[1:]))

	d2, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d, d2)
}

func TestParse(t *testing.T) {
	_, err := Parse("abcd")
	require.Error(t, err)
	_, err = Parse("not hex at all!")
	require.Error(t, err)
	d, err := Parse("a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447")
	require.NoError(t, err)
	require.Equal(t, FromData([]byte("hello world\n")), d)
}
