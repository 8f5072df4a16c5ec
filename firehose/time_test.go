package firehose

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, s := range []string{
		"2024-09-09T19:46:02.102Z",
		"2024-09-09T19:46:02.102000Z",
		"2024-09-09T19:46:02.102-07:00",
		"2024-09-09T19:46:02Z",
		"2024-09-09T19:46:02+02:00",
		"2024-09-09T19:46:02.102938473Z",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(err, s)
		require.Equal(2024, ts.Year())
	}

	_, err := ParseTimestamp("last tuesday")
	require.Error(err)
	_, err = ParseTimestamp("")
	require.Error(err)
}
