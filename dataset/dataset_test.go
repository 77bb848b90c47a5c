package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{
		"s3://chain-name",
		"/data/archives/eth-mainnet",
		"s3://bucket/with/deep/prefix?region=us-east-1",
	} {
		enc := Encode(s)
		require.NotContains(t, enc, "=")
		got, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := Decode("not-valid-base64-!!!")
	require.Error(t, err)
}
