package user

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference vectors from EIP-55.
var checksumVectors = []string{
	"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
}

func TestChecksumAddressVectors(t *testing.T) {
	for _, want := range checksumVectors {
		got, err := ChecksumAddress(strings.ToLower(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)

		got, err = ChecksumAddress("0x" + strings.ToUpper(want[2:]))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestChecksumAddressInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"0x",
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAe",
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	} {
		_, err := ChecksumAddress(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNormalizeAddresses(t *testing.T) {
	got := NormalizeAddresses([]string{
		strings.ToLower(checksumVectors[0]),
		"not-an-address",
		checksumVectors[0],
		" " + checksumVectors[1] + " ",
	})
	assert.Equal(t, []string{checksumVectors[0], checksumVectors[1]}, got)
	assert.Empty(t, NormalizeAddresses(nil))
}
