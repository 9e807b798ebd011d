package hostnames

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "example.com", Normalize("Example.COM."))
	require.Equal(t, "", Normalize("   "))
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "db-1.example.com:3306", NormalizeAddress("DB-1.Example.COM:3306"))
	require.Equal(t, "example.com", NormalizeAddress("Example.COM"))
}
