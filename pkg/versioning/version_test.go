package versioning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	v := Current()
	require.NotNil(t, v)
	require.Equal(t, version, v.Original())

	old := version
	t.Cleanup(func() { version = old })
	version = "not-a-version"
	require.Equal(t, "0.0.0", Current().String())
}

func TestCurrentInfo(t *testing.T) {
	info := CurrentInfo()
	require.Equal(t, "v1", info.API)
	require.Equal(t, Current().String(), info.Version)
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		client, server string
		ok             bool
	}{
		{"1.2.0", "1.2.0", true},
		{"1.2.0", "1.9.3", true},
		{"1.2.0", "1.1.0", false},
		{"1.2.0", "2.0.0", false},
		{"0.1.0-dev", "0.1.4", true},
		{"0.1.0", "0.1.0-dev", true},
		{"0.1.0", "0.2.0", false},
		{"v1.0.0", "1.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.client+"->"+tt.server, func(t *testing.T) {
			err := CheckCompatible(tt.client, tt.server)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	require.Error(t, CheckCompatible("banana", "1.0.0"))
	require.Error(t, CheckCompatible("1.0.0", "banana"))
}
