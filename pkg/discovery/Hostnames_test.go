package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/pkg/discovery"
)

func TestInterfaceAddresses(t *testing.T) {
	addrs, err := discovery.InterfaceAddresses("")
	require.NoError(t, err)
	for _, ip := range addrs {
		assert.False(t, ip.IsLoopback())
	}
	// loopback is never returned
	addrs, err = discovery.InterfaceAddresses("127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestCertificateHostnames(t *testing.T) {
	names := discovery.CertificateHostnames("", "https://bridge.example.org:9443/callback")
	require.NotEmpty(t, names)
	assert.Equal(t, "bridge.example.org", names[0])
	assert.NotContains(t, names, "")

	names = discovery.CertificateHostnames("0.0.0.0", "")
	assert.NotContains(t, names, "0.0.0.0")

	names = discovery.CertificateHostnames("127.0.0.1", "not a url\x7f")
	assert.Equal(t, []string{"127.0.0.1"}, names)
}
