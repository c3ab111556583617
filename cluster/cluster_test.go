package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral TCP port number. The matching bus port
// (port+10000) is assumed free too, which holds on an idle test host.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMemberDedup(t *testing.T) {
	port := freePort(t)
	node, err := NewNode("127.0.0.1", port, 0)
	require.NoError(t, err)
	defer node.Close()

	members := node.Members()
	require.Len(t, members, 1)
	assert.True(t, members[0].Self)

	assert.True(t, node.Add("10.0.0.1", "9090"))
	assert.False(t, node.Add("10.0.0.1", "9090"))
	assert.True(t, node.Add("10.0.0.1", "9191"))
	assert.Len(t, node.Members(), 3)
}

func TestJoinHandshake(t *testing.T) {
	seedPort := freePort(t)
	seed, err := NewNode("127.0.0.1", seedPort, 0)
	require.NoError(t, err)
	defer seed.Close()

	shutdown := make(chan struct{})
	defer close(shutdown)
	go seed.Serve(shutdown)

	members, err := SendJoin("127.0.0.1", 9999, "127.0.0.1", seedPort, 5*time.Second)
	require.NoError(t, err)

	// The seed replies with its member list, which now includes the joiner
	require.Eventually(t, func() bool {
		for _, m := range seed.Members() {
			if m.Host == "127.0.0.1" && m.Port == "9999" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	found := false
	for _, m := range members {
		if m.Port == "9999" {
			found = true
		}
	}
	assert.True(t, found, "peer list must include the joiner, got %v", members)
}

func TestNodeToNodeJoin(t *testing.T) {
	seedPort := freePort(t)
	seed, err := NewNode("127.0.0.1", seedPort, 0)
	require.NoError(t, err)
	defer seed.Close()

	joinerPort := freePort(t)
	joiner, err := NewNode("127.0.0.1", joinerPort, 0)
	require.NoError(t, err)
	defer joiner.Close()

	shutdown := make(chan struct{})
	defer close(shutdown)
	go seed.Serve(shutdown)
	go joiner.Serve(shutdown)

	require.NoError(t, joiner.Join("127.0.0.1", seedPort))

	// Seed learns the joiner from the JOIN request; the joiner learns the
	// full peer list from the reply.
	require.Eventually(t, func() bool {
		return len(seed.Members()) == 2 && len(joiner.Members()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
