package swapproviders

import (
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/require"
)

// dialTestClient dials an httptest server's URL, shared by every provider's
// fake-node test in this package.
func dialTestClient(t *testing.T, url string) *ethclient.Client {
	t.Helper()
	client, err := ethclient.Dial(url)
	require.NoError(t, err)
	return client
}
