package inflight_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/csi/inflight"
)

func TestBeginRejectsDuplicateKey(t *testing.T) {
	tr := inflight.New()
	require.NoError(t, tr.Begin("U", "CreateVolume"))
	require.Error(t, tr.Begin("U", "CreateVolume"))
}

func TestBeginAllowsDistinctKeys(t *testing.T) {
	tr := inflight.New()
	require.NoError(t, tr.Begin("U", "CreateVolume"))
	require.NoError(t, tr.Begin("U", "DeleteVolume"))
	require.NoError(t, tr.Begin("V", "CreateVolume"))
}

func TestEndAllowsReuse(t *testing.T) {
	tr := inflight.New()
	require.NoError(t, tr.Begin("U", "CreateVolume"))
	tr.End("U", "CreateVolume")
	require.NoError(t, tr.Begin("U", "CreateVolume"))
}
