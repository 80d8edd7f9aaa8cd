package offline

import (
	"testing"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/stretchr/testify/require"
)

func TestTripleRoundTrip(t *testing.T) {
	in := Triple{GID: 42, MID: 1001, PushType: model.ToDesignatedPerson}
	out, err := ParseTriple(in.String())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParseTripleRejectsMalformed(t *testing.T) {
	_, err := ParseTriple("not-a-triple")
	require.Error(t, err)
}
