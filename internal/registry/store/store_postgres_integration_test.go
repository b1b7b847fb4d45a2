//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"idmint/pkg/testutil/containers"
)

func TestPostgresState(t *testing.T) {
	pg := containers.GetManager().GetPostgres(t)
	stateContract(t, func(t *testing.T) State {
		require.NoError(t, pg.TruncateTables(context.Background(), "registry_globals", "registry_boxes"))
		return NewPostgresState(pg.DB)
	})
}
