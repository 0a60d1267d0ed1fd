//go:build integration

package lineage

import (
	"context"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

func TestRecordAndListArtifacts(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	st, err := NewStore(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.EnsureSchema(ctx))

	require.NoError(t, st.RecordArtifact(ctx, "t1", "q", research.StagePlanning, "plans/research_plan.md", "worker_output"))
	require.NoError(t, st.RecordArtifact(ctx, "t1", "q", research.StageReport, "reports/final_report.md", "fallback_synthesis"))
	// a revision overwrites the edge instead of adding one
	require.NoError(t, st.RecordArtifact(ctx, "t1", "q", research.StageReport, "reports/final_report.md", "revision"))
	require.NoError(t, st.RecordArtifact(ctx, "t2", "other", research.StagePlanning, "plans/research_plan.md", "worker_output"))

	got, err := st.Artifacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "plans/research_plan.md", got[0].Path)
	assert.Equal(t, research.StagePlanning, got[0].Stage)
	assert.Equal(t, "revision", got[1].Source)
	assert.False(t, got[1].RecordedAt.IsZero())
}
