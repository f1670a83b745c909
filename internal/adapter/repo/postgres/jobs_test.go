package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
)

func TestBuildListQueryNoFilters(t *testing.T) {
	t.Parallel()
	q, args := BuildListQuery(domain.JobFilter{Limit: 50, Offset: 10})
	assert.NotContains(t, q, "WHERE")
	assert.Contains(t, q, "ORDER BY created_at DESC LIMIT $1 OFFSET $2")
	require.Len(t, args, 2)
	assert.Equal(t, 50, args[0])
	assert.Equal(t, 10, args[1])
}

func TestBuildListQueryAllFilters(t *testing.T) {
	t.Parallel()
	f := domain.JobFilter{
		Status:   domain.JobPending,
		Priority: domain.PriorityHigh,
		JobType:  domain.TypeSendEmail,
		Limit:    25,
	}
	q, args := BuildListQuery(f)
	assert.Contains(t, q, "WHERE status=$1 AND priority=$2 AND job_type=$3")
	require.Len(t, args, 5)
	assert.Equal(t, domain.JobPending, args[0])
	assert.Equal(t, domain.PriorityHigh, args[1])
	assert.Equal(t, domain.TypeSendEmail, args[2])
	assert.Equal(t, 25, args[3])
	assert.Equal(t, 0, args[4])
}

func TestBuildListQueryClampsLimit(t *testing.T) {
	t.Parallel()
	_, args := BuildListQuery(domain.JobFilter{Limit: 100000})
	assert.Equal(t, 1000, args[0])

	_, args = BuildListQuery(domain.JobFilter{})
	assert.Equal(t, 1000, args[0])
}
