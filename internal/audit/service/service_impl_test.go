package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/collectr/internal/audit/domain"
	"github.com/smallbiznis/collectr/internal/audit/repository"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/testutil"
	"github.com/smallbiznis/collectr/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t, &auditdomain.AuditLog{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk
}

func TestRecordMasksMetadataAndCapturesRequest(t *testing.T) {
	svc, _ := setup(t)
	ctx := auditdomain.WithRequestInfo(context.Background(), auditdomain.RequestInfo{
		IPAddress: "10.0.0.7",
		UserAgent: "curl/8",
		RequestID: "req-1",
	})

	require.NoError(t, svc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeOperator,
		ActorID:    "ops-1",
		Action:     auditdomain.ActionSubscriptionRecover,
		TargetType: "subscription",
		TargetID:   "42",
		Metadata: map[string]any{
			"operator_email":    "ops@example.com",
			"payment_reference": "T-1",
		},
	}))

	res, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, res.AuditLogs, 1)

	entry := res.AuditLogs[0]
	assert.Equal(t, auditdomain.ActorTypeOperator, entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "ops-1", *entry.ActorID)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "42", *entry.TargetID)
	assert.Equal(t, "****.com", entry.Metadata["operator_email"])
	assert.Equal(t, "T-1", entry.Metadata["payment_reference"])
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.7", *entry.IPAddress)
	require.NotNil(t, entry.RequestID)
	assert.Equal(t, "req-1", *entry.RequestID)
	assert.False(t, res.HasMore)
}

func TestRecordDefaults(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Record(ctx, auditdomain.Entry{Action: " "}), auditdomain.ErrInvalidAction)

	require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionAuthorizationDenied}))
	res, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, res.AuditLogs, 1)
	assert.Equal(t, auditdomain.ActorTypeSystem, res.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", res.AuditLogs[0].TargetType)
	assert.Nil(t, res.AuditLogs[0].ActorID)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, clk := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{
			Action:     auditdomain.ActionSubscriptionRecover,
			TargetType: "subscription",
			TargetID:   string(rune('a' + i)),
		}))
		clk.Advance(time.Second)
	}
	require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionAuthorizationDenied}))

	req := auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		Action:     auditdomain.ActionSubscriptionRecover,
	}
	var seen []string
	for page := 0; page < 5; page++ {
		res, err := svc.List(ctx, req)
		require.NoError(t, err)
		for _, entry := range res.AuditLogs {
			seen = append(seen, *entry.TargetID)
		}
		if !res.HasMore {
			break
		}
		require.NotEmpty(t, res.NextPageToken)
		req.PageToken = res.NextPageToken
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, seen)
}

func TestListRejectsBadInput(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "not-a-token"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
