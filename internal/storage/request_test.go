package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/whookdev/inspector/internal/models"
)

func TestRequestInsertAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	requests := NewRequestStorage(newStorageDBForTest(t), discardLogger())
	projectID := uuid.New()
	ip := "198.51.100.4"

	req := &models.CapturedRequest{
		ProjectID: projectID,
		Method:    "POST",
		Query:     datatypes.JSON(`{"a":"1"}`),
		Headers:   datatypes.JSON(`{"content-type":"application/json"}`),
		Body:      datatypes.JSON(`{"ok":true}`),
		IP:        &ip,
	}
	before := time.Now().UTC()
	require.NoError(t, requests.Insert(ctx, req))

	assert.NotEqual(t, uuid.Nil, req.ID)
	assert.Equal(t, uuid.Version(7), req.ID.Version())
	assert.False(t, req.Timestamp.Before(before.Add(-time.Second)))

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, projectID, got.ProjectID)
	assert.JSONEq(t, `{"a":"1"}`, string(got.Query))
	assert.JSONEq(t, `{"ok":true}`, string(got.Body))
	require.NotNil(t, got.IP)
	assert.Equal(t, ip, *got.IP)
	assert.False(t, got.Forwarded)
}

func TestRequestInsertKeepsAbsentFields(t *testing.T) {
	ctx := context.Background()
	db := newStorageDBForTest(t)
	requests := NewRequestStorage(db, discardLogger())

	req := &models.CapturedRequest{ProjectID: uuid.New(), Method: "GET"}
	require.NoError(t, requests.Insert(ctx, req))

	var nulls int64
	require.NoError(t, db.Model(&models.CapturedRequest{}).
		Where("id = ? AND query IS NULL AND headers IS NULL AND body IS NULL AND ip IS NULL", req.ID).
		Count(&nulls).Error)
	assert.Equal(t, int64(1), nulls)

	// NULL columns read back as JSON null.
	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got.Query))
	assert.Equal(t, "null", string(got.Headers))
	assert.Equal(t, "null", string(got.Body))
	assert.Nil(t, got.IP)
}

func TestRequestGetUnknown(t *testing.T) {
	_, err := NewRequestStorage(newStorageDBForTest(t), discardLogger()).Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRequestLatestAndMarkForwarded(t *testing.T) {
	ctx := context.Background()
	requests := NewRequestStorage(newStorageDBForTest(t), discardLogger())
	projectID := uuid.New()
	rows := seedRequests(t, requests, projectID, 6, time.Second)
	seedRequests(t, requests, uuid.New(), 2, time.Second)

	latest, err := requests.Latest(ctx, projectID, 4)
	require.NoError(t, err)
	require.Len(t, latest, 4)
	for i, r := range latest {
		assert.Equal(t, rows[len(rows)-1-i].ID, r.ID)
	}

	ids := []uuid.UUID{latest[0].ID, latest[1].ID}
	require.NoError(t, requests.MarkForwarded(ctx, ids))
	require.NoError(t, requests.MarkForwarded(ctx, nil))

	all, err := requests.Latest(ctx, projectID, 100)
	require.NoError(t, err)
	for _, r := range all {
		want := r.ID == ids[0] || r.ID == ids[1]
		assert.Equal(t, want, r.Forwarded, r.ID.String())
	}
}

// seedRequests inserts n rows spaced by step, oldest first. A zero step gives
// every row the same timestamp.
func seedRequests(t *testing.T, requests *RequestStorage, projectID uuid.UUID, n int, step time.Duration) []models.CapturedRequest {
	t.Helper()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out := make([]models.CapturedRequest, 0, n)
	for i := 0; i < n; i++ {
		req := &models.CapturedRequest{
			ProjectID: projectID,
			Method:    "POST",
			Timestamp: base.Add(time.Duration(i) * step),
		}
		require.NoError(t, requests.Insert(context.Background(), req))
		out = append(out, *req)
	}
	return out
}
