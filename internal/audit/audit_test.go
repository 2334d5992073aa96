package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type failingSink struct{}

func (failingSink) Append(context.Context, *Event) error { return errors.New("disk full") }
func (failingSink) Name() string                         { return "failing" }

func TestAppend_DatabaseSink(t *testing.T) {
	db := testutil.SetupSQLiteTestDB(t)
	sink := NewDatabaseSink(db)

	err := Append(context.Background(), sink, &Event{
		ActorID:      "7",
		Action:       ActionMergeExecuted,
		ResourceType: ResourceClient,
		ResourceID:   "12",
		Metadata: map[string]interface{}{
			"archived_client_pk": 13,
			"first_name":         "Jane",
		},
	})
	require.NoError(t, err)

	var logs []models.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditStatusSuccess, logs[0].Status)
	assert.Equal(t, "12", logs[0].ResourceID)
	assert.False(t, logs[0].Timestamp.IsZero())

	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &metadata))
	assert.Contains(t, metadata, "archived_client_pk")
	assert.NotContains(t, metadata, "first_name")
}

func TestAppend_BoundSinkRollsBackWithTransaction(t *testing.T) {
	db := testutil.SetupSQLiteTestDB(t)
	sink := NewDatabaseSink(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Append(context.Background(), Bind(sink, tx), &Event{
			ActorID: "1", Action: ActionErasureExecuted, ResourceType: ResourceErasureRequest,
		}); err != nil {
			return err
		}
		return errors.New("mutation failed")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAppend_Failures(t *testing.T) {
	t.Run("sink error is wrapped", func(t *testing.T) {
		err := Append(context.Background(), failingSink{}, &Event{ActorID: "1", Action: "a", ResourceType: "r"})
		var sinkErr *models.SinkFailureError
		require.ErrorAs(t, err, &sinkErr)
		assert.Equal(t, "failing", sinkErr.Sink)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("invalid event never reaches the sink", func(t *testing.T) {
		err := Append(context.Background(), NoopSink{}, &Event{Action: "a", ResourceType: "r"})
		var sinkErr *models.SinkFailureError
		require.ErrorAs(t, err, &sinkErr)
		assert.Contains(t, err.Error(), "actorId is required")
	})
}

func TestRedactMetadata(t *testing.T) {
	assert.Nil(t, RedactMetadata(nil))

	out := RedactMetadata(map[string]interface{}{
		"FirstName":        "Jane",
		"phone":            "6135551234",
		"BirthDate":        "1990-01-01",
		"email_address":    "j@example.org",
		"kept_client_pk":   1,
		"transfer_summary": map[string]int{"notes": 2},
	})
	assert.Equal(t, map[string]interface{}{
		"kept_client_pk":   1,
		"transfer_summary": map[string]int{"notes": 2},
	}, out)
}

func TestHTTPSink(t *testing.T) {
	t.Run("created response succeeds", func(t *testing.T) {
		var received auditLogRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, AuditLogsEndpoint, r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &received))
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		sink, err := NewHTTPSink(server.URL, time.Second)
		require.NoError(t, err)
		err = Append(context.Background(), sink, &Event{
			ActorID: "3", Action: ActionErasureApproved, ResourceType: ResourceErasureRequest, ResourceID: "9",
			Metadata: map[string]interface{}{"program_id": 10},
		})
		require.NoError(t, err)
		assert.Equal(t, ActionErasureApproved, received.Action)
		assert.Equal(t, "MEMBER", received.ActorType)
		assert.Equal(t, "9", received.TargetID)
		assert.Equal(t, models.AuditStatusSuccess, received.Status)
	})

	t.Run("server error fails the append", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusInternalServerError)
		}))
		defer server.Close()

		sink, err := NewHTTPSink(server.URL, time.Second)
		require.NoError(t, err)
		err = Append(context.Background(), sink, &Event{ActorID: "3", Action: "a", ResourceType: "r"})
		var sinkErr *models.SinkFailureError
		require.ErrorAs(t, err, &sinkErr)
		assert.Equal(t, "http", sinkErr.Sink)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewHTTPSink("not a url", time.Second)
		assert.Error(t, err)
		_, err = NewHTTPSink("", time.Second)
		assert.Error(t, err)
	})
}

func TestRedisStreamSink_UnreachableServer(t *testing.T) {
	_, err := NewRedisStreamSink(RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}
