package bqsink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

func TestToRow_FlattensMessage(t *testing.T) {
	published := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := pipeline.Message{
		ID:            "msg-1",
		CorrelationID: "corr-1",
		Timestamp:     published,
		Content:       map[string]any{"device": "dev-1", "reading": 21.5},
		Metadata:      map[string]string{"source": "sensor-fleet"},
	}

	row, err := toRow(msg)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", row.MessageID)
	assert.Equal(t, "corr-1", row.CorrelationID)
	assert.Equal(t, published, row.PublishedAt)
	assert.WithinDuration(t, time.Now(), row.IngestedAt, time.Minute)

	var content map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.Content), &content))
	assert.Equal(t, "dev-1", content["device"])

	var metadata map[string]string
	require.NoError(t, json.Unmarshal([]byte(row.Metadata), &metadata))
	assert.Equal(t, "sensor-fleet", metadata["source"])
}

func TestToRow_UnmarshalableContent(t *testing.T) {
	msg := pipeline.NewMessage(map[string]any{"bad": make(chan int)})
	_, err := toRow(msg)
	require.Error(t, err)
}
