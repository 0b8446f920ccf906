package board

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestQuickTabValidation(t *testing.T) {
	valid := func() *QuickTab {
		return &QuickTab{
			ID:          uuid.New().String(),
			EmbeddedURL: "https://example.com/doc",
			ScopeID:     "scope-a",
			Width:       400,
			Height:      300,
		}
	}

	t.Run("accepts valid tab", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects non-UUID id", func(t *testing.T) {
		tab := valid()
		tab.ID = "not-a-uuid"
		err := tab.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid UUID")
	})

	t.Run("rejects empty embedded URL", func(t *testing.T) {
		tab := valid()
		tab.EmbeddedURL = ""
		assert.Error(t, tab.Validate())
	})

	t.Run("rejects empty scope", func(t *testing.T) {
		tab := valid()
		tab.ScopeID = ""
		assert.Error(t, tab.Validate())
	})

	t.Run("rejects negative size", func(t *testing.T) {
		tab := valid()
		tab.Width = -1
		assert.Error(t, tab.Validate())
	})

	t.Run("rejects unknown lifecycle state", func(t *testing.T) {
		tab := valid()
		tab.LifecycleState = "floating"
		assert.Error(t, tab.Validate())
	})
}

func TestQuickTabClone(t *testing.T) {
	tab := &QuickTab{ID: uuid.New().String(), EmbeddedURL: "https://example.com", ScopeID: "s", Left: 10}

	clone := tab.Clone()
	clone.Left = 99

	assert.Equal(t, 10, tab.Left)
	assert.Equal(t, 99, clone.Left)

	var nilTab *QuickTab
	assert.Nil(t, nilTab.Clone())
}

func TestBroadcastMessageValidation(t *testing.T) {
	t.Run("accepts valid message", func(t *testing.T) {
		msg := &BroadcastMessage{
			Type:     MessageTypeMinimize,
			SenderID: uuid.New().String(),
			Sequence: 1,
			TabID:    uuid.New().String(),
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		msg := &BroadcastMessage{Type: "explode", SenderID: uuid.New().String(), Sequence: 1}
		assert.Error(t, msg.Validate())
	})

	t.Run("rejects zero sequence", func(t *testing.T) {
		msg := &BroadcastMessage{Type: MessageTypeClose, SenderID: uuid.New().String(), Sequence: 0}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sequence")
	})

	t.Run("rejects non-UUID sender", func(t *testing.T) {
		msg := &BroadcastMessage{Type: MessageTypeClose, SenderID: "me", Sequence: 1}
		assert.Error(t, msg.Validate())
	})
}

func TestSyncBatchValidation(t *testing.T) {
	t.Run("rejects empty batch", func(t *testing.T) {
		batch := &SyncBatch{SenderID: uuid.New().String()}
		assert.Error(t, batch.Validate())
	})

	t.Run("rejects create without tab data", func(t *testing.T) {
		batch := &SyncBatch{
			SenderID:   uuid.New().String(),
			Operations: []Operation{{Type: OperationCreate, TabID: uuid.New().String()}},
		}
		err := batch.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "requires tab data")
	})

	t.Run("accepts valid batch", func(t *testing.T) {
		batch := &SyncBatch{
			SenderID: uuid.New().String(),
			Operations: []Operation{
				{Type: OperationDelete, TabID: uuid.New().String()},
				{Type: OperationUpdate, TabID: uuid.New().String(), Fields: map[string]interface{}{"left": 5}},
			},
		}
		assert.NoError(t, batch.Validate())
	})
}
