package store

import (
	"context"
	"encoding/json"
)

// MockStore is a mock implementation of Store for testing.
// Each method field can be set to a custom function to control behavior.
type MockStore struct {
	// Messages
	SaveMessageFn     func(ctx context.Context, msg *Message) (bool, error)
	GetMessagesFn     func(ctx context.Context, convID string, before, limit int) ([]Message, error)
	GetMessageBySeqFn func(ctx context.Context, convID string, seq int) (*Message, error)
	EditMessageFn     func(ctx context.Context, convID string, seq int, content json.RawMessage) error
	UnsendMessageFn   func(ctx context.Context, convID string, seq int) error

	// Delivery state
	UpdateRecvSeqFn    func(ctx context.Context, convID string, seq int) (bool, error)
	UpdateReadSeqFn    func(ctx context.Context, convID string, seq int) (bool, error)
	GetDeliveryStateFn func(ctx context.Context, convID string) (*DeliveryState, error)
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

func (m *MockStore) Close() {}

// Messages

func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) (bool, error) {
	if m.SaveMessageFn != nil {
		return m.SaveMessageFn(ctx, msg)
	}
	return true, nil
}

func (m *MockStore) GetMessages(ctx context.Context, convID string, before, limit int) ([]Message, error) {
	if m.GetMessagesFn != nil {
		return m.GetMessagesFn(ctx, convID, before, limit)
	}
	return nil, nil
}

func (m *MockStore) GetMessageBySeq(ctx context.Context, convID string, seq int) (*Message, error) {
	if m.GetMessageBySeqFn != nil {
		return m.GetMessageBySeqFn(ctx, convID, seq)
	}
	return nil, nil
}

func (m *MockStore) EditMessage(ctx context.Context, convID string, seq int, content json.RawMessage) error {
	if m.EditMessageFn != nil {
		return m.EditMessageFn(ctx, convID, seq, content)
	}
	return nil
}

func (m *MockStore) UnsendMessage(ctx context.Context, convID string, seq int) error {
	if m.UnsendMessageFn != nil {
		return m.UnsendMessageFn(ctx, convID, seq)
	}
	return nil
}

// Delivery state

func (m *MockStore) UpdateRecvSeq(ctx context.Context, convID string, seq int) (bool, error) {
	if m.UpdateRecvSeqFn != nil {
		return m.UpdateRecvSeqFn(ctx, convID, seq)
	}
	return true, nil
}

func (m *MockStore) UpdateReadSeq(ctx context.Context, convID string, seq int) (bool, error) {
	if m.UpdateReadSeqFn != nil {
		return m.UpdateReadSeqFn(ctx, convID, seq)
	}
	return true, nil
}

func (m *MockStore) GetDeliveryState(ctx context.Context, convID string) (*DeliveryState, error) {
	if m.GetDeliveryStateFn != nil {
		return m.GetDeliveryStateFn(ctx, convID)
	}
	return nil, nil
}
