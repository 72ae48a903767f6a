package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/mvchat2-client/irido"
	"github.com/scalecode-solutions/mvchat2-client/realtime"
	"github.com/scalecode-solutions/mvchat2-client/socket"
	"github.com/scalecode-solutions/mvchat2-client/store"
	"github.com/scalecode-solutions/mvchat2-client/wire"
)

// previewLength is how many graphemes of a message are logged.
const previewLength = 40

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// UserID is the signed-in user. Read receipts from this user on other
	// devices advance the local read position.
	UserID string
	// SendReceipts emits a recv receipt for every newly cached message.
	SendReceipts bool
	Logger       zerolog.Logger
}

// Recorder follows the primary connection and writes incoming messages and
// delivery state to the local cache.
type Recorder struct {
	db  store.Store
	cfg RecorderConfig
	ctx context.Context

	mu     sync.Mutex
	conn   *realtime.Connection
	dataID socket.ListenerID
	infoID socket.ListenerID
}

// NewRecorder creates a Recorder. It does nothing until Attach.
func NewRecorder(ctx context.Context, db store.Store, cfg RecorderConfig) *Recorder {
	cfg.Logger = cfg.Logger.With().Str("component", "recorder").Logger()
	return &Recorder{db: db, cfg: cfg, ctx: ctx}
}

// Attach moves the recorder onto conn. A nil conn detaches it. Attaching the
// current connection again is a no-op.
func (r *Recorder) Attach(conn *realtime.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn == r.conn {
		return
	}
	r.detachLocked()
	if conn == nil {
		return
	}

	r.conn = conn
	r.dataID = conn.On(wire.EventData, r.handleData)
	r.infoID = conn.On(wire.EventInfo, r.handleInfo)
	r.cfg.Logger.Debug().Msg("recorder attached")
}

// Detach stops recording.
func (r *Recorder) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
}

func (r *Recorder) detachLocked() {
	if r.conn == nil {
		return
	}
	r.conn.Off(wire.EventData, r.dataID)
	r.conn.Off(wire.EventInfo, r.infoID)
	r.conn = nil
}

func (r *Recorder) current() *realtime.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Recorder) handleData(payload json.RawMessage) {
	var data wire.Data
	if err := json.Unmarshal(payload, &data); err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("malformed data event")
		return
	}
	if data.ConversationID == "" || data.Seq <= 0 {
		r.cfg.Logger.Warn().Str("conv", data.ConversationID).Int("seq", data.Seq).Msg("data event without position")
		return
	}

	logger := r.cfg.Logger.With().
		Str("conv", shortConv(data.ConversationID)).
		Int("seq", data.Seq).
		Logger()

	msg := &store.Message{
		ConversationID: data.ConversationID,
		Seq:            data.Seq,
		From:           data.From,
		Content:        data.Content,
		SentAt:         data.Ts,
	}
	if len(data.Head) > 0 {
		head, err := json.Marshal(data.Head)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping unencodable head")
		} else {
			msg.Head = head
		}
	}

	created, err := r.db.SaveMessage(r.ctx, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to cache message")
		return
	}
	if !created {
		logger.Debug().Msg("message already cached")
		return
	}

	if content, err := irido.Parse(data.Content); err == nil {
		logger.Info().Str("from", data.From).Str("text", content.Preview(previewLength)).Msg("message")
	} else {
		logger.Info().Str("from", data.From).Err(err).Msg("message with unreadable content")
	}

	moved, err := r.db.UpdateRecvSeq(r.ctx, data.ConversationID, data.Seq)
	if err != nil {
		logger.Error().Err(err).Msg("failed to update recv position")
		return
	}
	if !moved || !r.cfg.SendReceipts || data.From == r.cfg.UserID {
		return
	}

	conn := r.current()
	if conn == nil {
		return
	}
	if err := conn.Emit(wire.EventRecv, wire.Recv{ConversationID: data.ConversationID, Seq: data.Seq}); err != nil {
		logger.Warn().Err(err).Msg("failed to send recv receipt")
	}
}

func (r *Recorder) handleInfo(payload json.RawMessage) {
	var info wire.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("malformed info event")
		return
	}

	logger := r.cfg.Logger.With().
		Str("conv", shortConv(info.ConversationID)).
		Str("what", info.What).
		Int("seq", info.Seq).
		Logger()

	var err error
	switch info.What {
	case "read":
		if info.From != r.cfg.UserID || info.Seq <= 0 {
			return
		}
		_, err = r.db.UpdateReadSeq(r.ctx, info.ConversationID, info.Seq)
	case "edit":
		if _, perr := irido.Parse(info.Content); perr != nil {
			logger.Warn().Err(perr).Msg("ignoring edit with invalid content")
			return
		}
		err = r.db.EditMessage(r.ctx, info.ConversationID, info.Seq, info.Content)
	case "unsend":
		err = r.db.UnsendMessage(r.ctx, info.ConversationID, info.Seq)
	default:
		// typing, recv and react are not cached
		return
	}

	if err != nil {
		logger.Error().Err(err).Msg("failed to apply info event")
		return
	}
	logger.Debug().Msg("info applied")
}
