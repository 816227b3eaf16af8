package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chainchat/relay-go/models"
)

// PgStore implements Store over a Postgres pool.
type PgStore struct {
	db *DbClient
}

func NewPgStore(db *DbClient) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) InsertConversation(ctx context.Context, conv *models.Conversation) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Two clients opening the same chat race the existence check in the
	// service. An advisory lock on the sorted pair serializes them here and
	// the re-check under the lock turns the loser into ErrAlreadyExists.
	if conv.Type == models.ConversationDirect && len(conv.Participants) == 2 {
		a, b := conv.Participants[0].UserID, conv.Participants[1].UserID
		if a > b {
			a, b = b, a
		}
		if _, err := tx.Exec(ctx,
			`select pg_advisory_xact_lock(hashtext($1))`, a+"\x1f"+b); err != nil {
			return err
		}
		var existing string
		err := tx.QueryRow(ctx,
			`select c.id from conversations c
			 join conversation_participants pa on pa.conversation_id = c.id and pa.user_id = $1
			 join conversation_participants pb on pb.conversation_id = c.id and pb.user_id = $2
			 where c.type = 'direct'
			 limit 1`, a, b).Scan(&existing)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`insert into conversations (id, type, created_at, updated_at) values ($1, $2, $3, $4)`,
		conv.ID, conv.Type, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return err
	}
	for _, p := range conv.Participants {
		_, err = tx.Exec(ctx,
			`insert into conversation_participants (conversation_id, user_id, role) values ($1, $2, $3)`,
			conv.ID, p.UserID, p.Role)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	conv := models.Conversation{ID: id}
	err := s.db.Pool.QueryRow(ctx,
		`select type, created_at, updated_at from conversations where id = $1`, id).
		Scan(&conv.Type, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Pool.Query(ctx,
		`select user_id, role from conversation_participants where conversation_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.Role); err != nil {
			return nil, err
		}
		conv.Participants = append(conv.Participants, p)
	}
	return &conv, rows.Err()
}

func (s *PgStore) ConversationByParticipants(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	var id string
	err := s.db.Pool.QueryRow(ctx,
		`select c.id from conversations c
		 join conversation_participants pa on pa.conversation_id = c.id and pa.user_id = $1
		 join conversation_participants pb on pb.conversation_id = c.id and pb.user_id = $2
		 where c.type = 'direct'
		 limit 1`, userA, userB).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.ConversationByID(ctx, id)
}

func (s *PgStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.Pool.Exec(ctx,
		`insert into messages (id, conversation_id, sender_id, content, kind, tx_ref, on_chain, reply_to_id, created_at)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Kind,
		msg.TxRef, msg.OnChain, msg.ReplyToID, msg.CreatedAt)
	return err
}

func (s *PgStore) MessageByID(ctx context.Context, id string) (*models.Message, error) {
	msg := models.Message{ID: id}
	err := s.db.Pool.QueryRow(ctx,
		`select conversation_id, sender_id, content, kind, tx_ref, on_chain, reply_to_id, created_at, deleted_at
		 from messages where id = $1`, id).
		Scan(&msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Kind,
			&msg.TxRef, &msg.OnChain, &msg.ReplyToID, &msg.CreatedAt, &msg.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *PgStore) MessagesByConversation(ctx context.Context, convID string, limit int, before time.Time) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `select id, conversation_id, sender_id, content, kind, tx_ref, on_chain, reply_to_id, created_at, deleted_at
		from messages where conversation_id = $1 and deleted_at is null`
	args := []any{convID}
	if !before.IsZero() {
		query += ` and created_at < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(` order by created_at desc limit %d`, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Kind,
			&msg.TxRef, &msg.OnChain, &msg.ReplyToID, &msg.CreatedAt, &msg.DeletedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PgStore) AttachMessageTxRef(ctx context.Context, messageID, txRef string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`update messages set tx_ref = $2, on_chain = true where id = $1 and tx_ref is null`,
		messageID, txRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ClearConversation(ctx context.Context, convID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`update messages set deleted_at = now() where conversation_id = $1 and deleted_at is null`,
		convID)
	return err
}

func (s *PgStore) UpsertReadReceipt(ctx context.Context, receipt *models.ReadReceipt) error {
	// First display wins; re-marking the same pair is a no-op.
	_, err := s.db.Pool.Exec(ctx,
		`insert into read_receipts (message_id, reader_id, read_at) values ($1, $2, $3)
		 on conflict (message_id, reader_id) do nothing`,
		receipt.MessageID, receipt.ReaderID, receipt.ReadAt)
	return err
}

func (s *PgStore) ToggleReaction(ctx context.Context, reaction *models.Reaction) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`delete from reactions where message_id = $1 and user_id = $2 and emoji = $3`,
		reaction.MessageID, reaction.UserID, reaction.Emoji)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}
	_, err = s.db.Pool.Exec(ctx,
		`insert into reactions (message_id, user_id, emoji, created_at) values ($1, $2, $3, $4)
		 on conflict (message_id, user_id, emoji) do nothing`,
		reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PgStore) InsertCall(ctx context.Context, call *models.Call) error {
	_, err := s.db.Pool.Exec(ctx,
		`insert into calls (id, conversation_id, caller_id, receiver_id, call_type, status, tx_ref, started_at, ended_at, duration_sec, created_at)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		call.ID, call.ConversationID, call.CallerID, call.ReceiverID, call.Type, call.Status,
		call.TxRef, call.StartedAt, call.EndedAt, call.DurationSec, call.CreatedAt)
	return err
}

func (s *PgStore) CallByID(ctx context.Context, id string) (*models.Call, error) {
	call := models.Call{ID: id}
	err := s.db.Pool.QueryRow(ctx,
		`select conversation_id, caller_id, receiver_id, call_type, status, tx_ref, started_at, ended_at, duration_sec, created_at
		 from calls where id = $1`, id).
		Scan(&call.ConversationID, &call.CallerID, &call.ReceiverID, &call.Type, &call.Status,
			&call.TxRef, &call.StartedAt, &call.EndedAt, &call.DurationSec, &call.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *PgStore) UpdateCallStatus(ctx context.Context, id string, from []models.CallStatus, to models.CallStatus, stamp CallStamp) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	tag, err := s.db.Pool.Exec(ctx,
		`update calls set
			status = $2,
			started_at = coalesce($3, started_at),
			ended_at = coalesce($4, ended_at),
			duration_sec = case when $5::bigint > 0 then $5 else duration_sec end
		 where id = $1 and status = any($6)`,
		id, to, stamp.StartedAt, stamp.EndedAt, stamp.DurationSec, fromStrs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) InsertTransactionRecord(ctx context.Context, rec *models.TransactionRecord) error {
	_, err := s.db.Pool.Exec(ctx,
		`insert into transaction_records (hash, purpose, sender, verified, verified_at, created_at)
		 values ($1, $2, $3, $4, $5, $6)
		 on conflict (hash) do nothing`,
		rec.Hash, rec.Purpose, rec.Sender, rec.Verified, rec.VerifiedAt, rec.CreatedAt)
	return err
}

func (s *PgStore) TransactionByHash(ctx context.Context, hash string) (*models.TransactionRecord, error) {
	rec := models.TransactionRecord{Hash: hash}
	err := s.db.Pool.QueryRow(ctx,
		`select purpose, sender, verified, verified_at, created_at from transaction_records where hash = $1`, hash).
		Scan(&rec.Purpose, &rec.Sender, &rec.Verified, &rec.VerifiedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PgStore) MarkTransactionVerified(ctx context.Context, hash string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`update transaction_records set verified = true, verified_at = now() where hash = $1 and verified = false`,
		hash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
