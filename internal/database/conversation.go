package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// conversationRepo implements ConversationRepository.
type conversationRepo struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) ConversationRepository {
	return &conversationRepo{db: db}
}

const conversationColumns = `id, org_id, patient_id, agent_id, call_sid, channel_id,
	call_status, start_time, end_time, duration, cost, line_item_id, retry_attempt,
	max_retries, original_call_id, retry_scheduled_at, outcome, call_notes`

// statusRank orders the call lifecycle. Status may only move to a higher
// rank; terminal states are absorbing.
var statusRank = map[string]int{
	models.CallStatusInitiated:  0,
	models.CallStatusRinging:    1,
	models.CallStatusInProgress: 2,
	models.CallStatusCompleted:  3,
	models.CallStatusFailed:     3,
	models.CallStatusMissed:     3,
	models.CallStatusCancelled:  3,
}

// ComputeCost prices one connected call. Duration is floored to the
// minimum billable length, then charged at ratePerMinute with the result
// rounded half-up to whole cents.
func ComputeCost(ratePerMinute float64, minBillableSecs, durationSecs int) float64 {
	eff := durationSecs
	if eff < minBillableSecs {
		eff = minBillableSecs
	}
	cents := math.Floor(ratePerMinute*float64(eff)/60*100 + 0.5)
	return cents / 100
}

func (r *conversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	if c.CallStatus == "" {
		c.CallStatus = models.CallStatusInitiated
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (org_id, patient_id, agent_id, call_sid, channel_id,
		 call_status, start_time, retry_attempt, max_retries, original_call_id,
		 retry_scheduled_at, outcome, call_notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OrgID, c.PatientID, c.AgentID, c.CallSid, c.ChannelID,
		c.CallStatus, c.StartTime.UTC(), c.RetryAttempt, c.MaxRetries,
		c.OriginalCallID, c.RetryScheduledAt, c.Outcome, c.CallNotes,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

func (r *conversationRepo) GetByID(ctx context.Context, id int64) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
}

func (r *conversationRepo) GetByCallSid(ctx context.Context, callSid string) (*models.Conversation, error) {
	return r.getOne(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE call_sid = ?`, callSid)
}

func (r *conversationRepo) SetCallSid(ctx context.Context, id int64, callSid string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET call_sid = ? WHERE id = ?`, callSid, id)
	if err != nil {
		return fmt.Errorf("setting call sid: %w", err)
	}
	return nil
}

func (r *conversationRepo) SetChannelID(ctx context.Context, id int64, channelID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET channel_id = ? WHERE id = ?`, channelID, id)
	if err != nil {
		return fmt.Errorf("setting channel id: %w", err)
	}
	return nil
}

// UpdateCallStatus moves a conversation through the call state machine.
// Transitions never go backwards and terminal states absorb later events,
// with one exception: a cancelled call that turns out to have connected
// may still settle as completed so its duration and cost are not lost.
func (r *conversationRepo) UpdateCallStatus(ctx context.Context, id int64, newStatus string, upd StatusUpdate) error {
	newRank, ok := statusRank[newStatus]
	if !ok {
		return fmt.Errorf("unknown call status %q", newStatus)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT call_status FROM conversations WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("conversation %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("reading call status: %w", err)
	}

	if !transitionAllowed(current, newStatus, newRank) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, newStatus)
	}

	sets := []string{"call_status = ?"}
	args := []any{newStatus}
	if upd.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, upd.EndTime.UTC())
	}
	if upd.Duration != nil {
		sets = append(sets, "duration = ?")
		args = append(args, *upd.Duration)
	}
	if upd.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *upd.Cost)
	}
	if upd.Outcome != "" {
		sets = append(sets, "outcome = ?")
		args = append(args, upd.Outcome)
	}
	if upd.Notes != "" {
		sets = append(sets, "call_notes = ?")
		args = append(args, upd.Notes)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status transaction: %w", err)
	}
	return nil
}

func transitionAllowed(current, next string, nextRank int) bool {
	if current == next {
		return false
	}
	if models.TerminalStatus(current) {
		// A cancel that raced an answered call settles as completed.
		return current == models.CallStatusCancelled && next == models.CallStatusCompleted
	}
	return nextRank > statusRank[current]
}

// AppendMessage appends one utterance and returns its conversation-local
// position. The position is computed inside a transaction; the unique
// index on (conversation_id, position) backstops concurrent appenders.
func (r *conversationRepo) AppendMessage(ctx context.Context, conversationID int64, role, content string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var position int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("computing message position: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, position) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, position); err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append transaction: %w", err)
	}
	return position, nil
}

func (r *conversationRepo) Messages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, position, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

func (r *conversationRepo) FindUnbilled(ctx context.Context, orgID int64, from, to time.Time) ([]models.Conversation, error) {
	return r.list(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE org_id = ?
		   AND line_item_id IS NULL
		   AND call_status IN (?, ?, ?, ?)
		   AND end_time >= ? AND end_time < ?
		 ORDER BY end_time`,
		orgID, models.CallStatusCompleted, models.CallStatusFailed,
		models.CallStatusMissed, models.CallStatusCancelled,
		from.UTC(), to.UTC())
}

// MarkBilled links the conversations to one line item. The update only
// touches rows that are still unbilled; if any row was already claimed the
// whole transaction rolls back with ErrAlreadyBilled so a conversation can
// never appear on two invoices.
func (r *conversationRepo) MarkBilled(ctx context.Context, ids []int64, lineItemID int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning billing transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?, ", len(ids))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, 0, len(ids)+1)
	args = append(args, lineItemID)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET line_item_id = ?
		 WHERE id IN (`+placeholders+`) AND line_item_id IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("marking conversations billed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking billed rows: %w", err)
	}
	if n != int64(len(ids)) {
		return fmt.Errorf("%w: claimed %d of %d conversations", ErrAlreadyBilled, n, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing billing transaction: %w", err)
	}
	return nil
}

func (r *conversationRepo) ListOrphaned(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	return r.list(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE call_status IN (?, ?, ?) AND start_time < ?
		 ORDER BY start_time`,
		models.CallStatusInitiated, models.CallStatusRinging,
		models.CallStatusInProgress, cutoff.UTC())
}

func (r *conversationRepo) RetryChain(ctx context.Context, rootID int64) ([]models.Conversation, error) {
	return r.list(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE id = ? OR original_call_id = ?
		 ORDER BY retry_attempt`, rootID, rootID)
}

func (r *conversationRepo) getOne(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	var c models.Conversation
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.OrgID, &c.PatientID, &c.AgentID, &c.CallSid, &c.ChannelID,
		&c.CallStatus, &c.StartTime, &c.EndTime, &c.Duration, &c.Cost,
		&c.LineItemID, &c.RetryAttempt, &c.MaxRetries, &c.OriginalCallID,
		&c.RetryScheduledAt, &c.Outcome, &c.CallNotes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}

func (r *conversationRepo) list(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var cs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.OrgID, &c.PatientID, &c.AgentID, &c.CallSid,
			&c.ChannelID, &c.CallStatus, &c.StartTime, &c.EndTime, &c.Duration,
			&c.Cost, &c.LineItemID, &c.RetryAttempt, &c.MaxRetries,
			&c.OriginalCallID, &c.RetryScheduledAt, &c.Outcome, &c.CallNotes); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return cs, nil
}
