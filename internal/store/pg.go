package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/models"
)

// PGStore persists state into Postgres (schema in sql/migrations).
type PGStore struct {
	db     *sql.DB
	sealer *audit.Sealer
}

func NewPGStore(db *sql.DB, sealer *audit.Sealer) *PGStore {
	return &PGStore{db: db, sealer: sealer}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// appendTx seals drafts against the stream heads visible in tx and inserts them.
func (p *PGStore) appendTx(ctx context.Context, tx *sql.Tx, drafts []audit.Draft) ([]audit.Event, error) {
	type head struct {
		seq  int64
		hash string
	}
	heads := map[string]head{}
	out := make([]audit.Event, 0, len(drafts))
	for _, d := range drafts {
		h, ok := heads[d.StreamID]
		if !ok {
			var prev sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT seq, hash FROM audit_events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`,
				d.StreamID).Scan(&h.seq, &prev)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("fetch stream head: %w", err)
			}
			h.hash = prev.String
		}
		ev, err := p.sealer.Seal(d, h.seq, h.hash)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_events
			  (id, stream_id, seq, event_type, actor, payload, prev_hash, hash, signature, signer_id, ts, stream_status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			ev.ID, ev.StreamID, ev.Seq, ev.Type, string(ev.Actor), []byte(ev.Payload),
			nullString(ev.PrevHash), ev.Hash, ev.Signature, ev.SignerID, ev.Ts, ev.StreamStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("insert audit_event: %w", err)
		}
		heads[d.StreamID] = head{seq: ev.Seq, hash: ev.Hash}
		out = append(out, ev)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func principals(in []models.Principal) []string {
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = string(p)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PGStore) InsertRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approval_requests
			  (id, document_id, content_ref, requester, approvers, approval_mode, decision_mode,
			   priority, expiry, version, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			req.ID, req.DocumentID, req.ContentRef, string(req.Requester), pq.Array(principals(req.Approvers)),
			string(req.ApprovalMode), string(req.DecisionMode), string(req.Priority), nullTime(req.Expiry),
			req.Version, string(req.Status), req.CreatedAt, req.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert approval_request: %w", err)
		}
		for i, s := range req.Steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO approval_steps (request_id, position, approver, decision, signature_ref, comment, decided_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				req.ID, i, string(s.Approver), string(s.Decision), s.SignatureRef, s.Comment, nullTime(s.DecidedAt),
			)
			if err != nil {
				return fmt.Errorf("insert approval_step %d: %w", i, err)
			}
		}
		if err := insertIndex(ctx, tx, ByRequester, string(req.Requester), req.ID); err != nil {
			return err
		}
		for _, a := range req.Approvers {
			if err := insertIndex(ctx, tx, ByApprover, string(a), req.ID); err != nil {
				return err
			}
		}
		if err := insertIndex(ctx, tx, ByDocument, req.DocumentID, req.ID); err != nil {
			return err
		}
		_, err = p.appendTx(ctx, tx, events)
		return err
	})
}

func insertIndex(ctx context.Context, tx *sql.Tx, dim Dimension, key, id string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO approval_request_index (dimension, key, request_id) VALUES ($1,$2,$3)`,
		string(dim), key, id)
	if err != nil {
		return fmt.Errorf("insert %s index: %w", dim, err)
	}
	return nil
}

func (p *PGStore) GetRequest(ctx context.Context, id string) (models.ApprovalRequest, error) {
	var (
		r               models.ApprovalRequest
		requester       string
		approvers       []string
		mode, dmode     string
		priority, state string
		expiry          sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, document_id, content_ref, requester, approvers, approval_mode, decision_mode,
		       priority, expiry, version, status, created_at, updated_at, revision
		FROM approval_requests WHERE id = $1`, id).Scan(
		&r.ID, &r.DocumentID, &r.ContentRef, &requester, pq.Array(&approvers), &mode, &dmode,
		&priority, &expiry, &r.Version, &state, &r.CreatedAt, &r.UpdatedAt, &r.Revision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ApprovalRequest{}, ErrNotFound
		}
		return models.ApprovalRequest{}, fmt.Errorf("query approval_request: %w", err)
	}
	r.Requester = models.Principal(requester)
	r.ApprovalMode = models.ApprovalMode(mode)
	r.DecisionMode = models.DecisionMode(dmode)
	r.Priority = models.Priority(priority)
	r.Status = models.Status(state)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if expiry.Valid {
		t := expiry.Time.UTC()
		r.Expiry = &t
	}
	r.Approvers = make([]models.Principal, len(approvers))
	for i, a := range approvers {
		r.Approvers[i] = models.Principal(a)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT approver, decision, signature_ref, comment, decided_at
		FROM approval_steps WHERE request_id = $1 ORDER BY position`, id)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("query approval_steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s                  models.ApprovalStep
			approver, decision string
			decided            sql.NullTime
		)
		if err := rows.Scan(&approver, &decision, &s.SignatureRef, &s.Comment, &decided); err != nil {
			return models.ApprovalRequest{}, fmt.Errorf("scan approval_step: %w", err)
		}
		s.Approver = models.Principal(approver)
		s.Decision = models.StepDecision(decision)
		if decided.Valid {
			t := decided.Time.UTC()
			s.DecidedAt = &t
		}
		r.Steps = append(r.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("iterate approval_steps: %w", err)
	}
	return r, nil
}

func (p *PGStore) UpdateRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE approval_requests SET status = $2, updated_at = $3, revision = revision + 1
			WHERE id = $1 AND revision = $4`,
			req.ID, string(req.Status), req.UpdatedAt, req.Revision)
		if err != nil {
			return fmt.Errorf("update approval_request: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return missingOrStale(ctx, tx, req.ID)
		}
		for i, s := range req.Steps {
			_, err := tx.ExecContext(ctx, `
				UPDATE approval_steps SET decision = $3, signature_ref = $4, comment = $5, decided_at = $6
				WHERE request_id = $1 AND position = $2`,
				req.ID, i, string(s.Decision), s.SignatureRef, s.Comment, nullTime(s.DecidedAt))
			if err != nil {
				return fmt.Errorf("update approval_step %d: %w", i, err)
			}
		}
		_, err = p.appendTx(ctx, tx, events)
		return err
	})
}

// missingOrStale tells a deleted row from one another writer already moved past.
func missingOrStale(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM approval_requests WHERE id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("check approval_request: %w", err)
	}
	return ErrConflict
}

func (p *PGStore) queryStrings(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PGStore) RequestIDs(ctx context.Context, dim Dimension, key string) ([]string, error) {
	ids, err := p.queryStrings(ctx,
		`SELECT request_id FROM approval_request_index WHERE dimension = $1 AND key = $2 ORDER BY position`,
		string(dim), key)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", dim, err)
	}
	return ids, nil
}

func (p *PGStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := p.queryStrings(ctx, `
		SELECT id FROM approval_requests
		WHERE status IN ('PENDING', 'PARTIAL') AND expiry IS NOT NULL AND expiry < $1
		ORDER BY expiry LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expirable: %w", err)
	}
	return ids, nil
}

func (p *PGStore) GrantRole(ctx context.Context, principal models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	changed := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO role_assignments (principal, role, granted_at) VALUES ($1, $2, $3)
			ON CONFLICT (principal, role) DO NOTHING`,
			string(principal), string(role), ev.Ts)
		if err != nil {
			return fmt.Errorf("insert role_assignment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		_, err = p.appendTx(ctx, tx, []audit.Draft{ev})
		return err
	})
	return changed, err
}

func (p *PGStore) RevokeRole(ctx context.Context, principal models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	changed := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM role_assignments WHERE principal = $1 AND role = $2`,
			string(principal), string(role))
		if err != nil {
			return fmt.Errorf("delete role_assignment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		_, err = p.appendTx(ctx, tx, []audit.Draft{ev})
		return err
	})
	return changed, err
}

func (p *PGStore) HasRole(ctx context.Context, principal models.Principal, role models.Role) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM role_assignments WHERE principal = $1 AND role = $2)`,
		string(principal), string(role)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query role: %w", err)
	}
	return ok, nil
}

func (p *PGStore) RolesOf(ctx context.Context, principal models.Principal) ([]models.Role, error) {
	names, err := p.queryStrings(ctx,
		`SELECT role FROM role_assignments WHERE principal = $1 ORDER BY role`, string(principal))
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	out := make([]models.Role, len(names))
	for i, n := range names {
		out[i] = models.Role(n)
	}
	return out, nil
}

func (p *PGStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM engine_settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query setting %s: %w", key, err)
	}
	return v, true, nil
}

func (p *PGStore) PutSetting(ctx context.Context, key, value string, events ...audit.Draft) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO engine_settings (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			key, value)
		if err != nil {
			return fmt.Errorf("upsert setting %s: %w", key, err)
		}
		_, err = p.appendTx(ctx, tx, events)
		return err
	})
}

func (p *PGStore) AppendEvent(ctx context.Context, d audit.Draft) (audit.Event, error) {
	var ev audit.Event
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		out, err := p.appendTx(ctx, tx, []audit.Draft{d})
		if err != nil {
			return err
		}
		ev = out[0]
		return nil
	})
	return ev, err
}

const eventColumns = `id, stream_id, seq, event_type, actor, payload, prev_hash, hash, signature, signer_id, ts,
	stream_status, attempts, archive_key, last_error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var (
		ev                        audit.Event
		actor                     string
		payload                   []byte
		prev, archiveKey, lastErr sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.StreamID, &ev.Seq, &ev.Type, &actor, &payload, &prev, &ev.Hash,
		&ev.Signature, &ev.SignerID, &ev.Ts, &ev.StreamStatus, &ev.Attempts, &archiveKey, &lastErr)
	if err != nil {
		return audit.Event{}, err
	}
	ev.Actor = models.Principal(actor)
	ev.Payload = json.RawMessage(payload)
	ev.PrevHash = prev.String
	ev.ArchiveKey = archiveKey.String
	ev.LastError = lastErr.String
	ev.Ts = ev.Ts.UTC()
	return ev, nil
}

func (p *PGStore) ListEvents(ctx context.Context, stream string) ([]audit.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE stream_id = $1 ORDER BY seq`, stream)
	if err != nil {
		return nil, fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()
	out := []audit.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit_event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchPendingEvents claims events with SELECT ... FOR UPDATE SKIP LOCKED. An event is not
// claimable while an earlier event of its stream holds a live claim.
func (p *PGStore) FetchPendingEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []audit.Event
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM audit_events e
			WHERE (e.stream_status IN ('pending', 'failed')
			       OR (e.stream_status = 'in_progress' AND e.claimed_at < now() - $2 * interval '1 second'))
			  AND NOT EXISTS (
			      SELECT 1 FROM audit_events p
			      WHERE p.stream_id = e.stream_id AND p.seq < e.seq
			        AND p.stream_status = 'in_progress' AND p.claimed_at >= now() - $2 * interval '1 second')
			ORDER BY e.stream_id, e.seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit, int(claimLease.Seconds()))
		if err != nil {
			return fmt.Errorf("select pending audit_events: %w", err)
		}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan audit_event: %w", err)
			}
			out = append(out, ev)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(out) == 0 {
			return nil
		}
		ids := make([]string, len(out))
		for i, ev := range out {
			ids[i] = ev.ID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE audit_events SET stream_status = 'in_progress', attempts = attempts + 1, claimed_at = now()
			WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("claim audit_events: %w", err)
		}
		for i := range out {
			out[i].StreamStatus = audit.StatusInProgress
			out[i].Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PGStore) MarkStreamResult(ctx context.Context, id, archiveKey string, ok bool, errMsg string) error {
	var err error
	if ok {
		_, err = p.db.ExecContext(ctx, `
			UPDATE audit_events
			SET stream_status = 'done', archive_key = $1, last_error = NULL, streamed_at = now()
			WHERE id = $2`, nullString(archiveKey), id)
	} else {
		_, err = p.db.ExecContext(ctx, `
			UPDATE audit_events SET stream_status = 'failed', last_error = $1
			WHERE id = $2`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark audit_event %s: %w", id, err)
	}
	return nil
}

func (p *PGStore) ReleaseEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE audit_events SET stream_status = 'pending', attempts = GREATEST(attempts - 1, 0)
		WHERE id = ANY($1) AND stream_status = 'in_progress'`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("release audit_events: %w", err)
	}
	return nil
}
