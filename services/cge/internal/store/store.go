// Package store persists agreements, allocated identifiers, audit events
// and idempotency records in Postgres. Agreements are stored as one jsonb
// document per row; every mutation is read-modify-write inside a
// transaction with the row locked, and identifier allocation additionally
// takes an advisory lock per (kind, scope, year) so two concurrent
// allocations never mint the same number.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"time"

	"compromisos/pkg/domain"
	"compromisos/pkg/idalloc"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent update conflict")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// EnsureSchema creates the tables the engine needs. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS agreements(
  agreement_id text PRIMARY KEY,
  year int NOT NULL,
  scope text NOT NULL DEFAULT '',
  status text NOT NULL,
  doc jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS identifiers(
  code text PRIMARY KEY,
  kind text NOT NULL,
  scope text NOT NULL DEFAULT '',
  year int NOT NULL,
  n int NOT NULL
);
CREATE INDEX IF NOT EXISTS identifiers_by_bucket ON identifiers(kind, scope, year);
CREATE TABLE IF NOT EXISTS audit_events(
  event_id text PRIMARY KEY,
  agreement_id text NOT NULL,
  type text NOT NULL,
  actor_id text,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  occurred_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS idempotency_records(
  actor_id text NOT NULL,
  idempotency_key text NOT NULL,
  endpoint text NOT NULL,
  response_status int NOT NULL,
  response_body jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (actor_id, idempotency_key, endpoint)
);`)
	return err
}

// lockKey hashes an allocation bucket into the advisory-lock keyspace.
func lockKey(kind idalloc.Kind, scope string, year int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(kind) + "|" + scope + "|" + strconv.Itoa(year)))
	return int64(h.Sum64())
}

// allocateInTx mints the smallest free code for a bucket. Callers must
// already hold a transaction; the advisory lock lives until it ends.
func (s *Store) allocateInTx(ctx context.Context, tx pgx.Tx, kind idalloc.Kind, scope string, year int) (string, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(kind, scope, year)); err != nil {
		return "", err
	}
	rows, err := tx.Query(ctx, `SELECT code FROM identifiers WHERE kind=$1 AND scope=$2 AND year=$3`, string(kind), scope, year)
	if err != nil {
		return "", err
	}
	var existing []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return "", err
		}
		existing = append(existing, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}
	n := idalloc.Allocate(existing, kind, scope, year)
	code := idalloc.Format(kind, scope, n, year)
	_, err = tx.Exec(ctx, `INSERT INTO identifiers(code,kind,scope,year,n) VALUES($1,$2,$3,$4,$5)`,
		code, string(kind), scope, year, n)
	if err != nil {
		return "", err
	}
	return code, nil
}

// AllocateIdentifier mints a code in its own transaction. Used by the
// explicit allocation endpoint at the import boundary.
func (s *Store) AllocateIdentifier(ctx context.Context, kind idalloc.Kind, scope string, year int) (string, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	code, err := s.allocateInTx(ctx, tx, kind, scope, year)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return code, nil
}

// CreateAgreement allocates the agreement's code and persists the
// document atomically. The allocated id is written into a.ID.
func (s *Store) CreateAgreement(ctx context.Context, a *domain.Agreement, scope string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	code, err := s.allocateInTx(ctx, tx, idalloc.KindAgreement, scope, a.Year)
	if err != nil {
		return err
	}
	a.ID = code
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO agreements(agreement_id,year,scope,status,doc) VALUES($1,$2,$3,$4,$5::jsonb)`,
		a.ID, a.Year, scope, string(a.Status), doc)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetAgreement(ctx context.Context, id string) (*domain.Agreement, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM agreements WHERE agreement_id=$1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.Agreement
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgreements returns agreements, optionally filtered by year (0 = all).
func (s *Store) ListAgreements(ctx context.Context, year int) ([]*domain.Agreement, error) {
	q := `SELECT doc FROM agreements ORDER BY agreement_id`
	args := []any{}
	if year != 0 {
		q = `SELECT doc FROM agreements WHERE year=$1 ORDER BY agreement_id`
		args = append(args, year)
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Agreement
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a domain.Agreement
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateAgreement applies mutate to the stored document under a row lock.
// When expect is non-empty and the stored status no longer matches, the
// update fails with ErrConflict and nothing is written; the caller should
// reload and retry. Errors returned by mutate roll the transaction back
// untouched.
func (s *Store) UpdateAgreement(ctx context.Context, id string, expect domain.AgreementStatus, mutate func(*domain.Agreement) error) (*domain.Agreement, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	a, err := s.lockAgreement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if expect != "" && a.Status != expect {
		return nil, ErrConflict
	}
	if err := mutate(a); err != nil {
		return nil, err
	}
	if err := s.writeAgreement(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// AddSheet allocates the sheet's code (scoped by its agreement) and
// appends it, all in one transaction. The check callback runs against the
// row-locked document, so a permission decision cannot race a concurrent
// transition; a check error rolls everything back.
func (s *Store) AddSheet(ctx context.Context, agreementID string, sheet domain.Sheet, check func(*domain.Agreement) error) (*domain.Agreement, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	a, err := s.lockAgreement(ctx, tx, agreementID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(a); err != nil {
			return nil, err
		}
	}
	code, err := s.allocateInTx(ctx, tx, idalloc.KindSheet, a.ID, a.Year)
	if err != nil {
		return nil, err
	}
	sheet.ID = code
	if sheet.Targets == nil {
		sheet.Targets = []domain.Target{}
	}
	a.Sheets = append(a.Sheets, sheet)
	if err := s.writeAgreement(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// AddTarget allocates the target's code (scoped by its sheet) and appends
// it. The check callback runs against the row-locked document, same as
// AddSheet.
func (s *Store) AddTarget(ctx context.Context, agreementID, sheetID string, target domain.Target, check func(*domain.Agreement) error) (*domain.Agreement, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	a, err := s.lockAgreement(ctx, tx, agreementID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(a); err != nil {
			return nil, err
		}
	}
	sheet := a.FindSheet(sheetID)
	if sheet == nil {
		return nil, ErrNotFound
	}
	code, err := s.allocateInTx(ctx, tx, idalloc.KindTarget, sheet.ID, a.Year)
	if err != nil {
		return nil, err
	}
	target.ID = code
	target.Compliance = domain.Evaluate(&target)
	sheet.Targets = append(sheet.Targets, target)
	if err := s.writeAgreement(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) lockAgreement(ctx context.Context, tx pgx.Tx, id string) (*domain.Agreement, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT doc FROM agreements WHERE agreement_id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.Agreement
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) writeAgreement(ctx context.Context, tx pgx.Tx, a *domain.Agreement) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE agreements SET doc=$1::jsonb, status=$2, updated_at=now() WHERE agreement_id=$3`,
		doc, string(a.Status), a.ID)
	return err
}

func (s *Store) AddEvent(ctx context.Context, eventID, agreementID, typ, actorID string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	_, err := s.DB.Exec(ctx, `INSERT INTO audit_events(event_id,agreement_id,type,actor_id,payload) VALUES($1,$2,$3,$4,$5::jsonb)`,
		eventID, agreementID, typ, actorID, string(b))
	return err
}

func (s *Store) ListEvents(ctx context.Context, agreementID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `SELECT type,actor_id,occurred_at,payload FROM audit_events WHERE agreement_id=$1 ORDER BY occurred_at ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var typ string
		var actorID *string
		var at time.Time
		var payload []byte
		if err := rows.Scan(&typ, &actorID, &at, &payload); err != nil {
			return nil, err
		}
		var obj any
		_ = json.Unmarshal(payload, &obj)
		out = append(out, map[string]any{"type": typ, "actor_id": actorID, "at": at.Format(time.RFC3339), "payload": obj})
	}
	return out, rows.Err()
}

// Idempotency store contract used by the idempotency package.

func (s *Store) GetIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `SELECT response_status,response_body FROM idempotency_records WHERE actor_id=$1 AND idempotency_key=$2 AND endpoint=$3`,
		actorID, idempotencyKey, endpoint).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var obj map[string]any
	_ = json.Unmarshal(body, &obj)
	return status, obj, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	b, _ := json.Marshal(responseBody)
	_, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (actor_id,idempotency_key,endpoint) DO NOTHING`,
		actorID, idempotencyKey, endpoint, responseStatus, string(b))
	return err
}
