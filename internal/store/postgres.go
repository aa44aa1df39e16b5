package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrStatusConflict is returned when a conditional status transition matched
// no rows because the document's status changed underneath the caller.
var ErrStatusConflict = errors.New("document status changed concurrently")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, project_id, workflow_step, title, content, status, version, created_by, approved_by, created_at, updated_at, approved_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID, &doc.ProjectID, &doc.WorkflowStep, &doc.Title, &doc.Content,
		&doc.Status, &doc.Version, &doc.CreatedBy, &doc.ApprovedBy,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.ApprovedAt,
	)
	return doc, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, err
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, workflow_step, title, content, status, version, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.ProjectID, doc.WorkflowStep, doc.Title, doc.Content, doc.Status, doc.Version, doc.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectDocuments(ctx context.Context, projectID string, step int) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE project_id=$1`
	args := []any{projectID}
	if step > 0 {
		query += ` AND workflow_step=$2`
		args = append(args, step)
	}
	query += ` ORDER BY workflow_step, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

// Transition describes one status change to apply atomically together with
// its ledger entry.
type Transition struct {
	DocumentID string
	From       Status
	To         Status
	ActorID    string
	Action     HistoryAction
	Reason     string
}

// TransitionStatus applies a conditional status update and appends the
// matching approval-history entry in a single transaction. The UPDATE is
// guarded by the expected current status, so of two concurrent transitions
// from the same starting status exactly one commits; the other observes
// ErrStatusConflict. Approver fields are set when the document becomes
// official and cleared when it leaves pending_approval for private.
func (s *PostgresStore) TransitionStatus(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	switch t.To {
	case StatusOfficial:
		result, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET status=$1, approved_by=$2, approved_at=NOW(), updated_at=NOW()
			WHERE id=$3 AND status=$4
		`, t.To, t.ActorID, t.DocumentID, t.From)
	case StatusPrivate:
		result, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET status=$1, approved_by=NULL, approved_at=NULL, updated_at=NOW()
			WHERE id=$2 AND status=$3
		`, t.To, t.DocumentID, t.From)
	default:
		result, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET status=$1, updated_at=NOW()
			WHERE id=$2 AND status=$3
		`, t.To, t.DocumentID, t.From)
	}
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, t.DocumentID).Scan(&exists); err != nil {
			return fmt.Errorf("check document exists: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		return ErrStatusConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_history (document_id, actor_id, action, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.DocumentID, t.ActorID, t.Action, t.From, t.To, t.Reason); err != nil {
		return fmt.Errorf("append approval history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// UpdateDocumentContent archives the current content under its pre-increment
// version number, then bumps the version and replaces title and content.
// Status is untouched. The row lock makes archive and update one unit, so two
// concurrent edits each produce their own version record.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID, title, content, editedBy string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin content tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current Document
	err = tx.QueryRowContext(ctx, `
		SELECT id, title, content, version FROM documents WHERE id=$1 FOR UPDATE
	`, documentID).Scan(&current.ID, &current.Title, &current.Content, &current.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("lock document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, title, content, edited_by)
		VALUES ($1, $2, $3, $4, $5)
	`, documentID, current.Version, current.Title, current.Content, editedBy); err != nil {
		return 0, fmt.Errorf("archive document version: %w", err)
	}

	newVersion := current.Version + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET title=$1, content=$2, version=$3, updated_at=NOW() WHERE id=$4
	`, title, content, newVersion, documentID); err != nil {
		return 0, fmt.Errorf("update document content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit content update: %w", err)
	}
	return newVersion, nil
}

// UpdateDocumentTitle renames without touching content, version, or status.
func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, documentID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$1, updated_at=NOW() WHERE id=$2
	`, title, documentID)
	if err != nil {
		return fmt.Errorf("update document title: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("title rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, title, content, edited_by, created_at
		FROM document_versions WHERE document_id=$1 ORDER BY version
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	var versions []DocumentVersion
	for rows.Next() {
		var v DocumentVersion
		if err := rows.Scan(&v.DocumentID, &v.Version, &v.Title, &v.Content, &v.EditedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListApprovalHistory returns the append-only ledger for a document ordered
// by creation time. The ledger has no update or delete path.
func (s *PostgresStore) ListApprovalHistory(ctx context.Context, documentID string) ([]ApprovalHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, actor_id, action, from_status, to_status, reason, created_at
		FROM approval_history WHERE document_id=$1 ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	defer rows.Close()

	var entries []ApprovalHistoryEntry
	for rows.Next() {
		var entry ApprovalHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &entry.ActorID, &entry.Action, &entry.FromStatus, &entry.ToStatus, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval history: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetProjectMember(ctx context.Context, projectID, userID string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&member.ProjectID, &member.UserID, &member.Role, &member.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectMember{}, err
	}
	if err != nil {
		return ProjectMember{}, fmt.Errorf("get project member: %w", err)
	}
	return member, nil
}

// UpsertProjectMember keeps at most one membership row per (project, user)
// pair; re-inviting a member replaces the role.
func (s *PostgresStore) UpsertProjectMember(ctx context.Context, member ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.ProjectID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members WHERE project_id=$1 ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	var members []ProjectMember
	for rows.Next() {
		var member ProjectMember
		if err := rows.Scan(&member.ProjectID, &member.UserID, &member.Role, &member.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}
