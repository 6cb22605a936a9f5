package database

import (
	"context"
	"fmt"

	"github.com/carecall/carecall/internal/database/models"
)

// phraseRepo implements PhraseRepository.
type phraseRepo struct {
	db *DB
}

// NewPhraseRepository creates a new PhraseRepository.
func NewPhraseRepository(db *DB) PhraseRepository {
	return &phraseRepo{db: db}
}

func (r *phraseRepo) Create(ctx context.Context, p *models.EmergencyPhrase) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO emergency_phrases (language, severity, category, phrase)
		 VALUES (?, ?, ?, ?)`,
		p.Language, p.Severity, p.Category, p.Phrase,
	)
	if err != nil {
		return fmt.Errorf("inserting emergency phrase: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

func (r *phraseRepo) ListAll(ctx context.Context) ([]models.EmergencyPhrase, error) {
	return r.list(ctx,
		`SELECT id, language, severity, category, phrase FROM emergency_phrases ORDER BY id`)
}

// ListByLanguage returns the phrases for one language plus the
// language-agnostic "*" entries.
func (r *phraseRepo) ListByLanguage(ctx context.Context, language string) ([]models.EmergencyPhrase, error) {
	return r.list(ctx,
		`SELECT id, language, severity, category, phrase FROM emergency_phrases
		 WHERE language = ? OR language = '*' ORDER BY id`, language)
}

func (r *phraseRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM emergency_phrases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting emergency phrase: %w", err)
	}
	return nil
}

func (r *phraseRepo) list(ctx context.Context, query string, args ...any) ([]models.EmergencyPhrase, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing emergency phrases: %w", err)
	}
	defer rows.Close()

	var ps []models.EmergencyPhrase
	for rows.Next() {
		var p models.EmergencyPhrase
		if err := rows.Scan(&p.ID, &p.Language, &p.Severity, &p.Category, &p.Phrase); err != nil {
			return nil, fmt.Errorf("scanning emergency phrase row: %w", err)
		}
		ps = append(ps, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating emergency phrase rows: %w", err)
	}
	return ps, nil
}
