// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package transync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEntryStore persists translation entries in Postgres. QA flags travel as a
// JSON column so conflict annotations survive round trips untouched.
type PGEntryStore struct {
	pool *pgxpool.Pool
}

func NewPGEntryStore(pool *pgxpool.Pool) *PGEntryStore {
	return &PGEntryStore{pool: pool}
}

const entryColumns = `uid, uida_keys_b64, uida_hash, key, src_text, dst_text,
	status, language_file_uid, qa_flags, created_at, updated_at`

func (s *PGEntryStore) FindByUID(ctx context.Context, uid string) (*TranslationEntry, error) {
	return s.findOne(ctx, /*language=postgresql*/ `
		SELECT `+entryColumns+` FROM transync.translation_entries WHERE uid = $1`, uid)
}

func (s *PGEntryStore) FindByUIDAHash(ctx context.Context, uidaHash string) (*TranslationEntry, error) {
	return s.findOne(ctx, /*language=postgresql*/ `
		SELECT `+entryColumns+` FROM transync.translation_entries WHERE uida_hash = $1`, uidaHash)
}

func (s *PGEntryStore) FindByFileKey(ctx context.Context, languageFileUID, key string) (*TranslationEntry, error) {
	return s.findOne(ctx, /*language=postgresql*/ `
		SELECT `+entryColumns+` FROM transync.translation_entries
		WHERE language_file_uid = $1 AND key = $2`, languageFileUID, key)
}

func (s *PGEntryStore) findOne(ctx context.Context, query string, args ...any) (*TranslationEntry, error) {
	var (
		entry       TranslationEntry
		uidaKeysB64 *string
		uidaHash    *string
		qaFlags     []byte
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&entry.UID, &uidaKeysB64, &uidaHash, &entry.Key,
		&entry.SrcText, &entry.DstText, &entry.Status, &entry.LanguageFileUID,
		&qaFlags, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry: %w", err)
	}
	if uidaKeysB64 != nil {
		entry.UIDAKeysB64 = *uidaKeysB64
	}
	if uidaHash != nil {
		entry.UIDAHash = *uidaHash
	}
	if len(qaFlags) > 0 {
		if err := json.Unmarshal(qaFlags, &entry.QAFlags); err != nil {
			return nil, fmt.Errorf("decode qa_flags for %s: %w", entry.UID, err)
		}
	}
	return &entry, nil
}

func (s *PGEntryStore) Create(ctx context.Context, entry *TranslationEntry) error {
	qaFlags, err := marshalQAFlags(entry.QAFlags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, /*language=postgresql*/ `
		INSERT INTO transync.translation_entries
			(uid, uida_keys_b64, uida_hash, key, src_text, dst_text,
			 status, language_file_uid, qa_flags, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.UID, entry.UIDAKeysB64, entry.UIDAHash, entry.Key,
		entry.SrcText, entry.DstText, entry.Status, entry.LanguageFileUID,
		qaFlags, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", entry.UID, err)
	}
	return nil
}

func (s *PGEntryStore) Update(ctx context.Context, entry *TranslationEntry) error {
	qaFlags, err := marshalQAFlags(entry.QAFlags)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		UPDATE transync.translation_entries
		SET uida_keys_b64 = NULLIF($2, ''), uida_hash = NULLIF($3, ''), key = $4,
			src_text = $5, dst_text = $6, status = $7, language_file_uid = $8,
			qa_flags = $9, updated_at = $10
		WHERE uid = $1`,
		entry.UID, entry.UIDAKeysB64, entry.UIDAHash, entry.Key,
		entry.SrcText, entry.DstText, entry.Status, entry.LanguageFileUID,
		qaFlags, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", entry.UID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update entry %s: no such entry", entry.UID)
	}
	return nil
}

func (s *PGEntryStore) Delete(ctx context.Context, uid string) error {
	_, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		DELETE FROM transync.translation_entries WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", uid, err)
	}
	return nil
}

func marshalQAFlags(flags map[string]any) ([]byte, error) {
	if flags == nil {
		return nil, nil
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("encode qa_flags: %w", err)
	}
	return data, nil
}
