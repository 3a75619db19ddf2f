package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SetEmbeddings stores vectors for the given chunk ids in one transaction.
// Either every vector in the batch is committed or none is. A chunk that
// disappeared (its entry was re-chunked or deleted) is skipped silently.
func (s *SQLiteStore) SetEmbeddings(ctx context.Context, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	now := formatTS(time.Now())
	return s.withTx(ctx, "set embeddings", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"UPDATE chunks SET embedding = ?, dimensions = ?, embedded_at = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, vec := range vectors {
			if len(vec) == 0 {
				return fmt.Errorf("empty vector for chunk %s", id)
			}
			if _, err := stmt.ExecContext(ctx, float32ToBytes(vec), len(vec), now, id); err != nil {
				return fmt.Errorf("storing embedding for chunk %s: %w", id, err)
			}
		}
		return nil
	})
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice (little-endian) back to float32 slice.
func bytesToFloat32(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
