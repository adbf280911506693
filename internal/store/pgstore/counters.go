package pgstore

import (
	"context"

	"github.com/mohammed-shakir/qna-reconciler/internal/model"
)

// GetViewCounts returns the durable count of every id that has a row.
func (s *Store) GetViewCounts(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT question_id, view_count FROM view_counters
		WHERE question_id = ANY($1)`, ids)
	if err != nil {
		return nil, classify(err, "get view counts")
	}
	defer rows.Close()
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, classify(err, "scan view counts")
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "get view counts")
	}
	return out, nil
}

// SaveViewCounts raises durable counters to the given values. A counter is
// never lowered; the number of rows changed is returned.
func (s *Store) SaveViewCounts(ctx context.Context, counts []model.ViewCount) (int64, error) {
	if len(counts) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(counts))
	vals := make([]int64, len(counts))
	for i, c := range counts {
		ids[i], vals[i] = c.QuestionID, c.Count
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE view_counters AS v
		SET view_count = GREATEST(v.view_count, u.n), updated_at = now()
		FROM unnest($1::bigint[], $2::bigint[]) AS u(id, n)
		WHERE v.question_id = u.id AND u.n > v.view_count`, ids, vals)
	if err != nil {
		return 0, classify(err, "save view counts")
	}
	return tag.RowsAffected(), nil
}

// GetViewCount returns model.ErrNotFound when the question has no counter.
func (s *Store) GetViewCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.q(ctx).QueryRow(ctx, `SELECT view_count FROM view_counters WHERE question_id = $1`, id).Scan(&n)
	if err != nil {
		return 0, classify(err, "get view count")
	}
	return n, nil
}

// EnsureViewCounter creates a zero counter for id if none exists.
func (s *Store) EnsureViewCounter(ctx context.Context, id int64) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO view_counters (question_id, view_count) VALUES ($1, 0)
		ON CONFLICT (question_id) DO NOTHING`, id)
	return classify(err, "ensure view counter")
}
