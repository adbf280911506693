package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/qna-reconciler/internal/model"
)

// FindExpiredOpenPolls returns up to limit open polls with close_at before
// now and id greater than afterID, ordered by id.
func (s *Store) FindExpiredOpenPolls(ctx context.Context, now time.Time, afterID int64, limit int) ([]model.Poll, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, question_id, title, close_at, status
		FROM polls
		WHERE status = 'OPEN' AND close_at < $1 AND id > $2
		ORDER BY id
		LIMIT $3`, now, afterID, limit)
	if err != nil {
		return nil, classify(err, "query expired polls")
	}
	polls, err := pgx.CollectRows(rows, scanPoll)
	if err != nil {
		return nil, classify(err, "scan expired polls")
	}
	return polls, nil
}

func (s *Store) ExistsExpiredOpenPolls(ctx context.Context, now time.Time) (bool, error) {
	var ok bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM polls WHERE status = 'OPEN' AND close_at < $1
		)`, now).Scan(&ok)
	if err != nil {
		return false, classify(err, "exists expired polls")
	}
	return ok, nil
}

// SavePolls writes the status of every poll in one batch. Rows already in the
// target status are left untouched.
func (s *Store) SavePolls(ctx context.Context, polls []model.Poll) error {
	if len(polls) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range polls {
		b.Queue(`
			UPDATE polls SET status = $2, updated_at = now()
			WHERE id = $1 AND status <> $2`, p.ID, string(p.Status))
	}
	br := s.q(ctx).SendBatch(ctx, b)
	for range polls {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return classify(err, "save polls")
		}
	}
	return classify(br.Close(), "save polls")
}

func (s *Store) CreatePoll(ctx context.Context, p model.Poll) (int64, error) {
	if p.Status == "" {
		p.Status = model.PollOpen
	}
	var id int64
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO polls (question_id, title, close_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, p.QuestionID, p.Title, p.CloseAt, string(p.Status)).Scan(&id)
	if err != nil {
		return 0, classify(err, "create poll")
	}
	return id, nil
}

func (s *Store) GetPoll(ctx context.Context, id int64) (model.Poll, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, question_id, title, close_at, status FROM polls WHERE id = $1`, id)
	if err != nil {
		return model.Poll{}, classify(err, "get poll")
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPoll)
	if err != nil {
		return model.Poll{}, classify(err, "get poll")
	}
	return p, nil
}

func (s *Store) CountPolls(ctx context.Context, status model.PollStatus) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM polls WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, classify(err, "count polls")
	}
	return n, nil
}

func scanPoll(row pgx.CollectableRow) (model.Poll, error) {
	var (
		p      model.Poll
		status string
	)
	if err := row.Scan(&p.ID, &p.QuestionID, &p.Title, &p.CloseAt, &status); err != nil {
		return model.Poll{}, err
	}
	p.Status = model.PollStatus(status)
	return p, nil
}
