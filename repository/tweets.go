package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

const insertTweet = `
INSERT INTO tweets (id, full_text, created_at, username, raw)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
RETURNING id
`

// InsertTweets stores a harvested batch, skipping records whose id is
// already present. Returns the ids actually inserted; order of the
// input batch is not significant.
func (q *Queries) InsertTweets(ctx context.Context, tweets []models.Tweet) ([]string, error) {
	inserted := make([]string, 0, len(tweets))
	for _, t := range tweets {
		raw := t.Raw
		if len(raw) == 0 {
			encoded, err := t.MarshalJSON()
			if err != nil {
				return inserted, fmt.Errorf("encoding tweet %s: %w", t.ID, err)
			}
			raw = encoded
		}

		var id string
		err := q.db.QueryRow(ctx, insertTweet, t.ID, t.FullText, t.CreatedAt.Time, t.Username, raw).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate id; tolerated by contract.
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("inserting tweet %s: %w", t.ID, err)
		}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

const searchTweets = `
SELECT id, full_text, created_at, username, raw
FROM tweets
WHERE full_text ~* $1
  AND created_at::date BETWEEN $2 AND $3
ORDER BY created_at
`

// SearchTweets returns every stored tweet whose text matches any token
// of the keyword, case-insensitively, with created_at inside the
// window at day granularity.
func (q *Queries) SearchTweets(ctx context.Context, keyword string, window daterange.Range) ([]models.Tweet, error) {
	rows, err := q.db.Query(ctx, searchTweets, KeywordRegex(keyword), window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("searching tweets for %q: %w", keyword, err)
	}
	defer rows.Close()

	var tweets []models.Tweet
	for rows.Next() {
		var (
			t         models.Tweet
			createdAt time.Time
		)
		if err := rows.Scan(&t.ID, &t.FullText, &createdAt, &t.Username, &t.Raw); err != nil {
			return nil, fmt.Errorf("scanning tweet row: %w", err)
		}
		t.CreatedAt = models.TweetTime{Time: createdAt}
		tweets = append(tweets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tweet rows: %w", err)
	}
	return tweets, nil
}

// KeywordRegex builds the POSIX pattern matching any whitespace
// separated token of the keyword. Metacharacters are escaped so
// keywords match literally.
func KeywordRegex(keyword string) string {
	tokens := strings.Fields(keyword)
	escaped := make([]string, 0, len(tokens))
	for _, token := range tokens {
		escaped = append(escaped, regexp.QuoteMeta(token))
	}
	return strings.Join(escaped, "|")
}
