// Package repository_test contains unit tests for the tweet queries.
package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
	"github.com/medialens/tweet-harvest-service/repository"
)

const insertPattern = `INSERT INTO tweets`

func makeTweet(t *testing.T, id, text, day string) models.Tweet {
	t.Helper()
	created, err := time.Parse(daterange.Layout, day)
	require.NoError(t, err)
	return models.Tweet{
		ID:        id,
		FullText:  text,
		CreatedAt: models.TweetTime{Time: created},
		Username:  "user",
	}
}

func TestInsertTweets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := repository.New(mock)

	first := makeTweet(t, "1", "banjir melanda", "2024-01-02")
	second := makeTweet(t, "2", "jakarta siaga", "2024-01-03")

	mock.ExpectQuery(insertPattern).
		WithArgs(first.ID, first.FullText, first.CreatedAt.Time, first.Username, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("1"))
	mock.ExpectQuery(insertPattern).
		WithArgs(second.ID, second.FullText, second.CreatedAt.Time, second.Username, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("2"))

	inserted, err := q.InsertTweets(context.Background(), []models.Tweet{first, second})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTweetsSkipsDuplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := repository.New(mock)

	duplicate := makeTweet(t, "1", "banjir", "2024-01-02")
	fresh := makeTweet(t, "2", "banjir", "2024-01-03")

	// ON CONFLICT DO NOTHING returns no row for the duplicate.
	mock.ExpectQuery(insertPattern).
		WithArgs(duplicate.ID, duplicate.FullText, duplicate.CreatedAt.Time, duplicate.Username, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(insertPattern).
		WithArgs(fresh.ID, fresh.FullText, fresh.CreatedAt.Time, fresh.Username, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("2"))

	inserted, err := q.InsertTweets(context.Background(), []models.Tweet{duplicate, fresh})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTweetsSurfacesErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := repository.New(mock)
	tweet := makeTweet(t, "1", "banjir", "2024-01-02")

	storeErr := errors.New("connection reset")
	mock.ExpectQuery(insertPattern).
		WithArgs(tweet.ID, tweet.FullText, tweet.CreatedAt.Time, tweet.Username, pgxmock.AnyArg()).
		WillReturnError(storeErr)

	_, err = q.InsertTweets(context.Background(), []models.Tweet{tweet})
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
}

func TestSearchTweets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := repository.New(mock)

	window, err := daterange.Parse("2024-01-01", "2024-01-31")
	require.NoError(t, err)

	created := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	raw, err := json.Marshal(map[string]string{"id_str": "1"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, full_text, created_at, username, raw`).
		WithArgs("banjir|jakarta", window.Start, window.End).
		WillReturnRows(pgxmock.NewRows([]string{"id", "full_text", "created_at", "username", "raw"}).
			AddRow("1", "banjir melanda jakarta", created, "user", raw))

	tweets, err := q.SearchTweets(context.Background(), "banjir jakarta", window)
	require.NoError(t, err)
	require.Len(t, tweets, 1)
	assert.Equal(t, "1", tweets[0].ID)
	assert.Equal(t, created, tweets[0].CreatedAt.Time)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeywordRegex(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
		expect  string
	}{
		{"single token", "banjir", "banjir"},
		{"tokens joined by pipe", "banjir jakarta", "banjir|jakarta"},
		{"metacharacters escaped", "c++ go", regexp.QuoteMeta("c++") + "|go"},
		{"extra whitespace collapsed", "  banjir   jakarta ", "banjir|jakarta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, repository.KeywordRegex(tt.keyword))
		})
	}
}
