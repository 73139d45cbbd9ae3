package messaging

import (
	"errors"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

// Job is one inbound scrape request as delivered on the project queue.
// Extra fields in the wire payload are ignored.
type Job struct {
	ProjectID   string `json:"project_id"`
	Keyword     string `json:"keyword"`
	StartDate   string `json:"start_date_crawl"`
	EndDate     string `json:"end_date_crawl"`
	AccessToken string `json:"tweetToken"`
}

var (
	ErrMissingProjectID = errors.New("job is missing project_id")
	ErrMissingKeyword   = errors.New("job is missing keyword")
	ErrInvalidRange     = errors.New("job has an invalid date range")
)

// Validate checks the required fields and returns the normalized
// requested window.
func (j Job) Validate() (daterange.Range, error) {
	if j.ProjectID == "" {
		return daterange.Range{}, ErrMissingProjectID
	}
	if j.Keyword == "" {
		return daterange.Range{}, ErrMissingKeyword
	}
	r, err := daterange.Parse(j.StartDate, j.EndDate)
	if err != nil {
		return daterange.Range{}, errors.Join(ErrInvalidRange, err)
	}
	return r, nil
}

// JobResult is the minimal downstream notification published when a job
// finishes: enough for consumers to query the harvested window.
type JobResult struct {
	ProjectID string `json:"project_id"`
	Keyword   string `json:"keyword"`
	StartDate string `json:"start"`
	EndDate   string `json:"end"`
}

// CrawledQuery asks the DB worker for existing records of a keyword
// inside a date window.
type CrawledQuery struct {
	Keyword   string `json:"keyword"`
	StartDate string `json:"start"`
	EndDate   string `json:"end"`
}

// FetchedData is the DB worker's answer to a CrawledQuery. RequestID
// echoes the message id of the query so the requester can correlate.
type FetchedData struct {
	RequestID string         `json:"request_id"`
	Data      []models.Tweet `json:"data"`
}

// PersistRequest carries harvested tweets to the DB worker.
type PersistRequest struct {
	ProjectID string         `json:"project_id"`
	Keyword   string         `json:"keyword"`
	Data      []models.Tweet `json:"data"`
}

// PersistResult reports which records an insert created.
type PersistResult struct {
	RequestID   string   `json:"request_id"`
	InsertedIDs []string `json:"inserted_ids"`
}
