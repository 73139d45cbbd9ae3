package crawlworker

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

// coverageBounds derives the already-crawled window from existing
// records: the min/max created_at, truncated to days. None when there
// are no records.
func coverageBounds(tweets []models.Tweet) mo.Option[daterange.Range] {
	if len(tweets) == 0 {
		return mo.None[daterange.Range]()
	}

	min, max := tweets[0].CreatedAt.Time, tweets[0].CreatedAt.Time
	for _, t := range tweets[1:] {
		if t.CreatedAt.Before(min) {
			min = t.CreatedAt.Time
		}
		if t.CreatedAt.After(max) {
			max = t.CreatedAt.Time
		}
	}
	return mo.Some(daterange.New(min, max))
}

// keywordPattern compiles the case-insensitive alternation of the
// keyword's whitespace-separated tokens. Tokens are quoted so keywords
// containing regex metacharacters match literally.
func keywordPattern(keyword string) (*regexp.Regexp, error) {
	tokens := lo.Map(strings.Fields(keyword), func(token string, _ int) string {
		return regexp.QuoteMeta(token)
	})
	return regexp.Compile("(?i)" + strings.Join(tokens, "|"))
}

// filterByKeyword keeps the tweets whose full text matches any keyword
// token.
func filterByKeyword(tweets []models.Tweet, keyword string) ([]models.Tweet, error) {
	pattern, err := keywordPattern(keyword)
	if err != nil {
		return nil, err
	}
	return lo.Filter(tweets, func(t models.Tweet, _ int) bool {
		return pattern.MatchString(t.FullText)
	}), nil
}

// planResiduals computes the sub-ranges of req still needing a crawl:
// the request minus live-locked ranges minus the covered window.
func planResiduals(req daterange.Range, overlaps []daterange.Range, covered mo.Option[daterange.Range]) []daterange.Range {
	if c, ok := covered.Get(); ok {
		if clamped, intersects := c.Clamp(req); intersects {
			overlaps = append(overlaps, clamped)
		}
	}
	return daterange.Subtract(req, overlaps)
}
