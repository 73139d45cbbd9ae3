package crawlworker

import (
	"testing"

	"github.com/samber/mo"

	"github.com/medialens/tweet-harvest-service/common/daterange"
	"github.com/medialens/tweet-harvest-service/common/models"
)

func TestCoverageBounds(t *testing.T) {
	if coverageBounds(nil).IsPresent() {
		t.Error("empty record set must yield no coverage")
	}

	tweets := []models.Tweet{
		tweet("1", "a", "2024-01-05"),
		tweet("2", "b", "2024-01-02"),
		tweet("3", "c", "2024-01-09"),
	}
	covered, ok := coverageBounds(tweets).Get()
	if !ok {
		t.Fatal("expected coverage")
	}
	if covered.String() != "2024-01-02..2024-01-09" {
		t.Errorf("unexpected coverage %s", covered)
	}
}

func TestFilterByKeyword(t *testing.T) {
	tweets := []models.Tweet{
		tweet("1", "Banjir besar melanda", "2024-01-01"),
		tweet("2", "JAKARTA macet total", "2024-01-01"),
		tweet("3", "langit biru", "2024-01-01"),
		tweet("4", "banjirjakarta gabung", "2024-01-01"),
	}

	got, err := filterByKeyword(tweets, "banjir jakarta")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for _, tw := range got {
		if tw.ID == "3" {
			t.Error("non-matching tweet survived the filter")
		}
	}
}

func TestFilterByKeywordEscapesMetacharacters(t *testing.T) {
	tweets := []models.Tweet{
		tweet("1", "harga c++ naik", "2024-01-01"),
		tweet("2", "harga cpp naik", "2024-01-01"),
	}

	got, err := filterByKeyword(tweets, "c++")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("metacharacter keyword matched wrong tweets: %v", got)
	}
}

func TestPlanResiduals(t *testing.T) {
	req := mustRange(t, "2024-01-01", "2024-01-10")

	tests := []struct {
		name     string
		overlaps [][2]string
		covered  mo.Option[daterange.Range]
		expect   []string
	}{
		{
			"nothing known",
			nil,
			mo.None[daterange.Range](),
			[]string{"2024-01-01..2024-01-10"},
		},
		{
			"coverage joins the overlap set",
			[][2]string{{"2024-01-01", "2024-01-03"}},
			mo.Some(mustRange(t, "2024-01-08", "2024-01-10")),
			[]string{"2024-01-04..2024-01-07"},
		},
		{
			"coverage outside request is ignored",
			nil,
			mo.Some(mustRange(t, "2024-02-01", "2024-02-05")),
			[]string{"2024-01-01..2024-01-10"},
		},
		{
			"everything claimed",
			[][2]string{{"2024-01-01", "2024-01-05"}},
			mo.Some(mustRange(t, "2024-01-06", "2024-01-10")),
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overlaps := make([]daterange.Range, 0, len(tt.overlaps))
			for _, p := range tt.overlaps {
				overlaps = append(overlaps, mustRange(t, p[0], p[1]))
			}

			got := planResiduals(req, overlaps, tt.covered)
			if len(got) != len(tt.expect) {
				t.Fatalf("expected %d residuals, got %d: %v", len(tt.expect), len(got), got)
			}
			for i, want := range tt.expect {
				if got[i].String() != want {
					t.Errorf("residual %d: expected %s, got %s", i, want, got[i])
				}
			}
		})
	}
}

func mustRange(t *testing.T, start, end string) daterange.Range {
	t.Helper()
	r, err := daterange.Parse(start, end)
	if err != nil {
		t.Fatal(err)
	}
	return r
}
