package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// twitterTimeLayout is the legacy created_at format still emitted by
// some scraping drivers.
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Tweet is one harvested record. Only id_str, full_text and created_at
// are meaningful to the pipeline; the raw payload is preserved so
// downstream consumers receive whatever the driver captured.
type Tweet struct {
	ID        string    `json:"id_str"`
	FullText  string    `json:"full_text"`
	CreatedAt TweetTime `json:"created_at"`
	Username  string    `json:"username,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// TweetTime unmarshals created_at values in either RFC 3339 or the
// legacy Twitter layout.
type TweetTime struct {
	time.Time
}

func (t *TweetTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("created_at is not a string: %w", err)
	}

	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.Parse(twitterTimeLayout, s)
	if err != nil {
		return fmt.Errorf("unrecognized created_at %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

func (t TweetTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(time.RFC3339))
}

// UnmarshalJSON keeps a copy of the raw tweet object alongside the
// parsed fields.
func (tw *Tweet) UnmarshalJSON(data []byte) error {
	type alias Tweet
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*tw = Tweet(a)
	tw.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the preserved raw payload when one exists, so
// fields this version does not model survive the round trip.
func (tw Tweet) MarshalJSON() ([]byte, error) {
	if len(tw.Raw) > 0 {
		return tw.Raw, nil
	}
	type alias Tweet
	return json.Marshal(alias(tw))
}
