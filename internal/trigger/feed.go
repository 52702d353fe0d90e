package trigger

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// HTTPFeedSource reads RSS/Atom feeds and reports the timestamp of
// the newest entry.
type HTTPFeedSource struct {
	client *http.Client
}

// NewHTTPFeedSource builds an HTTPFeedSource.
func NewHTTPFeedSource(timeout time.Duration) *HTTPFeedSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeedSource{client: &http.Client{Timeout: timeout}}
}

// feedDocument covers the subset of RSS 2.0 and Atom needed to find
// entry timestamps.
type feedDocument struct {
	XMLName xml.Name
	Channel struct {
		Items []struct {
			PubDate string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
	Entries []struct {
		Updated   string `xml:"updated"`
		Published string `xml:"published"`
	} `xml:"entry"`
}

// LatestEntry implements FeedSource.
func (s *HTTPFeedSource) LatestEntry(ctx context.Context, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "build feed request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "fetch feed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("feed returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "read feed")
	}

	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "parse feed")
	}

	var latest time.Time
	consider := func(raw string) {
		if raw == "" {
			return
		}
		if ts, ok := parseFeedTime(raw); ok && ts.After(latest) {
			latest = ts
		}
	}
	for _, item := range doc.Channel.Items {
		consider(item.PubDate)
	}
	for _, entry := range doc.Entries {
		consider(entry.Updated)
		consider(entry.Published)
	}

	if latest.IsZero() {
		return time.Time{}, xerrors.New(xerrors.CodeProviderFailure, "feed has no dated entries")
	}
	return latest, nil
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
}

func parseFeedTime(raw string) (time.Time, bool) {
	for _, layout := range feedTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

var _ FeedSource = (*HTTPFeedSource)(nil)
