package crawlapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// flexID decodes an id sent either as a JSON string or as a number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	switch id := v.(type) {
	case string:
		*f = flexID(id)
	case json.Number:
		*f = flexID(id.String())
	default:
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
	return nil
}

type wireSpace struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

func (w wireSpace) space() crawler.Space {
	return crawler.Space{ID: string(w.ID), Name: w.Name}
}

type wireWebsite struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type wireRun struct {
	ID     flexID         `json:"id"`
	Status crawler.Status `json:"status"`
}

type spacesResponse struct {
	Items []wireSpace `json:"items"`
}

func (r spacesResponse) spaces() []crawler.Space {
	out := make([]crawler.Space, 0, len(r.Items))
	for _, sp := range r.Items {
		out = append(out, sp.space())
	}
	return out
}

type knowledgeResponse struct {
	Websites struct {
		Items []wireWebsite `json:"items"`
	} `json:"websites"`
}

func (r knowledgeResponse) websites() []crawler.Website {
	out := make([]crawler.Website, 0, len(r.Websites.Items))
	for _, w := range r.Websites.Items {
		out = append(out, crawler.Website{ID: string(w.ID), Name: w.Name, URL: w.URL})
	}
	return out
}

type websiteResponse struct {
	LatestCrawl *wireRun `json:"latest_crawl"`
}

type runsResponse struct {
	Items []wireRun `json:"items"`
}

type triggerResponse struct {
	ID flexID `json:"id"`
}
