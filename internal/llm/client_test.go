// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

func chatReply(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:        url,
		APIKey:         "test-key",
		ChatModel:      "chat",
		EmbeddingModel: "embed",
		Timeout:        5 * time.Second,
	})
}

func TestEmbed_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req embeddingsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "embed" || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	vecs, err := newTestClient(srv.URL).Embed(context.Background(), []string{"a", ""})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors out of order: %v", vecs)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		chatReply(w, "1. Restart the router")
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).SuggestResolution(context.Background(), "t", "d", nil)
	if err != nil {
		t.Fatalf("SuggestResolution: %v", err)
	}
	if text != "1. Restart the router" {
		t.Errorf("text = %q", text)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SuggestResolution(context.Background(), "t", "d", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, MaxRetries: -1})
	start := time.Now()
	if _, err := c.SuggestResolution(context.Background(), "t", "d", nil); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %v, want it bounded by the timeout", elapsed)
	}
}

func TestClassify_NestedValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, "```json\n"+`{
			"ISSUETYPE": {"Value": "6", "Label": "Network"},
			"SUBISSUETYPE": {"Value": 12, "Label": "VPN"},
			"TICKETCATEGORY": "3",
			"TICKETTYPE": 1,
			"PRIORITY": {"Value": "2", "Label": "High"},
			"STATUS": {"Label": "Open"}
		}`+"\n```")
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Classify(context.Background(), "VPN down", "cannot connect",
		&Metadata{MainIssue: "vpn"}, []models.SimilarCase{{TicketNumber: "T0", Title: "VPN", Score: 0.9}})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := models.Classification{
		IssueType:    "6",
		SubIssueType: "12",
		Category:     "3",
		TicketType:   "1",
		Priority:     "2",
	}
	if *got != want {
		t.Errorf("classification = %+v, want %+v", *got, want)
	}
}

func TestExtractMetadata_KeywordString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, `{"main_issue":"printer jam","urgency_level":"Low","technical_keywords":"printer, tray ,"}`)
	}))
	defer srv.Close()

	md, err := newTestClient(srv.URL).ExtractMetadata(context.Background(), "Printer", "jammed")
	if err != nil {
		t.Fatalf("ExtractMetadata: %v", err)
	}
	if md.MainIssue != "printer jam" || md.UrgencyLevel != "Low" {
		t.Errorf("metadata = %+v", md)
	}
	if len(md.TechnicalKeywords) != 2 || md.TechnicalKeywords[1] != "tray" {
		t.Errorf("keywords = %v", md.TechnicalKeywords)
	}
}

func TestExtractMetadata_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, "not json")
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).ExtractMetadata(context.Background(), "a", "b"); err == nil {
		t.Fatal("expected decode error")
	}
}
