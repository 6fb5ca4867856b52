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
	"fmt"
	"strconv"
	"strings"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// promptCaseLimit caps how many similar cases are shown to the model.
const promptCaseLimit = 10

// Metadata is the structured summary extracted from a ticket's free text.
type Metadata struct {
	MainIssue            string     `json:"main_issue"`
	AffectedSystem       string     `json:"affected_system"`
	UrgencyLevel         string     `json:"urgency_level"`
	ErrorMessages        string     `json:"error_messages"`
	TechnicalKeywords    StringList `json:"technical_keywords"`
	UserActions          string     `json:"user_actions"`
	ResolutionIndicators string     `json:"resolution_indicators"`
}

// StringList decodes from either a JSON array or a comma-separated string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*l = out
	return nil
}

const metadataSystem = `You analyse IT support tickets. Reply with a single JSON object with the keys
main_issue, affected_system, urgency_level (Critical, High, Medium or Low), error_messages,
technical_keywords (array of strings), user_actions and resolution_indicators.`

// ExtractMetadata asks the model for a structured summary of the ticket.
func (c *Client) ExtractMetadata(ctx context.Context, title, description string) (*Metadata, error) {
	user := fmt.Sprintf("Ticket Title: %q\n\nTicket Description: %q", title, description)

	var md Metadata
	if err := c.completeJSON(ctx, c.metadataModel, metadataSystem, user, &md); err != nil {
		return nil, fmt.Errorf("extract metadata: %w", err)
	}
	return &md, nil
}

const classifySystem = `You classify IT support tickets using historical tickets as guidance. Reply with a
single JSON object with the keys ISSUETYPE, SUBISSUETYPE, TICKETCATEGORY, TICKETTYPE,
PRIORITY and STATUS. Each value is an object {"Value": "<numeric code>", "Label": "<label>"}.`

// classificationKeys maps each classification field to the keys the model
// may use for it.
var classificationKeys = []struct {
	keys []string
	set  func(*models.Classification, string)
}{
	{[]string{"ISSUETYPE", "issue_type"}, func(c *models.Classification, v string) { c.IssueType = v }},
	{[]string{"SUBISSUETYPE", "sub_issue_type"}, func(c *models.Classification, v string) { c.SubIssueType = v }},
	{[]string{"TICKETCATEGORY", "category"}, func(c *models.Classification, v string) { c.Category = v }},
	{[]string{"TICKETTYPE", "ticket_type"}, func(c *models.Classification, v string) { c.TicketType = v }},
	{[]string{"PRIORITY", "priority"}, func(c *models.Classification, v string) { c.Priority = v }},
	{[]string{"STATUS", "status"}, func(c *models.Classification, v string) { c.Status = v }},
}

// Classify asks the model for the ticket's classification codes.
func (c *Client) Classify(ctx context.Context, title, description string, md *Metadata, similar []models.SimilarCase) (*models.Classification, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "New ticket title: %s\nNew ticket description: %s\n", title, description)
	if md != nil {
		mdJSON, _ := json.Marshal(md)
		fmt.Fprintf(&b, "Extracted metadata: %s\n", mdJSON)
	}
	writeCases(&b, similar)

	raw := map[string]json.RawMessage{}
	if err := c.completeJSON(ctx, c.chatModel, classifySystem, b.String(), &raw); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return parseClassification(raw), nil
}

// parseClassification reads each field as a bare string or number, or as an
// object carrying a "Value" key.
func parseClassification(raw map[string]json.RawMessage) *models.Classification {
	out := &models.Classification{}
	for _, field := range classificationKeys {
		for _, k := range field.keys {
			if v, ok := raw[k]; ok {
				if s := fieldValue(v); s != "" {
					field.set(out, s)
					break
				}
			}
		}
	}
	return out
}

func fieldValue(v json.RawMessage) string {
	var obj struct {
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(v, &obj); err == nil && len(obj.Value) > 0 {
		return scalar(obj.Value)
	}
	return scalar(v)
}

func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

const resolutionSystem = `You are an IT support engineer. Using the resolutions of similar past tickets,
write a short, numbered list of steps a technician should try for the new ticket.`

// SuggestResolution drafts resolution steps from similar resolved cases.
func (c *Client) SuggestResolution(ctx context.Context, title, description string, similar []models.SimilarCase) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "New ticket title: %s\nNew ticket description: %s\n", title, description)
	writeCases(&b, similar)

	text, err := c.complete(ctx, c.chatModel, resolutionSystem, b.String(), false)
	if err != nil {
		return "", fmt.Errorf("suggest resolution: %w", err)
	}
	return text, nil
}

func writeCases(b *strings.Builder, similar []models.SimilarCase) {
	if len(similar) == 0 {
		return
	}
	b.WriteString("\nSimilar historical tickets:\n")
	for i, sc := range similar {
		if i == promptCaseLimit {
			break
		}
		fmt.Fprintf(b, "%d. [%s] %s (score %.2f, issue type %s, priority %s)\n",
			i+1, sc.TicketNumber, sc.Title, sc.Score, sc.IssueType, sc.Priority)
		if sc.Resolution != "" {
			fmt.Fprintf(b, "   Resolution: %s\n", sc.Resolution)
		}
	}
}
