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

package models

import "time"

// Availability is a responder's presence state.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityOnLeave     Availability = "on_leave"
	AvailabilityHalfDay     Availability = "half_day"
	AvailabilityWFH         Availability = "wfh"
	AvailabilityOffline     Availability = "offline"
	AvailabilityOutOfOffice Availability = "out_of_office"
	AvailabilityAway        Availability = "away"
)

// Assignable reports whether a responder in this state may receive new tickets.
func (a Availability) Assignable() bool {
	return a == AvailabilityAvailable || a == AvailabilityWFH
}

// Responder is a human assignee (technician).
type Responder struct {
	TechID          string       `json:"tech_id"`
	Name            string       `json:"tech_name"`
	Mail            string       `json:"tech_mail"`
	Skills          string       `json:"skills"`
	CurrentWorkload int          `json:"current_workload"`
	SolvedCount     int          `json:"solved_count"`
	Availability    Availability `json:"availability"`
}

// AssignmentStatus is the state of an assignment history row.
type AssignmentStatus string

const (
	AssignmentAssigned AssignmentStatus = "assigned"
	AssignmentResolved AssignmentStatus = "resolved"
)

// AssignmentRecord is an append-only audit row of an assignment decision.
type AssignmentRecord struct {
	ID               int64            `json:"id"`
	TicketNumber     string           `json:"ticket_number"`
	TechID           string           `json:"tech_id"`
	TechName         string           `json:"tech_name,omitempty"`
	AssignedAt       time.Time        `json:"assigned_at"`
	UnassignedAt     *time.Time       `json:"unassigned_at"`
	AssignmentStatus AssignmentStatus `json:"assignment_status"`
	AssignmentReason string           `json:"assignment_reason"`
	SkillMatchScore  int              `json:"skill_match_score"`
}

// Classification holds the structured fields returned by the classifier.
// Empty fields mean the classifier did not provide them.
type Classification struct {
	IssueType    string `json:"issue_type"`
	SubIssueType string `json:"sub_issue_type"`
	Category     string `json:"category"`
	TicketType   string `json:"ticket_type"`
	Priority     string `json:"priority"`
	Status       string `json:"status"`
}

// SimilarCase is a historical case ranked against a new one.
type SimilarCase struct {
	TicketNumber string  `json:"ticket_number"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	IssueType    string  `json:"issue_type,omitempty"`
	SubIssueType string  `json:"sub_issue_type,omitempty"`
	Category     string  `json:"category,omitempty"`
	TicketType   string  `json:"ticket_type,omitempty"`
	Priority     string  `json:"priority,omitempty"`
	Resolution   string  `json:"resolution,omitempty"`
	SourceTable  string  `json:"source_table"`
	Score        float64 `json:"similarity_score"`
}

// Ticket is the persisted support case. The assignment engine only reads and
// writes AssignedTechID.
type Ticket struct {
	ID             int64     `json:"id"`
	TicketNumber   string    `json:"ticket_number"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	UserID         string    `json:"user_id"`
	CompanyID      string    `json:"company_id"`
	Source         string    `json:"source"`
	Status         string    `json:"status"`
	Resolution     string    `json:"resolution,omitempty"`
	AssignedTechID string    `json:"assigned_tech_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Classification
}
