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

// Package models defines the data structures shared across the ticketing service.
package models

import "time"

// Attachment is a raw file carried by an inbound message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

// InboundMessage is one parsed unit of inbound mail. It is rebuilt on every
// poll and never persisted; only the Checkpoint derived from it is durable.
type InboundMessage struct {
	// UID is the mailbox-local handle used to mark the message consumed.
	UID uint32 `json:"uid"`

	MessageID      string       `json:"message_id"`
	ThreadID       string       `json:"thread_id"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	ReferenceChain []string     `json:"reference_chain,omitempty"`
	SenderAddress  string       `json:"sender_address"`
	SenderName     string       `json:"sender_name,omitempty"`
	Subject        string       `json:"subject"`
	BodyText       string       `json:"body_text"`
	Date           string       `json:"date,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IsReply        bool         `json:"is_reply"`

	// ParseError is set when the raw message could not be parsed. Only
	// UID and the content-hash MessageID are meaningful then.
	ParseError string `json:"parse_error,omitempty"`
}

// EmailType distinguishes the first message of a conversation from a reply.
type EmailType string

const (
	EmailTypeNew   EmailType = "new"
	EmailTypeReply EmailType = "reply"
)

// Action is the terminal outcome recorded for a processed message.
type Action string

const (
	ActionTicketCreated  Action = "ticket_created"
	ActionTicketUpdated  Action = "ticket_updated"
	ActionInvalidSender  Action = "invalid_sender"
	ActionNoOrganization Action = "no_organization"
	ActionCreationFailed Action = "creation_failed"
)

// Checkpoint marks a source message as processed. It is written exactly once
// per message_id and never mutated.
type Checkpoint struct {
	MessageID     string    `json:"message_id"`
	ThreadID      string    `json:"thread_id"`
	SenderAddress string    `json:"sender_address"`
	Subject       string    `json:"subject"`
	TicketNumber  *string   `json:"ticket_number"`
	EmailType     EmailType `json:"email_type"`
	References    []string  `json:"references,omitempty"`
	InReplyTo     string    `json:"in_reply_to,omitempty"`
	ActionTaken   Action    `json:"action_taken"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Thread is a conversation derived by grouping checkpoints on thread_id.
type Thread struct {
	ThreadID     string    `json:"thread_id"`
	FirstEmailAt time.Time `json:"first_email_at"`
	LastEmailAt  time.Time `json:"last_email_at"`
	EmailCount   int       `json:"email_count"`
	TicketNumber *string   `json:"ticket_number"`
	Subject      string    `json:"subject"`
}

// Account is a registered requester resolved from a sender address.
type Account struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	UserMail string `json:"user_mail"`
}
