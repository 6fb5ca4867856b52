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

package mailbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

const defaultSubject = "No Subject"

// Read parses a fetched message. A message that cannot be parsed is still
// returned, keyed by its content hash with ParseError set, so the caller
// can count it against the failure ledger instead of refetching it forever.
func Read(uid uint32, r io.Reader) (models.InboundMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return models.InboundMessage{}, fmt.Errorf("read message: %w", err)
	}
	msg, err := Parse(uid, bytes.NewReader(raw))
	if err != nil {
		id := syntheticID(raw)
		return models.InboundMessage{
			UID:        uid,
			MessageID:  id,
			ThreadID:   id,
			Subject:    defaultSubject,
			ParseError: err.Error(),
		}, nil
	}
	return *msg, nil
}

// Parse reads one RFC 5322 message and derives its threading fields.
func Parse(uid uint32, r io.Reader) (*models.InboundMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &models.InboundMessage{
		UID:            uid,
		MessageID:      stripBrackets(h.Get("Message-Id")),
		InReplyTo:      stripBrackets(h.Get("In-Reply-To")),
		ReferenceChain: parseReferences(h.Get("References")),
		Date:           h.Get("Date"),
	}
	if msg.MessageID == "" {
		msg.MessageID = syntheticID(raw)
		slog.Warn("message has no Message-ID, using content hash", "uid", uid, "message_id", msg.MessageID)
	}
	msg.ThreadID, msg.IsReply = ResolveThread(msg.MessageID, msg.InReplyTo, msg.ReferenceChain)

	msg.SenderAddress, msg.SenderName = sender(h)

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	msg.Subject = strings.TrimSpace(subject)
	if msg.Subject == "" {
		msg.Subject = defaultSubject
	}

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				slog.Warn("skipping part with unknown charset", "message_id", msg.MessageID, "error", err)
				continue
			}
			slog.Warn("stopped reading message parts", "message_id", msg.MessageID, "error", err)
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			if name := inlineFilename(ph); name != "" {
				if att, ok := readAttachment(name, ph.Header, p.Body); ok {
					msg.Attachments = append(msg.Attachments, att)
				}
				continue
			}
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch ct {
			case "text/plain":
				if plain == "" {
					plain = string(body)
				}
			case "text/html":
				if htmlBody == "" {
					htmlBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			name, err := ph.Filename()
			if err != nil || name == "" {
				continue
			}
			if att, ok := readAttachment(name, ph.Header, p.Body); ok {
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	if strings.TrimSpace(plain) != "" {
		msg.BodyText = strings.TrimSpace(plain)
	} else {
		msg.BodyText = HTMLToText(htmlBody)
	}
	return msg, nil
}

// ResolveThread returns the conversation key of a message and whether it is
// a reply. The first reference names the thread root; without references
// the message starts its own thread.
func ResolveThread(messageID, inReplyTo string, refs []string) (string, bool) {
	threadID := messageID
	if len(refs) > 0 {
		threadID = refs[0]
	}
	return threadID, inReplyTo != "" || len(refs) > 0
}

func stripBrackets(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		id = id[1 : len(id)-1]
	}
	return strings.TrimSpace(id)
}

// parseReferences splits a References header on whitespace, in header order.
func parseReferences(header string) []string {
	var refs []string
	for _, f := range strings.Fields(header) {
		if id := stripBrackets(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

func sender(h mail.Header) (address, name string) {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return strings.ToLower(strings.TrimSpace(list[0].Address)), list[0].Name
	}
	raw := h.Get("From")
	if i, j := strings.LastIndex(raw, "<"), strings.LastIndex(raw, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(raw[i+1 : j])), strings.Trim(strings.TrimSpace(raw[:i]), `"`)
	}
	return strings.ToLower(strings.TrimSpace(raw)), ""
}

// inlineFilename returns the filename of an inline part that carries one.
func inlineFilename(h *mail.InlineHeader) string {
	ah := mail.AttachmentHeader{Header: h.Header}
	name, err := ah.Filename()
	if err == nil && name != "" {
		return name
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func readAttachment(name string, h message.Header, body io.Reader) (models.Attachment, bool) {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return models.Attachment{}, false
	}
	ct, _, err := h.ContentType()
	if err != nil || ct == "" {
		ct = "application/octet-stream"
	}
	return models.Attachment{
		Filename:    name,
		ContentType: ct,
		Size:        len(data),
		Data:        data,
	}, true
}

func syntheticID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "generated-" + hex.EncodeToString(sum[:16]) + "@local"
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// blockTags end a line when they close.
var blockTags = map[string]bool{"div": true, "li": true, "tr": true, "h1": true, "h2": true, "h3": true}

// HTMLToText renders an HTML body as plain text. Script and style content is
// dropped, <br> becomes a newline and paragraphs are separated by a blank line.
func HTMLToText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	var b strings.Builder
	skip := 0
	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			out := strings.ReplaceAll(b.String(), "\u00a0", " ")
			out = blankLines.ReplaceAllString(out, "\n\n")
			return strings.TrimSpace(out)
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "br":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case tag == "p":
				b.WriteString("\n\n")
			case blockTags[tag]:
				b.WriteByte('\n')
			}
		}
	}
}
