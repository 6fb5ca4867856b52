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

// Package attachments stores files carried by inbound mail. Blobs go to a
// local directory or a Google Cloud Storage bucket; only allowed file types
// under the size cap are kept.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/anant-lad/EasyMyTicket/internal/models"
)

// DefaultMaxSize is the largest attachment accepted, in bytes.
const DefaultMaxSize = 50 * 1024 * 1024

var (
	// ErrNotAllowed is returned for file types outside the allow-list.
	ErrNotAllowed = errors.New("attachment type not allowed")
	// ErrTooLarge is returned for attachments over the size cap.
	ErrTooLarge = errors.New("attachment too large")
)

// allowedExtensions are the file types kept from inbound mail.
var allowedExtensions = map[string]bool{
	"pdf": true, "docx": true, "doc": true, "txt": true, "xml": true,
	"html": true, "csv": true, "xlsx": true, "xls": true, "png": true,
	"jpg": true, "jpeg": true, "gif": true, "bmp": true, "tiff": true,
}

// Blobs is the object storage the Saver writes to.
type Blobs interface {
	// Put stores data under key and returns the location it can be read from.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Stored describes a saved attachment.
type Stored struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Location    string `json:"location"`
}

// Saver validates attachments and writes them to a Blobs backend.
type Saver struct {
	blobs   Blobs
	maxSize int
}

// NewSaver creates a Saver. A non-positive maxSize uses DefaultMaxSize.
func NewSaver(blobs Blobs, maxSize int) *Saver {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Saver{blobs: blobs, maxSize: maxSize}
}

// Check reports whether att may be stored.
func (s *Saver) Check(att models.Attachment) error {
	if !Allowed(att.Filename) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, att.Filename)
	}
	size := att.Size
	if size == 0 {
		size = len(att.Data)
	}
	if size > s.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, att.Filename, size)
	}
	return nil
}

// Save stores att under the ticket's prefix.
func (s *Saver) Save(ctx context.Context, ticketNumber string, att models.Attachment) (*Stored, error) {
	if err := s.Check(att); err != nil {
		return nil, err
	}
	key := path.Join(ticketNumber, uuid.New().String()+"_"+SafeName(att.Filename))
	loc, err := s.blobs.Put(ctx, key, att.ContentType, att.Data)
	if err != nil {
		return nil, fmt.Errorf("store attachment %s: %w", att.Filename, err)
	}
	return &Stored{
		Filename:    att.Filename,
		ContentType: att.ContentType,
		Size:        len(att.Data),
		Location:    loc,
	}, nil
}

// Allowed reports whether the file extension is on the allow-list.
func Allowed(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	return allowedExtensions[ext]
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces a client-supplied filename to a single safe path element.
func SafeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "attachment"
	}
	return name
}

// LocalBlobs writes attachments below a directory.
type LocalBlobs struct {
	dir string
}

// NewLocalBlobs creates the directory if needed.
func NewLocalBlobs(dir string) (*LocalBlobs, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &LocalBlobs{dir: dir}, nil
}

// Put writes data to dir/key.
func (l *LocalBlobs) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	full := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", err
	}
	return full, nil
}
