// Copyright 2025 LLMOS Bridge Authors
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

package eventbus

import (
	"encoding/json"
	"os"
	"sync"
)

// FileSink is a durable, append-only JSONL audit log: one Event per line.
// Grounded on the teacher's AuditLogger, simplified from its
// queue-plus-batch-writer-to-Postgres design to one unbuffered append per event,
// since the State Store (not the Event Bus) is this bridge's durable
// record of plan/action state — the audit log exists for forensic replay,
// not for recovery.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (creating if absent) path for append and returns a
// FileSink writing one JSON object per line.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends ev as one JSON line. Encode/write errors are swallowed —
// the Event Bus is best-effort per spec.md §7 and must never block or
// fail plan progress because of an audit-log write error.
func (s *FileSink) Write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(ev)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
