// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store archives assembled frames. A Store writes and reads
// gob-encoded frame results by name; the file-backed store accepts
// any URL supported by grailfile (for example s3:// once an S3
// implementation is registered), so archives can land directly in
// object storage. FITS output remains an external collaborator; the
// archive is the run's own durable record.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/specslice/specslice"
)

// A WriteCommitter is a committable write stream into a store. Data
// is not visible to Open until Commit succeeds.
type WriteCommitter interface {
	io.Writer
	// Commit commits the written data to storage.
	Commit(ctx context.Context) error
	// Discard abandons the writer; nothing is committed.
	Discard(ctx context.Context)
}

// A Store holds named frame archives.
type Store interface {
	// Create returns a writer for the named archive. Creating an
	// archive that already exists is an error of kind Exists.
	Create(ctx context.Context, name string) (WriteCommitter, error)
	// Open returns a reader for the named archive. Opening a missing
	// archive returns an error of kind NotExist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// WriteFrame archives a frame result under the given name.
func WriteFrame(ctx context.Context, s Store, name string, frame *specslice.FrameResult) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(frame); err != nil {
		w.Discard(ctx)
		return err
	}
	return w.Commit(ctx)
}

// ReadFrame reads back a frame result archived with WriteFrame.
func ReadFrame(ctx context.Context, s Store, name string) (*specslice.FrameResult, error) {
	r, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	frame := new(specslice.FrameResult)
	if err := gob.NewDecoder(r).Decode(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Memory returns an in-memory store, used in tests and for
// short-lived runs.
func Memory() Store {
	return &memoryStore{frames: make(map[string][]byte)}
}

type memoryStore struct {
	mu     sync.Mutex
	frames map[string][]byte
}

type memoryWriter struct {
	bytes.Buffer
	name  string
	store *memoryStore
}

func (w *memoryWriter) Commit(ctx context.Context) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.frames[w.name] = w.Buffer.Bytes()
	return nil
}

func (*memoryWriter) Discard(context.Context) {}

func (m *memoryStore) Create(ctx context.Context, name string) (WriteCommitter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.frames[name]; ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", name))
	}
	return &memoryWriter{name: name, store: m}, nil
}

func (m *memoryStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	b, ok := m.frames[name]
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %s", name))
	}
	return ioutil.NopCloser(bytes.NewReader(b)), nil
}

// File returns a store that archives frames under the provided
// grailfile prefix; thus archives can be stored at any URL supported
// by grailfile (e.g., S3).
func File(prefix string) Store {
	return &fileStore{prefix: prefix}
}

type fileStore struct {
	prefix string
}

func (s *fileStore) path(name string) string {
	return file.Join(s.prefix, name+".frame")
}

type fileWriter struct {
	f file.File
	w io.Writer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *fileWriter) Commit(ctx context.Context) error {
	return w.f.Close(ctx)
}

func (w *fileWriter) Discard(ctx context.Context) {
	w.f.Discard(ctx)
}

func (s *fileStore) Create(ctx context.Context, name string) (WriteCommitter, error) {
	if _, err := file.Stat(ctx, s.path(name)); err == nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", s.path(name)))
	}
	f, err := file.Create(ctx, s.path(name))
	if err != nil {
		return nil, err
	}
	return &fileWriter{f: f, w: f.Writer(ctx)}, nil
}

func (s *fileStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.path(name))
	if err != nil {
		return nil, err
	}
	return &fileReadCloser{f: f, r: f.Reader(ctx), ctx: ctx}, nil
}

type fileReadCloser struct {
	f   file.File
	r   io.Reader
	ctx context.Context
}

func (r *fileReadCloser) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *fileReadCloser) Close() error               { return r.f.Close(r.ctx) }
