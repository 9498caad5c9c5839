// SPDX-License-Identifier: MIT

// Package ingest receives chunked recording uploads, verifies them and
// publishes complete sessions atomically. Upload and session state live in a
// badger store so an ingest restart resumes exactly where the uploads left
// off; chunk presence is read from disk, which survives crashes that the
// store would misreport.
package ingest

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// UploadState is the server-side upload lifecycle.
type UploadState string

const (
	UploadActive    UploadState = "ACTIVE"
	UploadFinalized UploadState = "FINALIZED"
	UploadExpired   UploadState = "EXPIRED"
)

// Upload is the persistent record of one chunked transfer. SourceChecksum
// is the sha256 the node declared at init; Checksum is what the server
// computed at finalize.
type Upload struct {
	UploadID       string      `json:"upload_id"`
	SessionID      string      `json:"session_id"`
	NodeID         string      `json:"node_id"`
	RecordingID    string      `json:"recording_id"`
	Ext            string      `json:"ext"`
	ChunkSize      int64       `json:"chunk_size"`
	DeclaredSize   int64       `json:"declared_size,omitempty"`
	SourceChecksum string      `json:"source_checksum,omitempty"`
	State          UploadState `json:"state"`
	Checksum       string      `json:"checksum_sha256,omitempty"`
	SizeBytes      int64       `json:"size_bytes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SessionStatus is the publication state of a session.
type SessionStatus string

const (
	SessionCollecting SessionStatus = "COLLECTING"
	SessionPublished  SessionStatus = "PUBLISHED"
	SessionPartial    SessionStatus = "PARTIAL"
)

// Session tracks one match's recordings across cameras.
type Session struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	// Expected is the camera set declared by the first manifest; empty
	// until one arrives.
	Expected []string `json:"expected_cameras,omitempty"`
	// Confirmed maps node id to the verified checksum.
	Confirmed   map[string]string `json:"confirmed"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
}

const (
	keyUpload    = "upl:"
	keyRecording = "rec:" // recording_id -> upload_id, the at-most-one-upload index
	keySession   = "sess:"
)

// Store is the badger-backed ingest state.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the state directory.
func OpenStore(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, rigerr.Wrap(rigerr.ReasonDriverFailure, "ingest.open", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error { return s.db.Close() }

func put(txn *badger.Txn, key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), buf)
}

func get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

// PutUpload writes an upload record and its recording index.
func (s *Store) PutUpload(u Upload) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := put(txn, keyUpload+u.UploadID, u); err != nil {
			return err
		}
		return txn.Set([]byte(keyRecording+u.RecordingID), []byte(u.UploadID))
	})
}

// GetUpload fetches an upload by id.
func (s *Store) GetUpload(uploadID string) (Upload, error) {
	var u Upload
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, keyUpload+uploadID, &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Upload{}, rigerr.Newf(rigerr.ReasonNotFound, "ingest.upload", "unknown upload %s", uploadID)
	}
	return u, err
}

// UploadForRecording resolves the active upload of a recording, if any.
func (s *Store) UploadForRecording(recordingID string) (Upload, bool, error) {
	var u Upload
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyRecording + recordingID))
		if err != nil {
			return err
		}
		var uploadID string
		if err := item.Value(func(val []byte) error {
			uploadID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return get(txn, keyUpload+uploadID, &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Upload{}, false, nil
	}
	if err != nil {
		return Upload{}, false, err
	}
	return u, true, nil
}

// UpdateUpload mutates an upload record in one transaction.
func (s *Store) UpdateUpload(uploadID string, fn func(*Upload) error) (Upload, error) {
	var u Upload
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := get(txn, keyUpload+uploadID, &u); err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		u.UpdatedAt = time.Now().UTC()
		return put(txn, keyUpload+uploadID, u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Upload{}, rigerr.Newf(rigerr.ReasonNotFound, "ingest.upload", "unknown upload %s", uploadID)
	}
	return u, err
}

// DeleteUpload drops an upload record and its recording index.
func (s *Store) DeleteUpload(uploadID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var u Upload
		err := get(txn, keyUpload+uploadID, &u)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(keyUpload + uploadID)); err != nil {
			return err
		}
		return txn.Delete([]byte(keyRecording + u.RecordingID))
	})
}

// ListUploads returns every upload record.
func (s *Store) ListUploads() ([]Upload, error) {
	var out []Upload
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyUpload)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u Upload
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// ActiveUploadCount counts uploads still receiving chunks.
func (s *Store) ActiveUploadCount() (int, error) {
	uploads, err := s.ListUploads()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range uploads {
		if u.State == UploadActive {
			n++
		}
	}
	return n, nil
}

// GetSession fetches a session record.
func (s *Store) GetSession(sessionID string) (Session, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, keySession+sessionID, &sess)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, rigerr.Newf(rigerr.ReasonNotFound, "ingest.session", "unknown session %s", sessionID)
	}
	return sess, err
}

// UpsertSession mutates a session record, creating it in COLLECTING when
// absent.
func (s *Store) UpsertSession(sessionID string, fn func(*Session) error) (Session, error) {
	var sess Session
	err := s.db.Update(func(txn *badger.Txn) error {
		err := get(txn, keySession+sessionID, &sess)
		if errors.Is(err, badger.ErrKeyNotFound) {
			now := time.Now().UTC()
			sess = Session{
				SessionID: sessionID,
				Status:    SessionCollecting,
				Confirmed: make(map[string]string),
				CreatedAt: now,
			}
		} else if err != nil {
			return err
		}
		if sess.Confirmed == nil {
			sess.Confirmed = make(map[string]string)
		}
		if err := fn(&sess); err != nil {
			return err
		}
		sess.UpdatedAt = time.Now().UTC()
		return put(txn, keySession+sessionID, sess)
	})
	return sess, err
}

// ListSessions returns every session record.
func (s *Store) ListSessions() ([]Session, error) {
	var out []Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keySession)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess Session
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &sess) }); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	return out, err
}
