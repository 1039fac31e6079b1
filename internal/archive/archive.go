// Package archive persists relayed booking chat messages in bbolt.
// Each conversation gets its own nested bucket keyed by a big-endian
// sequence number, so iteration order is insertion order.
package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var bucketConversations = []byte("conversations")

// Record is one persisted chat message.
type Record struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Text           string `msgpack:"text,omitempty"`
	FileURL        string `msgpack:"fileUrl,omitempty"`
	FileName       string `msgpack:"fileName,omitempty"`
	MessageType    string `msgpack:"messageType"`
	Timestamp      int64  `msgpack:"timestamp"`
}

func (r *Record) MarshalBinary() ([]byte, error) {
	type alias Record
	return msgpack.Marshal((*alias)(r))
}

func (r *Record) UnmarshalBinary(data []byte) error {
	type alias Record
	return msgpack.Unmarshal(data, (*alias)(r))
}

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the archive file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConversations)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores r at the end of its conversation.
func (s *Store) Append(r Record) error {
	if r.ConversationID == "" {
		return fmt.Errorf("archive: record %s has no conversation", r.ID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketConversations)
		b, err := root.CreateBucketIfNotExists([]byte(r.ConversationID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := r.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// List returns the last limit records of a conversation in insertion order.
// limit <= 0 returns everything. Unknown conversations yield an empty slice.
func (s *Store) List(conversationID string, limit int) ([]Record, error) {
	out := []Record{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		// Walk backwards to collect the tail, then reverse.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
