package security

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var caBucket = []byte("ca")

const caKey = "root"

// CAStore persists the serialized root CA so it survives process restarts.
// Kept as a narrow interface (rather than depending on the block storage
// engine) so the certificate authority has no dependency on collection or
// block semantics at all — it is pure peer-identity infrastructure.
type CAStore interface {
	GetCA() ([]byte, error)
	SaveCA(data []byte) error
}

// BoltCAStore is the default CAStore, one bbolt bucket in its own database
// file, following the same db.Update/db.View-per-call shape as the block
// storage engine's bucket access.
type BoltCAStore struct {
	db *bbolt.DB
}

// NewBoltCAStore opens (creating if necessary) the CA database at path.
func NewBoltCAStore(path string) (*BoltCAStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open CA store: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(caBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create CA bucket: %w", err)
	}

	return &BoltCAStore{db: db}, nil
}

// GetCA returns the serialized CA data, or an error if none has been saved.
func (s *BoltCAStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(caBucket).Get([]byte(caKey))
		if v == nil {
			return fmt.Errorf("no CA data stored")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// SaveCA persists serialized CA data, overwriting any prior value.
func (s *BoltCAStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(caBucket).Put([]byte(caKey), data)
	})
}

// Close closes the underlying database.
func (s *BoltCAStore) Close() error {
	return s.db.Close()
}
