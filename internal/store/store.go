// Package store persists discovered node records so a restarted node can
// bootstrap from peers it already knew.
package store

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
)

// NodeRecord is a persisted peer.
type NodeRecord struct {
	NodeID    string    `gorm:"primarykey" json:"node_id"`
	IP        string    `gorm:"not null" json:"ip"`
	Port      uint16    `gorm:"not null" json:"port"`
	PublicKey string    `json:"public_key,omitempty"` // compressed key, hex
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the node-record database.
type Store struct {
	db *gorm.DB
}

// Open initializes the database and runs migrations. Only sqlite:// DSNs are
// supported.
func Open(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&NodeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts a node record and stamps it seen now.
func (s *Store) Save(n identity.Node) error {
	rec := NodeRecord{
		NodeID:   n.ID.String(),
		IP:       n.Endpoint.IP.String(),
		Port:     n.Endpoint.Port,
		LastSeen: time.Now(),
	}
	if n.PublicKey != nil {
		rec.PublicKey = hex.EncodeToString(identity.MarshalPublicKey(n.PublicKey))
	}
	err := s.db.Save(&rec).Error
	if err != nil {
		return fmt.Errorf("save node record: %w", err)
	}
	return nil
}

// Delete removes a node record; missing records are tolerated.
func (s *Store) Delete(id identity.NodeID) error {
	return s.db.Delete(&NodeRecord{}, "node_id = ?", id.String()).Error
}

// Recent returns up to limit records, most recently seen first.
func (s *Store) Recent(limit int) ([]identity.Node, error) {
	var recs []NodeRecord
	if err := s.db.Order("last_seen desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load node records: %w", err)
	}
	nodes := make([]identity.Node, 0, len(recs))
	for _, rec := range recs {
		node, err := rec.Node()
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Node converts a record back to a node descriptor.
func (rec NodeRecord) Node() (identity.Node, error) {
	id, err := identity.NodeIDFromHex(rec.NodeID)
	if err != nil {
		return identity.Node{}, err
	}
	ep, err := identity.ParseEndpoint(fmt.Sprintf("%s:%d", rec.IP, rec.Port))
	if err != nil {
		return identity.Node{}, err
	}
	n := identity.Node{ID: id, Endpoint: ep}
	if rec.PublicKey != "" {
		if raw, err := hex.DecodeString(rec.PublicKey); err == nil {
			if pub, err := identity.UnmarshalPublicKey(raw); err == nil {
				n.PublicKey = pub
			}
		}
	}
	return n, nil
}
