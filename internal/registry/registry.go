// Package registry persists the devices a link was ever established with,
// so a UI can offer a reconnect list without a fresh scan.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nearwave/nearwave/internal/discovery"
)

// Device is one remembered peer. Addr is the identity; Name tracks the most
// recently advertised display name.
type Device struct {
	ID        uint   `gorm:"primarykey"`
	Addr      string `gorm:"uniqueIndex"`
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store is a sqlite-backed device registry.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the registry database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Remember records a link to peer: first sighting inserts, later sightings
// refresh LastSeen and pick up a changed name. An empty advertised name
// never overwrites a known one.
func (s *Store) Remember(peer discovery.PeerID) error {
	if peer.Addr == "" {
		return errors.New("registry: peer without address")
	}
	now := time.Now().UTC()

	var dev Device
	err := s.db.Where("addr = ?", peer.Addr).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Device{
			Addr:      peer.Addr,
			Name:      peer.Name,
			FirstSeen: now,
			LastSeen:  now,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("registry: lookup %s: %w", peer.Addr, err)
	}

	updates := map[string]any{"last_seen": now}
	if peer.Name != "" {
		updates["name"] = peer.Name
	}
	return s.db.Model(&dev).Updates(updates).Error
}

// Lookup returns the remembered device for addr, if any.
func (s *Store) Lookup(addr string) (Device, bool, error) {
	var dev Device
	err := s.db.Where("addr = ?", addr).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("registry: lookup %s: %w", addr, err)
	}
	return dev, true, nil
}

// All returns every remembered device, most recently seen first.
func (s *Store) All() ([]Device, error) {
	var devs []Device
	if err := s.db.Order("last_seen desc").Find(&devs).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return devs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
