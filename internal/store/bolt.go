package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
)

var (
	bucketLights  = []byte("lights")
	bucketSensors = []byte("sensors")
	bucketGroups  = []byte("groups")
	bucketRules   = []byte("rules")
	bucketGateway = []byte("gateway")
	keyGateway    = []byte("state")
)

// BoltStore implements Store using BoltDB, one bucket per entity kind with
// JSON records keyed by id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLights, bucketSensors, bucketGroups, bucketRules, bucketGateway} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// saveAll replaces a bucket's contents with the given id→record map.
func (s *BoltStore) saveAll(bucket []byte, records map[string]interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return err
		}
		for id, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) loadAll(bucket []byte, each func(data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.ForEach(func(_, v []byte) error {
			return each(v)
		})
	})
}

func (s *BoltStore) SaveLights(lights []*registry.Light) error {
	records := make(map[string]interface{}, len(lights))
	for _, l := range lights {
		records[l.ID] = l
	}
	return s.saveAll(bucketLights, records)
}

func (s *BoltStore) LoadLights() ([]*registry.Light, error) {
	var out []*registry.Light
	err := s.loadAll(bucketLights, func(data []byte) error {
		var l registry.Light
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		out = append(out, &l)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveSensors(sensors []*registry.Sensor) error {
	records := make(map[string]interface{}, len(sensors))
	for _, sn := range sensors {
		records[sn.ID] = sn
	}
	return s.saveAll(bucketSensors, records)
}

func (s *BoltStore) LoadSensors() ([]*registry.Sensor, error) {
	var out []*registry.Sensor
	err := s.loadAll(bucketSensors, func(data []byte) error {
		var sn registry.Sensor
		if err := json.Unmarshal(data, &sn); err != nil {
			return err
		}
		out = append(out, &sn)
		return nil
	})
	return out, err
}

// SaveGroups persists groups with their scenes. Groups in the DeleteFromDB
// state are purged from disk while their in-memory row remains.
func (s *BoltStore) SaveGroups(groups []*registry.Group) error {
	records := make(map[string]interface{}, len(groups))
	for _, g := range groups {
		if g.State == registry.GroupDeleteFromDB {
			continue
		}
		records[g.ID] = g
	}
	return s.saveAll(bucketGroups, records)
}

func (s *BoltStore) LoadGroups() ([]*registry.Group, error) {
	var out []*registry.Group
	err := s.loadAll(bucketGroups, func(data []byte) error {
		var g registry.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveRules(rs []*rules.Rule) error {
	records := make(map[string]interface{}, len(rs))
	for _, r := range rs {
		records[r.ID] = r
	}
	return s.saveAll(bucketRules, records)
}

func (s *BoltStore) LoadRules() ([]*rules.Rule, error) {
	var out []*rules.Rule
	err := s.loadAll(bucketRules, func(data []byte) error {
		var r rules.Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveGateway(state *GatewayState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGateway).Put(keyGateway, data)
	})
}

func (s *BoltStore) LoadGateway() (*GatewayState, error) {
	var state GatewayState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGateway).Get(keyGateway)
		if data == nil {
			return fmt.Errorf("gateway state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
