package registry

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/persist"
)

// FileStore keeps devices snapshot in extremofile under root/registry.
type FileStore struct {
	p *persist.Persist
}

func NewFileStore(root string, log *log2.Log) (*FileStore, error) {
	p, err := persist.New("registry", root, true, log)
	if err != nil {
		return nil, errors.Annotate(err, "registry file store")
	}
	return &FileStore{p: p}, nil
}

func (s *FileStore) LoadDevices() ([]Device, error) {
	var ds Devices
	_, err := s.p.Load(&ds)
	return ds, err
}

func (s *FileStore) SaveDevices(ds []Device) error {
	if err := s.p.Store(Devices(ds)); err != nil {
		return fault.New(fault.Storage, "registry save", err)
	}
	return nil
}

const DefaultRedisKey = "radiogate:devices"

// RedisStore keeps one hash field per device name.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, key string, timeout time.Duration) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisStore{client: client, key: key, timeout: timeout}
}

func (s *RedisStore) LoadDevices() ([]Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Annotatef(err, "redis HGETALL key=%s", s.key)
	}
	ds := make([]Device, 0, len(m))
	for name, v := range m {
		var one Devices
		if err := one.UnmarshalBinary([]byte(v)); err != nil {
			return nil, errors.Annotatef(err, "redis key=%s field=%s", s.key, name)
		}
		ds = append(ds, one...)
	}
	return ds, nil
}

// SaveDevices replaces the hash atomically.
func (s *RedisStore) SaveDevices(ds []Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	values := make([]interface{}, 0, len(ds)*2)
	for _, d := range ds {
		b, err := Devices{d}.MarshalBinary()
		if err != nil {
			return errors.Annotatef(err, "marshal device=%s", d.Name)
		}
		values = append(values, d.Name, b)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) != 0 {
			pipe.HSet(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fault.New(fault.Storage, "registry save", errors.Annotatef(err, "redis key=%s", s.key))
	}
	return nil
}
