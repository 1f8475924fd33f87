package persistence

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/betbot/omgate/pkg/logger"
)

// BadgerOptions Badger 后端参数
type BadgerOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes；为空则不加密
}

// BadgerService 基于 Badger KV 的持久化服务
// 与 JSON 文件后端使用同一套 key 规则，便于迁移
type BadgerService struct {
	db *badger.DB
}

// NewBadgerService 打开（或创建）Badger 数据目录
func NewBadgerService(opts BadgerOptions) (*BadgerService, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("persistence: badger path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 Badger 需要索引缓存
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("打开 badger 失败 %s: %w", opts.Path, err)
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &BadgerStore{db: s.db, key: storeKey(prefix, id, tag)}
}

// Tags 按前缀扫描 key
func (s *BadgerService) Tags(prefix, id string) ([]string, error) {
	head := []byte(storeKey(prefix, id, ""))
	var tags []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = head
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			if tag := strings.TrimPrefix(k, string(head)); tag != "" {
				tags = append(tags, tag)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BadgerStore 单个 key 的存储
type BadgerStore struct {
	db  *badger.DB
	key string
}

// Key 返回存储键
func (s *BadgerStore) Key() string { return s.key }

// Save 保存数据
func (s *BadgerStore) Save(data interface{}) error {
	logger.Debugf("[persistence] badger Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(s.key), b)
	})
}

// Load 加载数据
func (s *BadgerStore) Load(data interface{}) error {
	logger.Debugf("[persistence] badger Load: key=%s", s.key)
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(raw, data)
}

// Delete 删除数据
func (s *BadgerStore) Delete() error {
	logger.Debugf("[persistence] badger Delete: key=%s", s.key)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(s.key))
	})
}

// ParseKey 解析 32 字节加密密钥（hex 或 base64），输入为空返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	// 64 个 hex 字符优先按 hex 解析，避免被误判为 base64
	if rawHex := strings.TrimPrefix(raw, "0x"); len(rawHex) == 64 {
		if b, err := hex.DecodeString(rawHex); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("persistence: 加密密钥既不是 hex 也不是 base64")
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("persistence: 加密密钥长度必须为 32 字节, got %d", len(b))
	}
	return b, nil
}
