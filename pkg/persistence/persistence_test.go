package persistence

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func exerciseService(t *testing.T, svc Service) {
	t.Helper()

	_, err := svc.Tags("orders", "omgate")
	require.NoError(t, err)

	var missing sample
	require.ErrorIs(t, svc.NewStore("orders", "omgate", "20261001").Load(&missing), ErrNotExists)

	for _, tag := range []string{"20261015", "20261013", "20261014"} {
		require.NoError(t, svc.NewStore("orders", "omgate", tag).Save(sample{Name: tag, Count: 1}))
	}
	// 其他服务的数据不应混入
	require.NoError(t, svc.NewStore("orders", "other", "20261015").Save(sample{Name: "x"}))

	tags, err := svc.Tags("orders", "omgate")
	require.NoError(t, err)
	assert.Equal(t, []string{"20261013", "20261014", "20261015"}, tags)

	var got sample
	require.NoError(t, svc.NewStore("orders", "omgate", "20261014").Load(&got))
	assert.Equal(t, sample{Name: "20261014", Count: 1}, got)

	require.NoError(t, svc.NewStore("orders", "omgate", "20261013").Delete())
	tags, err = svc.Tags("orders", "omgate")
	require.NoError(t, err)
	assert.Equal(t, []string{"20261014", "20261015"}, tags)
}

func TestJSONFileService(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	exerciseService(t, svc)

	store := svc.NewStore("orders", "omgate", "20261015")
	assert.Equal(t, "orders:omgate:20261015", store.Key())
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, matches, "原子写入后不应残留临时文件")
	// 删除不存在的 key 不报错
	require.NoError(t, svc.NewStore("orders", "omgate", "19990101").Delete())
}

func TestBadgerService(t *testing.T) {
	svc, err := NewBadgerService(BadgerOptions{Path: t.TempDir()})
	require.NoError(t, err)
	defer svc.Close()
	exerciseService(t, svc)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	hexKey := strings.Repeat("ab", 32)
	k, err = ParseKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("c2hvcnQ=")
	require.Error(t, err)
}
