package directory

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/attid/eurmtl/logger"
)

var (
	ErrUnknownTable = errors.New("table is not configured")
	ErrRowNotFound  = errors.New("directory row not found")
)

// TableConfig describes one cached table and its index fields.
type TableConfig struct {
	Name      string   `yaml:"name"`
	Primary   string   `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
}

// CacheConfig lists the tables kept in memory.
type CacheConfig struct {
	Tables []TableConfig `yaml:"tables"`
}

type recordsReader interface {
	Records(table string) ([]Record, error)
}

// snapshot is one immutable full-table view. Reload builds a fresh snapshot
// and swaps the pointer, readers always observe a complete table.
type snapshot struct {
	rows      []Record
	byPrimary map[string]Record
	secondary map[string]map[string]Record
}

// Cache is the read-through view over the directory. Reads come from the in
// memory snapshot, a table missing its snapshot is fetched on first use.
// The directory webhook invalidates by calling Reload.
type Cache struct {
	client recordsReader
	tables map[string]TableConfig
	log    logger.Logger

	mu        sync.RWMutex
	snapshots map[string]*snapshot
	loading   sync.Mutex
}

// NewCache creates the Cache. Tables are loaded lazily on first read.
func NewCache(client recordsReader, cfg CacheConfig, log logger.Logger) *Cache {
	tables := make(map[string]TableConfig, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t.Name] = t
	}
	return &Cache{
		client:    client,
		tables:    tables,
		log:       log,
		snapshots: make(map[string]*snapshot),
	}
}

// All returns every row of the table.
func (c *Cache) All(table string) ([]Record, error) {
	snap, err := c.snapshot(table)
	if err != nil {
		return nil, err
	}
	return snap.rows, nil
}

// ByPrimary returns the row with the given primary index value.
func (c *Cache) ByPrimary(table, key string) (Record, error) {
	snap, err := c.snapshot(table)
	if err != nil {
		return Record{}, err
	}
	row, ok := snap.byPrimary[key]
	if !ok {
		return Record{}, ErrRowNotFound
	}
	return row, nil
}

// BySecondary returns the row with the given secondary index value.
func (c *Cache) BySecondary(table, field, key string) (Record, error) {
	snap, err := c.snapshot(table)
	if err != nil {
		return Record{}, err
	}
	index, ok := snap.secondary[field]
	if !ok {
		return Record{}, fmt.Errorf("field %s is not indexed on table %s", field, table)
	}
	row, ok := index[key]
	if !ok {
		return Record{}, ErrRowNotFound
	}
	return row, nil
}

// Filtered returns rows whose field value matches one of the given values.
func (c *Cache) Filtered(table, field string, values []string) ([]Record, error) {
	snap, err := c.snapshot(table)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}
	var rows []Record
	for _, row := range snap.rows {
		if _, ok := wanted[FieldString(row, field)]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Reload fetches the full table and atomically replaces its snapshot. On a
// fetch failure the previous snapshot stays in service.
func (c *Cache) Reload(table string) error {
	cfg, ok := c.tables[table]
	if !ok {
		return ErrUnknownTable
	}

	records, err := c.client.Records(table)
	if err != nil {
		c.log.Error(fmt.Sprintf("table %s reload failed, serving the stale snapshot: %s", table, err.Error()))
		return err
	}
	snap := buildSnapshot(cfg, records)

	c.mu.Lock()
	c.snapshots[table] = snap
	c.mu.Unlock()
	return nil
}

func (c *Cache) snapshot(table string) (*snapshot, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[table]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	if _, configured := c.tables[table]; !configured {
		return nil, ErrUnknownTable
	}

	// a first-use load, serialized so a cold table is fetched once
	c.loading.Lock()
	defer c.loading.Unlock()

	c.mu.RLock()
	snap, ok = c.snapshots[table]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if err := c.Reload(table); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[table], nil
}

func buildSnapshot(cfg TableConfig, records []Record) *snapshot {
	snap := &snapshot{
		rows:      records,
		byPrimary: make(map[string]Record, len(records)),
		secondary: make(map[string]map[string]Record, len(cfg.Secondary)),
	}
	for _, field := range cfg.Secondary {
		snap.secondary[field] = make(map[string]Record, len(records))
	}
	for _, row := range records {
		if key := FieldString(row, cfg.Primary); key != "" {
			snap.byPrimary[key] = row
		}
		for _, field := range cfg.Secondary {
			if key := FieldString(row, field); key != "" {
				snap.secondary[field][key] = row
			}
		}
	}
	return snap
}

// FieldString renders a row field as its index key. Numeric directory values
// arrive as float64 and integral ones render without the fraction.
func FieldString(row Record, field string) string {
	v, ok := row.Fields[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// FieldFloat renders a row field as a number, zero when absent.
func FieldFloat(row Record, field string) float64 {
	v, ok := row.Fields[field]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
