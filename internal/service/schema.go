package service

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/lib/pq"

	"github.com/openclaw/assist-relay/internal/model"
)

const (
	pqUndefinedColumn = "42703"
	pqUniqueViolation = "23505"
	maxSchemaRetries  = 3
)

var undefinedColumnRe = regexp.MustCompile(`column "?([a-z_]+)"? (?:of relation "[^"]+" )?does not exist`)

// SchemaCapabilities tracks which optional session columns the store lacks.
// It starts from the configured list and learns from undefined-column errors.
type SchemaCapabilities struct {
	mu          sync.RWMutex
	unsupported map[string]bool
}

func NewSchemaCapabilities(unsupported []string) *SchemaCapabilities {
	c := &SchemaCapabilities{unsupported: make(map[string]bool)}
	for _, col := range unsupported {
		if model.IsOptionalSessionColumn(col) {
			c.unsupported[col] = true
		}
	}
	return c
}

func (c *SchemaCapabilities) Supports(col string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.unsupported[col]
}

// MarkUnsupported records col as missing. Required columns are never marked.
func (c *SchemaCapabilities) MarkUnsupported(col string) bool {
	if !model.IsOptionalSessionColumn(col) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsupported[col] = true
	return true
}

// Filter drops columns known to be missing.
func (c *SchemaCapabilities) Filter(patch model.SessionPatch) model.SessionPatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(model.SessionPatch, len(patch))
	for k, v := range patch {
		if !c.unsupported[k] {
			out[k] = v
		}
	}
	return out
}

// Unsupported lists the missing optional columns in sorted order.
func (c *SchemaCapabilities) Unsupported() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols := make([]string, 0, len(c.unsupported))
	for col := range c.unsupported {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// undefinedColumn extracts the missing column name from a postgres error.
func undefinedColumn(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUndefinedColumn {
		return "", false
	}
	m := undefinedColumnRe.FindStringSubmatch(pqErr.Message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
