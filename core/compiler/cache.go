package compiler

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
)

// DefaultCacheSize is used when NewCache is given a non-positive size.
const DefaultCacheSize = 256

// CacheKey identifies a compiled validator. A new datatype version yields a
// new key, so stale entries simply age out.
type CacheKey struct {
	TypeKey string
	Version int
	Mode    Mode
}

// Cache is a bounded, thread-safe cache of compiled validators.
type Cache struct {
	lru *lru.Cache[CacheKey, *Validator]
}

// NewCache creates a validator cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[CacheKey, *Validator](size)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Get returns the validator for a datatype and mode, compiling it on a miss.
func (c *Cache) Get(dt schema.Datatype, mode Mode) (*Validator, error) {
	key := CacheKey{TypeKey: dt.Key, Version: dt.Version, Mode: mode}
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err := Compile(dt.Fields, mode)
	if err != nil {
		var verr *errs.ValidationError
		if errors.As(err, &verr) {
			verr.TypeKey = dt.Key
		}
		return nil, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Len returns the number of cached validators.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached validator.
func (c *Cache) Purge() {
	c.lru.Purge()
}
